package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/shelfsync/internal/model"
)

// Test credentials accepted by every FakeServer.
const (
	TestUsername = "clerk"
	TestPassword = "hunter2"
)

// RecordedRequest is one request as seen by the FakeServer.
type RecordedRequest struct {
	Method         string
	Path           string
	Status         int
	IdempotencyKey string
	Replayed       bool
}

// String renders the request for golden traces.
func (r RecordedRequest) String() string {
	s := fmt.Sprintf("%s %s -> %d", r.Method, r.Path, r.Status)
	if r.Replayed {
		s += " (replayed)"
	}
	return s
}

type injectedFailure struct {
	method    string
	path      string
	status    int
	remaining int
}

type storedResponse struct {
	status int
	body   []byte
}

// FakeServer is an in-process inventory service implementing the remote
// contract the client consumes. It is scriptable: tests can expire tokens,
// inject failures and inspect every request it received.
//
// Stock updates are delta-only: PUT /products/{id}/stock adds body.delta to
// the current stock and rejects results below zero with 400.
//
// Non-GET requests carrying an Idempotency-Key header are applied at most
// once; a replay returns the stored response without touching state.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeServer struct {
	srv *httptest.Server

	// URL is the base URL of the server.
	URL string

	mu           sync.Mutex
	products     map[int64]model.Product
	nextID       int64
	access       map[string]bool
	refresh      map[string]bool
	tokenSeq     int
	expiresIn    int
	refreshCalls int
	rejectNext   int
	failures     []*injectedFailure
	responses    map[string]storedResponse
	requests     []RecordedRequest
	shipped      []json.RawMessage

	// holdN unauthorized requests are held until holdN have arrived.
	holdN       int
	holdArrived int
	holdRelease chan struct{}
}

// NewFakeServer starts a server seeded with products and registers its
// shutdown with t.Cleanup.
func NewFakeServer(t testing.TB, products ...model.Product) *FakeServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &FakeServer{
		products:  make(map[int64]model.Product),
		nextID:    1,
		access:    make(map[string]bool),
		refresh:   make(map[string]bool),
		expiresIn: 3600,
		responses: make(map[string]storedResponse),
	}
	for _, p := range products {
		p.PendingSync = false
		f.products[p.ID] = p
		if p.ID >= f.nextID {
			f.nextID = p.ID + 1
		}
	}

	f.srv = httptest.NewServer(f.routes())
	f.URL = f.srv.URL
	t.Cleanup(f.srv.Close)
	return f
}

func (f *FakeServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(f.record, f.inject)

	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/auth/login", f.login)
	r.POST("/auth/refresh", f.refreshToken)

	api := r.Group("/", f.authenticate, f.idempotent)
	api.POST("/auth/logout", f.logout)
	api.GET("/products", f.listProducts)
	api.GET("/products/:id", f.getProduct)
	api.POST("/products", f.createProduct)
	api.PUT("/products/:id/stock", f.updateStock)
	api.DELETE("/products/:id", f.deleteProduct)
	api.POST("/sync/logs", f.shipLogs)
	return r
}

// =============================================================================
// Scripting
// =============================================================================

// SetTokenLifetime sets expires_in (seconds) of issued tokens.
func (f *FakeServer) SetTokenLifetime(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiresIn = seconds
}

// ExpireAccessTokens invalidates every issued access token. Refresh tokens
// stay valid.
func (f *FakeServer) ExpireAccessTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.access)
}

// RejectRefreshes makes the next n refresh calls fail with 401.
func (f *FakeServer) RejectRefreshes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = n
}

// HoldUnauthorized makes the next n requests carrying an invalid token wait
// until all n have arrived before any of them receives its 401. This forces
// n concurrent callers to observe the failure together.
func (f *FakeServer) HoldUnauthorized(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdN = n
	f.holdArrived = 0
	f.holdRelease = make(chan struct{})
}

// FailNext makes the next n requests matching method and path fail with
// status before reaching any handler.
func (f *FakeServer) FailNext(method, path string, status, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, &injectedFailure{
		method:    method,
		path:      path,
		status:    status,
		remaining: n,
	})
}

// RefreshCalls returns how many refresh requests were received.
func (f *FakeServer) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// Product returns the server-side product.
func (f *FakeServer) Product(id int64) (model.Product, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	return p, ok
}

// Products returns all server-side products ordered by ID.
func (f *FakeServer) Products() []model.Product {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedLocked()
}

// PutProduct creates or replaces a product, simulating another writer.
func (f *FakeServer) PutProduct(p model.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.PendingSync = false
	f.products[p.ID] = p
	if p.ID >= f.nextID {
		f.nextID = p.ID + 1
	}
}

// Requests returns a copy of the request log.
func (f *FakeServer) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// CountRequests counts logged requests matching method and path.
func (f *FakeServer) CountRequests(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (f *FakeServer) ResetRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

// ShippedLogs returns every record received on /sync/logs.
func (f *FakeServer) ShippedLogs() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.shipped)
}

// =============================================================================
// Middleware
// =============================================================================

func (f *FakeServer) record(c *gin.Context) {
	c.Next()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, RecordedRequest{
		Method:         c.Request.Method,
		Path:           c.Request.URL.Path,
		Status:         c.Writer.Status(),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Replayed:       c.GetBool("replayed"),
	})
}

func (f *FakeServer) inject(c *gin.Context) {
	f.mu.Lock()
	var status int
	for _, fl := range f.failures {
		if fl.remaining > 0 && fl.method == c.Request.Method && fl.path == c.Request.URL.Path {
			fl.remaining--
			status = fl.status
			break
		}
	}
	f.mu.Unlock()

	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}
	c.Next()
}

func (f *FakeServer) authenticate(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")

	f.mu.Lock()
	valid := ok && f.access[token]
	var release chan struct{}
	if !valid && f.holdN > 0 {
		f.holdArrived++
		release = f.holdRelease
		if f.holdArrived == f.holdN {
			f.holdN = 0
			close(release)
		}
	}
	f.mu.Unlock()

	if valid {
		c.Next()
		return
	}
	if release != nil {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
}

// idempotent replays the stored response of a previously applied write.
func (f *FakeServer) idempotent(c *gin.Context) {
	key := c.GetHeader("Idempotency-Key")
	if key == "" || c.Request.Method == http.MethodGet {
		c.Next()
		return
	}

	f.mu.Lock()
	prev, seen := f.responses[key]
	f.mu.Unlock()
	if seen {
		c.Set("replayed", true)
		c.Data(prev.status, "application/json", prev.body)
		c.Abort()
		return
	}

	w := &capturingWriter{ResponseWriter: c.Writer}
	c.Writer = w
	c.Next()

	if st := w.Status(); st >= 200 && st < 300 {
		f.mu.Lock()
		f.responses[key] = storedResponse{status: st, body: w.buf.Bytes()}
		f.mu.Unlock()
	}
}

type capturingWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// =============================================================================
// Handlers
// =============================================================================

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// issueLocked mints a token pair. Caller holds f.mu.
func (f *FakeServer) issueLocked() tokenResponse {
	f.tokenSeq++
	access := fmt.Sprintf("access-%d", f.tokenSeq)
	refresh := fmt.Sprintf("refresh-%d", f.tokenSeq)
	f.access[access] = true
	f.refresh[refresh] = true
	return tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    f.expiresIn,
	}
}

func (f *FakeServer) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if req.Username != TestUsername || req.Password != TestPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect username or password"})
		return
	}

	f.mu.Lock()
	tok := f.issueLocked()
	f.mu.Unlock()
	c.JSON(http.StatusOK, tok)
}

func (f *FakeServer) refreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.rejectNext > 0 {
		f.rejectNext--
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Refresh token revoked"})
		return
	}
	if !f.refresh[req.RefreshToken] {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid refresh token"})
		return
	}
	// Refresh tokens rotate: each one is single-use.
	delete(f.refresh, req.RefreshToken)
	c.JSON(http.StatusOK, f.issueLocked())
}

func (f *FakeServer) logout(c *gin.Context) {
	token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	f.mu.Lock()
	delete(f.access, token)
	f.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (f *FakeServer) listProducts(c *gin.Context) {
	f.mu.Lock()
	products := f.sortedLocked()
	f.mu.Unlock()
	c.JSON(http.StatusOK, products)
}

func (f *FakeServer) getProduct(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	f.mu.Lock()
	p, found := f.products[id]
	f.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Product not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (f *FakeServer) createProduct(c *gin.Context) {
	var in model.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if in.Name == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "name"}, "msg": "field required"}}})
		return
	}
	if in.StockQuantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Stock quantity cannot be negative"})
		return
	}

	f.mu.Lock()
	p := model.Product{
		ID:            f.nextID,
		Name:          in.Name,
		Description:   in.Description,
		SKU:           in.SKU,
		UPC:           in.UPC,
		PriceCents:    in.PriceCents,
		CostCents:     in.CostCents,
		StockQuantity: in.StockQuantity,
		SupplierID:    in.SupplierID,
		CategoryID:    in.CategoryID,
	}
	f.nextID++
	f.products[p.ID] = p
	f.mu.Unlock()

	c.JSON(http.StatusCreated, p)
}

func (f *FakeServer) updateStock(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	var req struct {
		Delta *int64 `json:"delta"`
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Delta == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "delta is required"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, found := f.products[id]
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Product not found"})
		return
	}
	if p.StockQuantity+*req.Delta < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Insufficient stock"})
		return
	}
	p.StockQuantity += *req.Delta
	f.products[id] = p
	c.JSON(http.StatusOK, p)
}

func (f *FakeServer) deleteProduct(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	f.mu.Lock()
	_, found := f.products[id]
	delete(f.products, id)
	f.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Product not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Product deleted successfully"})
}

func (f *FakeServer) shipLogs(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	var req struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	f.mu.Lock()
	f.shipped = append(f.shipped, req.Records...)
	f.mu.Unlock()
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Records)})
}

func (f *FakeServer) sortedLocked() []model.Product {
	out := make([]model.Product, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	model.SortProducts(out)
	return out
}

func productID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid product id"})
		return 0, false
	}
	return id, true
}
