package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/shelfsync/internal/model"
)

// API is the typed surface of the inventory service.
type API struct {
	c *Client
}

// NewAPI wraps c.
func NewAPI(c *Client) *API {
	return &API{c: c}
}

// Client returns the underlying client.
func (a *API) Client() *Client {
	return a.c
}

// Login exchanges credentials for a session and stores it.
func (a *API) Login(ctx context.Context, username, password string) (model.AuthSession, error) {
	resp, err := a.c.Request(ctx, http.MethodPost, LoginPath, map[string]string{
		"username": username,
		"password": password,
	}, NoRetry())
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("login: %w", err)
	}
	sess, err := a.c.sessionFrom(resp)
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("login: %w", err)
	}
	if err := a.c.auth.Establish(ctx, sess); err != nil {
		return model.AuthSession{}, fmt.Errorf("login: %w", err)
	}
	return sess, nil
}

// Logout revokes the session on the server when reachable and always
// destroys it locally.
func (a *API) Logout(ctx context.Context) error {
	_, err := a.c.Request(ctx, http.MethodPost, "/auth/logout", nil, NoRetry())
	if err != nil && !errors.Is(err, model.ErrNotAuthenticated) {
		a.c.logger.Warn("server logout failed, clearing local session", "error", err)
	}
	if err := a.c.auth.Clear(ctx, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ListProducts returns every product.
func (a *API) ListProducts(ctx context.Context, opts ...RequestOption) ([]model.Product, error) {
	resp, err := a.c.Request(ctx, http.MethodGet, "/products", nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	var products []model.Product
	if err := resp.Decode(&products); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	model.SortProducts(products)
	return products, nil
}

// GetProduct returns one product.
func (a *API) GetProduct(ctx context.Context, id int64, opts ...RequestOption) (model.Product, error) {
	resp, err := a.c.Request(ctx, http.MethodGet, productPath(id), nil, opts...)
	if err != nil {
		return model.Product{}, fmt.Errorf("get product %d: %w", id, err)
	}
	var p model.Product
	if err := resp.Decode(&p); err != nil {
		return model.Product{}, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, nil
}

// AdjustStock applies a signed stock delta and returns the updated product.
func (a *API) AdjustStock(ctx context.Context, id, delta int64, notes string, opts ...RequestOption) (model.Product, error) {
	body := struct {
		Delta int64  `json:"delta"`
		Notes string `json:"notes,omitempty"`
	}{delta, notes}

	resp, err := a.c.Request(ctx, http.MethodPut, productPath(id)+"/stock", body, opts...)
	if err != nil {
		return model.Product{}, fmt.Errorf("adjust stock %d by %d: %w", id, delta, err)
	}
	var p model.Product
	if err := resp.Decode(&p); err != nil {
		return model.Product{}, fmt.Errorf("adjust stock %d: %w", id, err)
	}
	return p, nil
}

// CreateProduct creates a product and returns it with its server ID.
func (a *API) CreateProduct(ctx context.Context, in model.ProductInput, opts ...RequestOption) (model.Product, error) {
	resp, err := a.c.Request(ctx, http.MethodPost, "/products", in, opts...)
	if err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	var p model.Product
	if err := resp.Decode(&p); err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}
	return p, nil
}

// DeleteProduct deletes a product.
func (a *API) DeleteProduct(ctx context.Context, id int64, opts ...RequestOption) error {
	if _, err := a.c.Request(ctx, http.MethodDelete, productPath(id), nil, opts...); err != nil {
		return fmt.Errorf("delete product %d: %w", id, err)
	}
	return nil
}

// Ping checks that the service is reachable. It does not need a session.
func (a *API) Ping(ctx context.Context) error {
	if _, err := a.c.Request(ctx, http.MethodGet, HealthPath, nil, NoRetry()); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ShipLogs posts telemetry records. Implements LogPoster.
func (a *API) ShipLogs(ctx context.Context, records []Record) error {
	body := struct {
		Records []Record `json:"records"`
	}{records}
	if _, err := a.c.Request(ctx, http.MethodPost, ShipLogsPath, body, NoRetry()); err != nil {
		return err
	}
	return nil
}

func productPath(id int64) string {
	return fmt.Sprintf("/products/%d", id)
}
