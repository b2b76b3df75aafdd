package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the variant of a queued mutation.
type Kind string

const (
	// KindAdjustStock applies a signed stock delta to a product.
	KindAdjustStock Kind = "adjust_stock"
	// KindCreateProduct creates a product (offline under a local ID).
	KindCreateProduct Kind = "create_product"
	// KindDeleteProduct deletes a product.
	KindDeleteProduct Kind = "delete_product"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAdjustStock, KindCreateProduct, KindDeleteProduct:
		return true
	}
	return false
}

// ErrNotCached is returned by Apply when the target product is not part of
// the cached snapshot, so there is no base value to apply against.
var ErrNotCached = errors.New("product not in cached snapshot")

// Mutation is a queued write. The set of implementations is closed:
// AdjustStock, CreateProduct and DeleteProduct.
type Mutation interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Target returns the product ID the mutation affects.
	Target() int64

	// Retarget returns a copy aimed at another product ID. Used when a
	// local ID has been resolved to its server ID.
	Retarget(id int64) Mutation

	// Apply applies the mutation optimistically to a product snapshot.
	// The slice may be modified in place; callers pass a copy.
	Apply(products []Product) ([]Product, error)

	// Revert undoes Apply. prior is the product as it was before the
	// mutation was enqueued, when known.
	Revert(products []Product, prior *Product) []Product

	fields() map[string]any
}

// AdjustStock changes a product's stock by a signed delta.
type AdjustStock struct {
	ProductID int64  `json:"product_id"`
	Delta     int64  `json:"delta"`
	Notes     string `json:"notes"`
}

func (m AdjustStock) Kind() Kind    { return KindAdjustStock }
func (m AdjustStock) Target() int64 { return m.ProductID }

func (m AdjustStock) Retarget(id int64) Mutation {
	m.ProductID = id
	return m
}

func (m AdjustStock) Apply(products []Product) ([]Product, error) {
	i, ok := FindProduct(products, m.ProductID)
	if !ok {
		return products, ErrNotCached
	}
	products[i].StockQuantity += m.Delta
	products[i].PendingSync = true
	return products, nil
}

func (m AdjustStock) Revert(products []Product, _ *Product) []Product {
	if i, ok := FindProduct(products, m.ProductID); ok {
		products[i].StockQuantity -= m.Delta
	}
	return products
}

func (m AdjustStock) fields() map[string]any {
	return map[string]any{
		"product_id": m.ProductID,
		"delta":      m.Delta,
		"notes":      m.Notes,
	}
}

// CreateProduct creates a product. LocalID is the temporary negative ID the
// product carries in the cache until the server assigns one.
type CreateProduct struct {
	LocalID       int64  `json:"local_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	SKU           string `json:"sku"`
	UPC           string `json:"upc"`
	PriceCents    int64  `json:"price_cents"`
	CostCents     int64  `json:"cost_cents"`
	StockQuantity int64  `json:"stock_quantity"`
	SupplierID    int64  `json:"supplier_id"`
	CategoryID    int64  `json:"category_id"`
}

func (m CreateProduct) Kind() Kind    { return KindCreateProduct }
func (m CreateProduct) Target() int64 { return m.LocalID }

func (m CreateProduct) Retarget(id int64) Mutation {
	m.LocalID = id
	return m
}

// Product returns the product as it should appear before confirmation.
func (m CreateProduct) Product() Product {
	return Product{
		ID:            m.LocalID,
		Name:          m.Name,
		Description:   m.Description,
		SKU:           m.SKU,
		UPC:           m.UPC,
		PriceCents:    m.PriceCents,
		CostCents:     m.CostCents,
		StockQuantity: m.StockQuantity,
		SupplierID:    m.SupplierID,
		CategoryID:    m.CategoryID,
		PendingSync:   true,
	}
}

// Input returns the create request body.
func (m CreateProduct) Input() ProductInput {
	return ProductInput{
		Name:          m.Name,
		Description:   m.Description,
		SKU:           m.SKU,
		UPC:           m.UPC,
		PriceCents:    m.PriceCents,
		CostCents:     m.CostCents,
		StockQuantity: m.StockQuantity,
		SupplierID:    m.SupplierID,
		CategoryID:    m.CategoryID,
	}
}

func (m CreateProduct) Apply(products []Product) ([]Product, error) {
	if _, ok := FindProduct(products, m.LocalID); ok {
		return products, nil
	}
	products = append(products, m.Product())
	SortProducts(products)
	return products, nil
}

func (m CreateProduct) Revert(products []Product, _ *Product) []Product {
	if i, ok := FindProduct(products, m.LocalID); ok {
		products = append(products[:i], products[i+1:]...)
	}
	return products
}

func (m CreateProduct) fields() map[string]any {
	return map[string]any{
		"local_id":       m.LocalID,
		"name":           m.Name,
		"description":    m.Description,
		"sku":            m.SKU,
		"upc":            m.UPC,
		"price_cents":    m.PriceCents,
		"cost_cents":     m.CostCents,
		"stock_quantity": m.StockQuantity,
		"supplier_id":    m.SupplierID,
		"category_id":    m.CategoryID,
	}
}

// DeleteProduct removes a product.
type DeleteProduct struct {
	ProductID int64 `json:"product_id"`
}

func (m DeleteProduct) Kind() Kind    { return KindDeleteProduct }
func (m DeleteProduct) Target() int64 { return m.ProductID }

func (m DeleteProduct) Retarget(id int64) Mutation {
	m.ProductID = id
	return m
}

func (m DeleteProduct) Apply(products []Product) ([]Product, error) {
	i, ok := FindProduct(products, m.ProductID)
	if !ok {
		return products, ErrNotCached
	}
	return append(products[:i], products[i+1:]...), nil
}

func (m DeleteProduct) Revert(products []Product, prior *Product) []Product {
	if prior == nil {
		return products
	}
	if _, ok := FindProduct(products, prior.ID); ok {
		return products
	}
	restored := *prior
	restored.ID = m.ProductID
	products = append(products, restored)
	SortProducts(products)
	return products
}

func (m DeleteProduct) fields() map[string]any {
	return map[string]any{
		"product_id": m.ProductID,
	}
}

// EncodeMutation returns the canonical payload bytes of m and their hash.
func EncodeMutation(m Mutation) ([]byte, string, error) {
	if m == nil {
		return nil, "", fmt.Errorf("encode mutation: nil mutation")
	}
	payload, err := MarshalCanonical(m.fields())
	if err != nil {
		return nil, "", fmt.Errorf("encode mutation %s: %w", m.Kind(), err)
	}
	return payload, PayloadHash(m.Kind(), payload), nil
}

// DecodeMutation parses a canonical payload into the variant named by kind.
// Unknown fields are rejected so that a payload written by a newer client
// is never silently truncated.
func DecodeMutation(kind Kind, payload []byte) (Mutation, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	switch kind {
	case KindAdjustStock:
		var m AdjustStock
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return m, nil
	case KindCreateProduct:
		var m CreateProduct
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return m, nil
	case KindDeleteProduct:
		var m DeleteProduct
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("decode mutation: unknown kind %q", kind)
	}
}
