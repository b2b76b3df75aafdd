package model

import (
	"cmp"
	"slices"
)

// ProductsKey is the cache key of the product collection snapshot.
const ProductsKey = "products"

// Product is the client's view of an inventory product.
//
// Money is carried as integer cents so every product field can travel in
// canonical JSON. PendingSync is client-only state and is never sent to the
// server.
type Product struct {
	ID            int64  `json:"product_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	SKU           string `json:"sku,omitempty"`
	UPC           string `json:"upc,omitempty"`
	PriceCents    int64  `json:"price_cents"`
	CostCents     int64  `json:"cost_cents"`
	StockQuantity int64  `json:"stock_quantity"`
	SupplierID    int64  `json:"supplier_id,omitempty"`
	CategoryID    int64  `json:"category_id,omitempty"`
	PendingSync   bool   `json:"pending_sync,omitempty"`
}

// ProductInput is the body of a product create request.
type ProductInput struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	SKU           string `json:"sku,omitempty"`
	UPC           string `json:"upc,omitempty"`
	PriceCents    int64  `json:"price_cents"`
	CostCents     int64  `json:"cost_cents"`
	StockQuantity int64  `json:"stock_quantity"`
	SupplierID    int64  `json:"supplier_id,omitempty"`
	CategoryID    int64  `json:"category_id,omitempty"`
}

// IsLocalID reports whether id is a temporary ID assigned to a product
// created offline. Server IDs are always positive.
func IsLocalID(id int64) bool {
	return id < 0
}

// FindProduct returns the index of the product with the given ID.
func FindProduct(products []Product, id int64) (int, bool) {
	for i := range products {
		if products[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// SortProducts orders products by ID so snapshots are deterministic.
// Local (negative) IDs sort after server IDs in creation order.
func SortProducts(products []Product) {
	slices.SortStableFunc(products, func(a, b Product) int {
		la, lb := IsLocalID(a.ID), IsLocalID(b.ID)
		switch {
		case la && !lb:
			return 1
		case !la && lb:
			return -1
		case la && lb:
			// -1 was created before -2.
			return cmp.Compare(b.ID, a.ID)
		default:
			return cmp.Compare(a.ID, b.ID)
		}
	})
}

// CloneProducts returns a shallow copy of the slice.
func CloneProducts(products []Product) []Product {
	if products == nil {
		return nil
	}
	out := make([]Product, len(products))
	copy(out, products)
	return out
}
