package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/shelfsync/internal/cache"
	"github.com/roach88/shelfsync/internal/model"
	"github.com/roach88/shelfsync/internal/store"
)

// Resolve returns the mutation of it aimed at the product's server ID.
//
// A non-create mutation that still targets a local ID is resolved through
// the alias recorded when the create completed. Without an alias the
// create never reached the server and the item cannot be sent; the
// returned error is terminal.
func (q *Queue) Resolve(ctx context.Context, it model.QueueItem) (model.Mutation, error) {
	m, err := it.Mutation()
	if err != nil {
		return nil, err
	}
	if m.Kind() == model.KindCreateProduct || !model.IsLocalID(m.Target()) {
		return m, nil
	}
	serverID, ok, err := q.store.ResolveAlias(ctx, m.Target())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &model.Error{
			Code:    model.ErrCodeClientError,
			Message: fmt.Sprintf("product %d has not been created on the server", m.Target()),
		}
	}
	return m.Retarget(serverID), nil
}

// cacheView returns m aimed at the ID its product currently has in the
// cache: the server ID once aliased, else the local ID.
func (q *Queue) cacheView(ctx context.Context, m model.Mutation) (model.Mutation, error) {
	if m.Kind() == model.KindCreateProduct || !model.IsLocalID(m.Target()) {
		return m, nil
	}
	serverID, ok, err := q.store.ResolveAlias(ctx, m.Target())
	if err != nil {
		return nil, err
	}
	if ok {
		return m.Retarget(serverID), nil
	}
	return m, nil
}

// overlay re-applies items, in seq order, on top of products. Items whose
// product is not in the snapshot are skipped. When only is non-nil, just
// items targeting that product are applied.
func (q *Queue) overlay(ctx context.Context, products []model.Product, items []model.QueueItem, only *int64) ([]model.Product, error) {
	for _, it := range items {
		m, err := it.Mutation()
		if err != nil {
			return nil, err
		}
		if m, err = q.cacheView(ctx, m); err != nil {
			return nil, err
		}
		if only != nil && m.Target() != *only {
			continue
		}
		products, err = m.Apply(products)
		if err != nil && !errors.Is(err, model.ErrNotCached) {
			return nil, fmt.Errorf("overlay item %s: %w", it.ID, err)
		}
	}
	return products, nil
}

// Overlay returns server products with every unconfirmed item re-applied,
// except the item excludeID (may be empty). The bool reports whether any
// item was outstanding.
func (q *Queue) Overlay(ctx context.Context, products []model.Product, excludeID string) ([]model.Product, bool, error) {
	all, err := q.store.ListQueueItems(ctx, unconfirmed...)
	if err != nil {
		return nil, false, fmt.Errorf("overlay: %w", err)
	}
	items := slices.DeleteFunc(all, func(it model.QueueItem) bool { return it.ID == excludeID })
	out, err := q.overlay(ctx, model.CloneProducts(products), items, nil)
	if err != nil {
		return nil, false, fmt.Errorf("overlay: %w", err)
	}
	model.SortProducts(out)
	return out, len(items) > 0, nil
}

// Reconciler returns the cache hook that overlays unconfirmed items on
// freshly fetched product collections.
func (q *Queue) Reconciler() cache.ReconcileFunc {
	return func(ctx context.Context, data json.RawMessage) (json.RawMessage, bool, error) {
		var products []model.Product
		if err := json.Unmarshal(data, &products); err != nil {
			return nil, false, fmt.Errorf("decode products: %w", err)
		}
		out, pending, err := q.Overlay(ctx, products, "")
		if err != nil {
			return nil, false, err
		}
		if out == nil {
			out = []model.Product{}
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, false, fmt.Errorf("encode products: %w", err)
		}
		return raw, pending, nil
	}
}

// Complete records that the server confirmed a processing item and folds
// the server's answer into the cache. result is the product the server
// returned, nil for deletes.
//
// The confirmed product replaces the optimistic one; remaining unconfirmed
// items for the same product are re-applied on top. A completed create
// aliases its local ID to the server ID.
func (q *Queue) Complete(ctx context.Context, it model.QueueItem, result *model.Product) error {
	m, err := it.Mutation()
	if err != nil {
		return fmt.Errorf("complete %s: %w", it.ID, err)
	}

	_, err = q.cache.Mutate(ctx, model.ProductsKey, func(e *model.CacheEntry, found bool) error {
		var alias *store.Alias
		if cp, ok := m.(model.CreateProduct); ok && result != nil {
			alias = &store.Alias{LocalID: cp.LocalID, ServerID: result.ID}
		}
		if err := q.store.CompleteQueueItem(ctx, it.ID, q.clock.Now(), alias); err != nil {
			return err
		}
		if !found {
			return cache.ErrUnchanged
		}

		var products []model.Product
		if err := json.Unmarshal(e.Data, &products); err != nil {
			return fmt.Errorf("decode products: %w", err)
		}
		view, err := q.cacheView(ctx, m)
		if err != nil {
			return err
		}

		target := view.Target()
		switch {
		case m.Kind() == model.KindDeleteProduct:
			products = removeProduct(products, target)
		case m.Kind() == model.KindCreateProduct:
			products = removeProduct(products, target)
			if result != nil {
				products = append(products, *result)
				target = result.ID
			}
		case result != nil:
			products = removeProduct(products, target)
			products = append(products, *result)
		}

		remaining, err := q.store.ListQueueItems(ctx, unconfirmed...)
		if err != nil {
			return err
		}
		if m.Kind() != model.KindDeleteProduct {
			if i, ok := model.FindProduct(products, target); ok {
				products[i].PendingSync = false
			}
			if products, err = q.overlay(ctx, products, remaining, &target); err != nil {
				return err
			}
		}
		model.SortProducts(products)

		data, err := json.Marshal(nonNil(products))
		if err != nil {
			return fmt.Errorf("encode products: %w", err)
		}
		e.Data = data
		e.PendingSync = len(remaining) > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", it.ID, err)
	}
	return nil
}

// Discard drops a failed item and rolls back its optimistic effect.
func (q *Queue) Discard(ctx context.Context, id string) (model.QueueItem, error) {
	it, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("discard: %w", err)
	}
	if it.Status != model.StatusFailed {
		return it, fmt.Errorf("discard %s (%s): %w", id, it.Status, ErrNotFailed)
	}
	m, err := it.Mutation()
	if err != nil {
		return it, fmt.Errorf("discard %s: %w", id, err)
	}

	_, err = q.cache.Mutate(ctx, model.ProductsKey, func(e *model.CacheEntry, found bool) error {
		if err := q.store.DeleteQueueItem(ctx, id, model.StatusFailed); err != nil {
			return err
		}
		if !found {
			return cache.ErrUnchanged
		}

		var products []model.Product
		if err := json.Unmarshal(e.Data, &products); err != nil {
			return fmt.Errorf("decode products: %w", err)
		}
		view, err := q.cacheView(ctx, m)
		if err != nil {
			return err
		}
		products = view.Revert(products, it.Prior)

		remaining, err := q.store.ListQueueItems(ctx, unconfirmed...)
		if err != nil {
			return err
		}
		if i, ok := model.FindProduct(products, view.Target()); ok {
			pending, err := q.targets(ctx, remaining, view.Target())
			if err != nil {
				return err
			}
			products[i].PendingSync = pending
		}

		data, err := json.Marshal(nonNil(products))
		if err != nil {
			return fmt.Errorf("encode products: %w", err)
		}
		e.Data = data
		e.PendingSync = len(remaining) > 0
		return nil
	})
	if err != nil {
		return it, fmt.Errorf("discard %s: %w", id, err)
	}

	q.logger.Info("queue item discarded", "item", id, "kind", it.Kind, "target", m.Target())
	return it, nil
}

// targets reports whether any of items affects product id.
func (q *Queue) targets(ctx context.Context, items []model.QueueItem, id int64) (bool, error) {
	for _, it := range items {
		m, err := it.Mutation()
		if err != nil {
			return false, err
		}
		if m, err = q.cacheView(ctx, m); err != nil {
			return false, err
		}
		if m.Target() == id {
			return true, nil
		}
	}
	return false, nil
}

func removeProduct(products []model.Product, id int64) []model.Product {
	if i, ok := model.FindProduct(products, id); ok {
		return append(products[:i], products[i+1:]...)
	}
	return products
}

func nonNil(products []model.Product) []model.Product {
	if products == nil {
		return []model.Product{}
	}
	return products
}
