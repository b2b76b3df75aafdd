package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProducts() []Product {
	return []Product{
		{ID: 1, Name: "Widget", StockQuantity: 10},
		{ID: 2, Name: "Gadget", StockQuantity: 4},
	}
}

func TestAdjustStock_ApplyRevert(t *testing.T) {
	m := AdjustStock{ProductID: 1, Delta: -3}

	got, err := m.Apply(sampleProducts())
	require.NoError(t, err)
	assert.Equal(t, int64(7), got[0].StockQuantity)
	assert.True(t, got[0].PendingSync)
	assert.False(t, got[1].PendingSync)

	got = m.Revert(got, nil)
	assert.Equal(t, int64(10), got[0].StockQuantity)
}

func TestAdjustStock_NotCached(t *testing.T) {
	m := AdjustStock{ProductID: 99, Delta: 1}
	got, err := m.Apply(sampleProducts())
	assert.ErrorIs(t, err, ErrNotCached)
	assert.Len(t, got, 2)
}

func TestAdjustStock_DeltasCommute(t *testing.T) {
	a := AdjustStock{ProductID: 1, Delta: -3}
	b := AdjustStock{ProductID: 1, Delta: 5}

	ab, err := a.Apply(sampleProducts())
	require.NoError(t, err)
	ab, err = b.Apply(ab)
	require.NoError(t, err)

	ba, err := b.Apply(sampleProducts())
	require.NoError(t, err)
	ba, err = a.Apply(ba)
	require.NoError(t, err)

	assert.Equal(t, ab[0].StockQuantity, ba[0].StockQuantity)
	assert.Equal(t, int64(12), ab[0].StockQuantity)
}

func TestCreateProduct_ApplyRevert(t *testing.T) {
	m := CreateProduct{LocalID: -1, Name: "Sprocket", StockQuantity: 5, PriceCents: 250}

	got, err := m.Apply(sampleProducts())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(-1), got[2].ID)
	assert.True(t, got[2].PendingSync)

	// Applying twice does not duplicate.
	got, err = m.Apply(got)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got = m.Revert(got, nil)
	assert.Len(t, got, 2)
}

func TestDeleteProduct_ApplyRevert(t *testing.T) {
	m := DeleteProduct{ProductID: 1}
	prior := sampleProducts()[0]

	got, err := m.Apply(sampleProducts())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)

	got = m.Revert(got, &prior)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "Widget", got[0].Name)
}

func TestEncodeDecodeMutation(t *testing.T) {
	muts := []Mutation{
		AdjustStock{ProductID: 1, Delta: -3, Notes: "damaged"},
		CreateProduct{LocalID: -2, Name: "Sprocket", SKU: "SP-1", PriceCents: 199},
		DeleteProduct{ProductID: 7},
	}

	for _, m := range muts {
		t.Run(string(m.Kind()), func(t *testing.T) {
			payload, hash, err := EncodeMutation(m)
			require.NoError(t, err)
			assert.Equal(t, PayloadHash(m.Kind(), payload), hash)

			got, err := DecodeMutation(m.Kind(), payload)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestEncodeMutation_Canonical(t *testing.T) {
	payload, _, err := EncodeMutation(AdjustStock{ProductID: 1, Delta: -3})
	require.NoError(t, err)
	assert.Equal(t, `{"delta":-3,"notes":"","product_id":1}`, string(payload))
}

func TestDecodeMutation_Rejects(t *testing.T) {
	_, err := DecodeMutation("rename_product", []byte(`{}`))
	assert.Error(t, err)

	_, err = DecodeMutation(KindAdjustStock, []byte(`{"product_id":1,"quantity":7}`))
	assert.Error(t, err, "unknown fields must be rejected")
}

func TestQueueItem_MutationVerifiesHash(t *testing.T) {
	payload, hash, err := EncodeMutation(AdjustStock{ProductID: 1, Delta: 2})
	require.NoError(t, err)

	item := QueueItem{ID: "q1", Kind: KindAdjustStock, Payload: payload, PayloadHash: hash}
	m, err := item.Mutation()
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.(AdjustStock).Delta)

	item.Payload = []byte(`{"delta":200,"notes":"","product_id":1}`)
	_, err = item.Mutation()
	assert.ErrorContains(t, err, "payload hash mismatch")
}

func TestRetarget(t *testing.T) {
	m := AdjustStock{ProductID: -1, Delta: 4}.Retarget(42)
	assert.Equal(t, int64(42), m.Target())
	assert.Equal(t, int64(4), m.(AdjustStock).Delta)
}
