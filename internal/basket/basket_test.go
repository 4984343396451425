package basket

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

type catalogStub struct {
	mu   sync.Mutex
	meds map[string]domain.Medication
}

func (c *catalogStub) GetMedication(_ context.Context, id string) (*domain.Medication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	med, ok := c.meds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &med, nil
}

func (c *catalogStub) setPrice(id string, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	med := c.meds[id]
	med.SalePrice = decimal.RequireFromString(price)
	c.meds[id] = med
}

func newCatalog() *catalogStub {
	return &catalogStub{meds: map[string]domain.Medication{
		"med_para": {ID: "med_para", Name: "Paracetamol 500mg", StockOnHand: 10, SalePrice: decimal.RequireFromString("2.50"), TaxRate: decimal.NewFromInt(16), Active: true},
		"med_amox": {ID: "med_amox", Name: "Amoxicilline 1g", StockOnHand: 2, SalePrice: decimal.RequireFromString("7.20"), Active: true},
		"med_old":  {ID: "med_old", Name: "Retired syrup", StockOnHand: 40, SalePrice: decimal.RequireFromString("1.00"), Active: false},
		"med_bulk": {ID: "med_bulk", Name: "Saline 0.9%", StockOnHand: 1000, SalePrice: decimal.RequireFromString("0.35"), Active: true},
	}}
}

func newTestManager() (*Manager, *catalogStub) {
	catalog := newCatalog()
	return NewManager(catalog, NewMemorySessionStore(), time.Hour), catalog
}

func TestAddMergesSameMedication(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 4)
	require.NoError(t, err)
	b, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 3)
	require.NoError(t, err)

	require.Len(t, b.Lines, 1)
	assert.Equal(t, 7, b.Lines[0].Quantity)
	assert.True(t, b.Total().Equal(decimal.RequireFromString("17.50")), "total %s", b.Total())
	assert.True(t, b.RunningTotal.Equal(b.Total()))
}

func TestAddOverStockLeavesBasketEmpty(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_amox", 3)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var stockErr *store.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "med_amox", stockErr.MedicationID)
	assert.Equal(t, 2, stockErr.Available)

	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.True(t, b.Total().IsZero())
}

func TestAddCountsExistingLineAgainstStock(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_amox", 2)
	require.NoError(t, err)
	_, err = mgr.Add(ctx, "sess-1", KindSale, "med_amox", 1)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, 2, b.Lines[0].Quantity)
}

func TestAddRejectsUnknownInactiveAndBadQuantity(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mgr.Add(ctx, "sess-1", KindSale, "med_old", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mgr.Add(ctx, "sess-1", KindSale, "med_para", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = mgr.Add(ctx, "sess-1", KindSale, "med_para", -2)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = mgr.Add(ctx, "sess-1", Kind("layaway"), "med_para", 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPriceSnapshotSurvivesCatalogChange(t *testing.T) {
	mgr, catalog := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 1)
	require.NoError(t, err)
	catalog.setPrice("med_para", "9.99")
	b, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 1)
	require.NoError(t, err)

	assert.True(t, b.Lines[0].UnitPrice.Equal(decimal.RequireFromString("2.50")))
	assert.True(t, b.Total().Equal(decimal.RequireFromString("5.00")))
}

func TestRemoveOutOfRangeIsNoop(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 1)
	require.NoError(t, err)
	_, err = mgr.Add(ctx, "sess-1", KindSale, "med_bulk", 4)
	require.NoError(t, err)

	b, err := mgr.Remove(ctx, "sess-1", KindSale, 5)
	require.NoError(t, err)
	assert.Len(t, b.Lines, 2)
	b, err = mgr.Remove(ctx, "sess-1", KindSale, -1)
	require.NoError(t, err)
	assert.Len(t, b.Lines, 2)

	b, err = mgr.Remove(ctx, "sess-1", KindSale, 0)
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, "med_bulk", b.Lines[0].MedicationID)
	assert.True(t, b.RunningTotal.Equal(decimal.RequireFromString("1.40")))
}

func TestClearResetsTotal(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 2)
	require.NoError(t, err)
	require.NoError(t, mgr.Clear(ctx, "sess-1", KindSale))

	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.True(t, b.RunningTotal.IsZero())
}

func TestTotalMatchesLinesAfterRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"med_para", "med_bulk", "med_amox"}
	catalog := newCatalog()

	b := New(KindSale)
	for i := 0; i < 300; i++ {
		if rng.Intn(3) == 0 {
			b.Remove(rng.Intn(4) - 1)
		} else {
			med, _ := catalog.GetMedication(context.Background(), ids[rng.Intn(len(ids))])
			_ = b.Add(*med, rng.Intn(3)+1)
		}

		want := decimal.Zero
		for _, line := range b.Lines {
			want = want.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		require.True(t, b.Total().Equal(want), "step %d: total %s want %s", i, b.Total(), want)
		require.True(t, b.RunningTotal.Equal(want), "step %d: running total %s want %s", i, b.RunningTotal, want)
	}
}

func TestSessionsAndKindsAreIsolated(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 1)
	require.NoError(t, err)
	_, err = mgr.Add(ctx, "sess-1", KindProforma, "med_bulk", 2)
	require.NoError(t, err)

	other, err := mgr.Get(ctx, "sess-2", KindSale)
	require.NoError(t, err)
	assert.True(t, other.Empty())

	quote, err := mgr.Get(ctx, "sess-1", KindProforma)
	require.NoError(t, err)
	require.Len(t, quote.Lines, 1)
	assert.Equal(t, "med_bulk", quote.Lines[0].MedicationID)
}

func TestConcurrentAddsOnSameSessionAreSerialized(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.Add(ctx, "sess-1", KindSale, "med_bulk", 1)
		}()
	}
	wg.Wait()

	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, 50, b.Lines[0].Quantity)
	assert.True(t, b.RunningTotal.Equal(decimal.RequireFromString("17.50")))
}

func TestCheckoutClearsOnlyOnSuccess(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Add(ctx, "sess-1", KindSale, "med_para", 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = mgr.Checkout(ctx, "sess-1", KindSale, func(b Basket) error { return boom })
	require.ErrorIs(t, err, boom)
	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	assert.Len(t, b.Lines, 1)

	var seen int
	err = mgr.Checkout(ctx, "sess-1", KindSale, func(b Basket) error {
		seen = len(b.Lines)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	b, err = mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestAddManyIsAllOrNothing(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.AddMany(ctx, "sess-1", KindSale, []Request{
		{MedicationID: "med_para", Quantity: 2},
		{MedicationID: "med_amox", Quantity: 5},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	b, err := mgr.Get(ctx, "sess-1", KindSale)
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestMemorySessionStoreExpires(t *testing.T) {
	sessions := NewMemorySessionStore()
	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, sessions.Set(ctx, "k", []byte(`{"lines":[]}`), time.Minute))
	_, ok, err := sessions.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = sessions.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
