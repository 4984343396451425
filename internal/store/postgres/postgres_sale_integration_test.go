package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("PHARMAWEB_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMAWEB_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSaleScopeDecrementsAndCancelRestocks(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	code := fmt.Sprintf("IT-%d", stamp)
	saleID := fmt.Sprintf("sale-it-%d", stamp)
	ticket := fmt.Sprintf("T-IT-%d", stamp)

	med, err := s.CreateMedication(ctx, domain.Medication{
		Code:        code,
		Name:        "Integration paracetamol",
		StockOnHand: 10,
		SalePrice:   decimal.RequireFromString("2.50"),
	})
	if err != nil {
		t.Fatalf("create medication: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE medication_id = $1`, med.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = $1`, med.ID)
	})

	sale := domain.Sale{
		ID:               saleID,
		TicketNumber:     ticket,
		OperatorUsername: "cashier",
		PaymentMethod:    domain.PaymentCash,
		TotalAmount:      decimal.RequireFromString("17.50"),
		AmountTendered:   decimal.RequireFromString("20"),
		ChangeDue:        decimal.RequireFromString("2.50"),
		Status:           domain.SaleStatusCompleted,
		CreatedAt:        time.Now().UTC(),
		Lines: []domain.SaleLine{
			{MedicationID: med.ID, Name: med.Name, Quantity: 7, UnitPrice: med.SalePrice},
		},
	}
	err = s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		stock, err := tx.LockStock(ctx, []string{med.ID})
		if err != nil {
			return err
		}
		if stock[med.ID] != 10 {
			return fmt.Errorf("expected locked stock 10, got %d", stock[med.ID])
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		_, err = tx.DecrementStock(ctx, med.ID, 7)
		return err
	})
	if err != nil {
		t.Fatalf("sale scope: %v", err)
	}

	got, err := s.GetMedication(ctx, med.ID)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if got.StockOnHand != 3 {
		t.Fatalf("expected stock 3 after sale, got %d", got.StockOnHand)
	}

	err = s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		return tx.InsertSale(ctx, sale)
	})
	if !errors.Is(err, store.ErrTicketCollision) {
		t.Fatalf("expected ticket collision, got %v", err)
	}

	err = s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		_, err := tx.DecrementStock(ctx, med.ID, 4)
		return err
	})
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) || stockErr.Available != 3 {
		t.Fatalf("expected stock error with 3 available, got %v", err)
	}

	if _, err := s.CancelSale(ctx, saleID, "integration test cancel", "admin", time.Now().UTC()); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	got, err = s.GetMedication(ctx, med.ID)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if got.StockOnHand != 10 {
		t.Fatalf("expected stock 10 after cancel restock, got %d", got.StockOnHand)
	}

	stored, err := s.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if stored.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected sale status cancelled, got %s", stored.Status)
	}
}

func TestConcurrentCommitsBothSucceedWhenStockSuffices(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	med, err := s.CreateMedication(ctx, domain.Medication{
		Code:        fmt.Sprintf("IT-CC-%d", stamp),
		Name:        "Integration ibuprofen",
		StockOnHand: 10,
		SalePrice:   decimal.RequireFromString("1.00"),
	})
	if err != nil {
		t.Fatalf("create medication: %v", err)
	}

	var idsMu sync.Mutex
	var saleIDs []string
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE medication_id = $1`, med.ID)
		for _, id := range saleIDs {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, id)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = $1`, med.ID)
	})

	var seq atomic.Int64
	committer := checkout.NewCommitter(s, 5).WithTicketFunc(func(time.Time) string {
		return fmt.Sprintf("T-CC-%d-%d", stamp, seq.Add(1))
	})
	sell := func(qty int) (domain.Sale, error) {
		return committer.Commit(ctx, checkout.Request{
			Lines:          []basket.Line{{MedicationID: med.ID, Name: med.Name, Quantity: qty, UnitPrice: med.SalePrice}},
			Operator:       domain.Actor{Username: "cashier"},
			AmountTendered: decimal.NewFromInt(int64(qty)),
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sale, err := sell(3)
			errs[i] = err
			if err == nil {
				idsMu.Lock()
				saleIDs = append(saleIDs, sale.ID)
				idsMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	got, err := s.GetMedication(ctx, med.ID)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if got.StockOnHand != 4 {
		t.Fatalf("expected stock 4 after two sales, got %d", got.StockOnHand)
	}

	if _, err := sell(5); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for 5 of 4, got %v", err)
	}
	got, err = s.GetMedication(ctx, med.ID)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if got.StockOnHand != 4 {
		t.Fatalf("expected stock to stay at 4, got %d", got.StockOnHand)
	}
}
