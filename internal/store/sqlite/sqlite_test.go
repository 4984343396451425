package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "pharma.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createMedication(t *testing.T, s *Store, code string, stock int, price string) domain.Medication {
	t.Helper()
	expiry := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	med, err := s.CreateMedication(context.Background(), domain.Medication{
		Code:         code,
		Name:         "Medication " + code,
		StockOnHand:  stock,
		StockMinimum: 5,
		SalePrice:    decimal.RequireFromString(price),
		TaxRate:      decimal.NewFromInt(16),
		ExpiryDate:   &expiry,
	})
	require.NoError(t, err)
	return *med
}

func TestMedicationRoundTripKeepsDecimalsAndExpiry(t *testing.T) {
	s := openTestStore(t)
	med := createMedication(t, s, "3400930000011", 12, "2.50")

	got, err := s.GetMedicationByCode(context.Background(), "3400930000011")
	require.NoError(t, err)
	assert.Equal(t, med.ID, got.ID)
	assert.True(t, got.SalePrice.Equal(decimal.RequireFromString("2.50")))
	assert.True(t, got.TaxRate.Equal(decimal.NewFromInt(16)))
	require.NotNil(t, got.ExpiryDate)
	assert.Equal(t, "2027-03-01", got.ExpiryDate.Format("2006-01-02"))
	assert.True(t, got.Active)

	_, err = s.CreateMedication(context.Background(), domain.Medication{Code: "3400930000011", Name: "Dup", SalePrice: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.GetMedication(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaleScopeRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 10, "1.00")

	boom := errors.New("boom")
	err := s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		if _, err := tx.DecrementStock(ctx, med.ID, 4); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetMedication(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.StockOnHand)
}

func TestDecrementStockIsGuarded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 3, "1.00")

	err := s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		_, err := tx.DecrementStock(ctx, med.ID, 4)
		return err
	})
	var stockErr *store.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 3, stockErr.Available)

	err = s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		_, err := tx.DecrementStock(ctx, "missing", 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertSaleReportsTicketCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 10, "1.00")

	sale := func(id string) domain.Sale {
		return domain.Sale{
			ID:               id,
			TicketNumber:     "T20261018-101500-0001",
			OperatorUsername: "cashier",
			PaymentMethod:    domain.PaymentCash,
			TotalAmount:      decimal.NewFromInt(1),
			AmountTendered:   decimal.NewFromInt(1),
			ChangeDue:        decimal.Zero,
			Status:           domain.SaleStatusCompleted,
			CreatedAt:        time.Now().UTC(),
			Lines:            []domain.SaleLine{{MedicationID: med.ID, Name: med.Name, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
		}
	}
	require.NoError(t, s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		return tx.InsertSale(ctx, sale("sale-1"))
	}))
	err := s.WithinSaleTx(ctx, func(tx store.SaleTx) error {
		return tx.InsertSale(ctx, sale("sale-2"))
	})
	assert.ErrorIs(t, err, store.ErrTicketCollision)
}

func TestCommitAndCancelRestoreStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 10, "2.50")

	committer := checkout.NewCommitter(s, 5)
	sale, err := committer.Commit(ctx, checkout.Request{
		Lines: []basket.Line{
			{MedicationID: med.ID, Name: med.Name, Quantity: 4, UnitPrice: med.SalePrice, TaxRate: med.TaxRate},
			{MedicationID: med.ID, Name: med.Name, Quantity: 3, UnitPrice: med.SalePrice, TaxRate: med.TaxRate},
		},
		Operator:       domain.Actor{Username: "cashier", DisplayName: "Cashier"},
		AmountTendered: decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	stored, err := s.GetSaleByTicket(ctx, sale.TicketNumber)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("17.50")))
	assert.True(t, stored.ChangeDue.Equal(decimal.RequireFromString("2.50")))

	got, err := s.GetMedication(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.StockOnHand)

	movements, err := s.ListStockMovements(ctx, med.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, 7, movements[0].Quantity)
	assert.Equal(t, domain.MovementDirectionOut, movements[0].Direction)

	cancelled, err := s.CancelSale(ctx, sale.ID, "wrong patient", "admin", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	got, err = s.GetMedication(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.StockOnHand)

	_, err = s.CancelSale(ctx, sale.ID, "again", "admin", time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	report, err := s.GetDailyReport(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sales)
	assert.Equal(t, 1, report.CancelledSales)
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 10, "1.00")

	var seq int
	var seqMu sync.Mutex
	committer := checkout.NewCommitter(s, 5).WithTicketFunc(func(time.Time) string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("T-%04d", seq)
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := committer.Commit(ctx, checkout.Request{
				Lines:          []basket.Line{{MedicationID: med.ID, Name: med.Name, Quantity: 3, UnitPrice: med.SalePrice}},
				Operator:       domain.Actor{Username: "cashier"},
				AmountTendered: decimal.NewFromInt(3),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, store.ErrInsufficientStock) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 5, rejected)
	got, err := s.GetMedication(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StockOnHand)
}

func TestAdjustStockRecordsDirection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	med := createMedication(t, s, "A1", 10, "1.00")

	movement, err := s.AdjustStock(ctx, med.ID, 4, true, domain.StockMovement{Type: domain.MovementInventory, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementDirectionOut, movement.Direction)
	assert.Equal(t, 6, movement.Quantity)
	assert.Equal(t, 4, movement.StockAfter)

	_, err = s.AdjustStock(ctx, med.ID, -5, false, domain.StockMovement{Type: domain.MovementAdjustment})
	var stockErr *store.StockError
	assert.ErrorAs(t, err, &stockErr)
}

func TestRecordsAndSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	settings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultSettings().Name, settings.Name)

	settings.Name = "Pharmacie du Centre"
	_, err = s.SaveSettings(ctx, settings)
	require.NoError(t, err)
	settings, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Pharmacie du Centre", settings.Name)

	patient, err := s.CreatePatient(ctx, domain.Patient{Code: "PAT-0001", LastName: "Mbala", FirstName: "Grace"})
	require.NoError(t, err)
	_, err = s.CreatePatient(ctx, domain.Patient{Code: "PAT-0001", LastName: "Other"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	found, err := s.ListPatients(ctx, "mba", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = s.CreatePrescription(ctx, domain.Prescription{Number: "RX-1", PatientID: "missing", Lines: []domain.PrescriptionLine{{MedicationID: "m", Quantity: 1}}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	rx, err := s.CreatePrescription(ctx, domain.Prescription{
		Number:    "RX-1",
		PatientID: patient.ID,
		IssuedAt:  time.Now().UTC(),
		Lines:     []domain.PrescriptionLine{{MedicationID: "m", Quantity: 2, Substitutable: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PrescriptionPending, rx.Status)
	require.Len(t, rx.Lines, 1)
	assert.True(t, rx.Lines[0].Substitutable)

	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: "Pharma1", Password: "hash", Role: domain.RolePharmacist}))
	assert.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: "pharma1", Password: "hash"}), store.ErrDuplicate)
	assert.ErrorIs(t, s.UpdateUserPassword(ctx, "ghost", "x"), store.ErrNotFound)
}

func TestSeedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))
	require.NoError(t, s.Seed(ctx))

	meds, err := s.ListMedications(ctx, domain.MedicationFilter{})
	require.NoError(t, err)
	assert.Len(t, meds, len(store.SeedMedications(time.Now())))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
