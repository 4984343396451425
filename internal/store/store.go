package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/xid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicate          = errors.New("duplicate key")
	ErrTicketCollision    = errors.New("ticket number collision")
	ErrConflict           = errors.New("concurrent update conflict")
)

// StockError reports the medication that cannot be fulfilled.
type StockError struct {
	MedicationID string
	Requested    int
	Available    int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for medication %s: requested %d, available %d", e.MedicationID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// SaleTx is the write scope of a sale commit. Every call made through it is
// applied atomically when the surrounding WithinSaleTx callback returns nil
// and discarded otherwise.
type SaleTx interface {
	// LockStock reads stock_on_hand for the given medications and holds them
	// until the scope ends. Unknown or inactive ids are absent from the map.
	LockStock(ctx context.Context, medicationIDs []string) (map[string]int, error)
	// InsertSale persists the header and lines. Returns ErrTicketCollision
	// when the ticket number is already taken.
	InsertSale(ctx context.Context, sale domain.Sale) error
	// DecrementStock fails with a *StockError if stock would go negative.
	DecrementStock(ctx context.Context, medicationID string, qty int) (int, error)
	RecordMovement(ctx context.Context, movement domain.StockMovement) error
}

type MedicationStore interface {
	ListMedications(ctx context.Context, filter domain.MedicationFilter) ([]domain.Medication, error)
	GetMedication(ctx context.Context, id string) (*domain.Medication, error)
	GetMedicationByCode(ctx context.Context, code string) (*domain.Medication, error)
	GetMedicationsByIDs(ctx context.Context, ids []string) (map[string]domain.Medication, error)
	CreateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error)
	UpdateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error)
	// AdjustStock applies a signed delta (or an absolute count when absolute
	// is true) and records the movement in the same transaction.
	AdjustStock(ctx context.Context, medicationID string, qty int, absolute bool, movement domain.StockMovement) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, medicationID string, limit int) ([]domain.StockMovement, error)
}

type SupplierStore interface {
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context, includeInactive bool) ([]domain.Supplier, error)
}

type PatientStore interface {
	CreatePatient(ctx context.Context, patient domain.Patient) (*domain.Patient, error)
	UpdatePatient(ctx context.Context, patient domain.Patient) (*domain.Patient, error)
	GetPatient(ctx context.Context, id string) (*domain.Patient, error)
	ListPatients(ctx context.Context, query string, limit int) ([]domain.Patient, error)
	CountPatients(ctx context.Context) (int, error)
}

type SaleStore interface {
	WithinSaleTx(ctx context.Context, fn func(tx SaleTx) error) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByTicket(ctx context.Context, ticketNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	// CancelSale marks a completed sale cancelled and restocks its lines.
	CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error)
	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)
}

type ProformaStore interface {
	CreateProforma(ctx context.Context, quote domain.ProformaQuote) (*domain.ProformaQuote, error)
	GetProforma(ctx context.Context, id string) (*domain.ProformaQuote, error)
	ListProformas(ctx context.Context, limit int) ([]domain.ProformaQuote, error)
}

type PrescriptionStore interface {
	CreatePrescription(ctx context.Context, prescription domain.Prescription) (*domain.Prescription, error)
	GetPrescription(ctx context.Context, id string) (*domain.Prescription, error)
	ListPrescriptions(ctx context.Context, status string, limit int) ([]domain.Prescription, error)
	UpdatePrescriptionStatus(ctx context.Context, id string, status string, at time.Time) (*domain.Prescription, error)
	CountPrescriptionsSince(ctx context.Context, since time.Time) (int, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.PharmacySettings, error)
	SaveSettings(ctx context.Context, settings domain.PharmacySettings) (*domain.PharmacySettings, error)
}

type Repository interface {
	MedicationStore
	SupplierStore
	PatientStore
	SaleStore
	ProformaStore
	PrescriptionStore
	AuditStore
	UserStore
	SettingsStore
}

// DefaultSettings is what a fresh installation prints on receipts.
func DefaultSettings() domain.PharmacySettings {
	return domain.PharmacySettings{
		Name:          "ELM PHARMA",
		Currency:      "Fc",
		ReceiptFooter: "Thank you for your visit!",
	}
}

// ExpiryFromDate parses an optional YYYY-MM-DD value.
func ExpiryFromDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, ErrInvalidTransaction
	}
	return &parsed, nil
}

// FillMovement completes a stock movement from the applied delta.
func FillMovement(movement domain.StockMovement, medicationID string, delta int, stockAfter int) domain.StockMovement {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.MedicationID = medicationID
	movement.Direction = domain.MovementDirectionIn
	movement.Quantity = delta
	if delta < 0 {
		movement.Direction = domain.MovementDirectionOut
		movement.Quantity = -delta
	}
	movement.StockAfter = stockAfter
	return movement
}
