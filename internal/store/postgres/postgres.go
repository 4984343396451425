package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		generic_name TEXT NOT NULL DEFAULT '',
		form TEXT NOT NULL DEFAULT '',
		dosage TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		stock_on_hand INTEGER NOT NULL CHECK (stock_on_hand >= 0),
		stock_minimum INTEGER NOT NULL DEFAULT 0,
		purchase_price NUMERIC(14,2) NOT NULL DEFAULT 0,
		sale_price NUMERIC(14,2) NOT NULL,
		tax_rate NUMERIC(5,2) NOT NULL DEFAULT 0,
		reimbursable BOOLEAN NOT NULL DEFAULT false,
		packaging TEXT NOT NULL DEFAULT '',
		expiry_date DATE,
		supplier_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		type TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		stock_after INTEGER NOT NULL,
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_medication ON stock_movements (medication_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact_person TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		bank_details TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		last_name TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		birth_date DATE,
		sex TEXT NOT NULL DEFAULT '',
		blood_group TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		insurer TEXT NOT NULL DEFAULT '',
		insurance_number TEXT NOT NULL DEFAULT '',
		allergies TEXT NOT NULL DEFAULT '',
		medical_history TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		ticket_number TEXT NOT NULL UNIQUE,
		operator_username TEXT NOT NULL,
		operator_name TEXT NOT NULL DEFAULT '',
		patient_id TEXT,
		prescription_id TEXT,
		payment_method TEXT NOT NULL,
		total_amount NUMERIC(14,2) NOT NULL,
		amount_tendered NUMERIC(14,2) NOT NULL,
		change_due NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		cancel_reason TEXT,
		cancelled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at)`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(14,2) NOT NULL,
		tax_rate NUMERIC(5,2) NOT NULL,
		discount NUMERIC(14,2) NOT NULL DEFAULT 0,
		PRIMARY KEY (sale_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS proformas (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		client_name TEXT NOT NULL DEFAULT '',
		patient_id TEXT,
		total_amount NUMERIC(14,2) NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proforma_lines (
		proforma_id TEXT NOT NULL REFERENCES proformas(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price NUMERIC(14,2) NOT NULL,
		tax_rate NUMERIC(5,2) NOT NULL,
		discount NUMERIC(14,2) NOT NULL DEFAULT 0,
		PRIMARY KEY (proforma_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		prescriber TEXT NOT NULL DEFAULT '',
		issued_at TIMESTAMPTZ NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prescription_lines (
		prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		dosage TEXT NOT NULL DEFAULT '',
		duration_days INTEGER NOT NULL DEFAULT 0,
		substitutable BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (prescription_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pharmacy_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		receipt_footer TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

type rowScanner interface {
	Scan(dest ...any) error
}

const medicationColumns = `id, code, name, generic_name, form, dosage, category, stock_on_hand, stock_minimum,
	purchase_price, sale_price, tax_rate, reimbursable, packaging, expiry_date, supplier_id, active, created_at, updated_at`

func scanMedication(row rowScanner) (domain.Medication, error) {
	var med domain.Medication
	var expiry sql.NullTime
	err := row.Scan(&med.ID, &med.Code, &med.Name, &med.GenericName, &med.Form, &med.Dosage, &med.Category,
		&med.StockOnHand, &med.StockMinimum, &med.PurchasePrice, &med.SalePrice, &med.TaxRate,
		&med.Reimbursable, &med.Packaging, &expiry, &med.SupplierID, &med.Active, &med.CreatedAt, &med.UpdatedAt)
	if err != nil {
		return domain.Medication{}, err
	}
	if expiry.Valid {
		e := nowDateUTC(expiry.Time)
		med.ExpiryDate = &e
	}
	med.CreatedAt = med.CreatedAt.UTC()
	med.UpdatedAt = med.UpdatedAt.UTC()
	return med, nil
}

func (s *Store) ListMedications(ctx context.Context, filter domain.MedicationFilter) ([]domain.Medication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+medicationColumns+`
		FROM medications
		WHERE active = true
		  AND ($1 = '' OR lower(category) = $1)
		  AND (NOT $2 OR stock_on_hand < stock_minimum)
		ORDER BY name, code
	`, strings.ToLower(strings.TrimSpace(filter.Category)), filter.LowStock)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meds := make([]domain.Medication, 0, 128)
	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		if !store.MatchesMedication(med, filter.Query) {
			continue
		}
		meds = append(meds, med)
		if filter.Limit > 0 && len(meds) == filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meds, nil
}

func (s *Store) GetMedication(ctx context.Context, id string) (*domain.Medication, error) {
	return s.getMedication(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = $1`, id)
}

func (s *Store) GetMedicationByCode(ctx context.Context, code string) (*domain.Medication, error) {
	return s.getMedication(ctx, `SELECT `+medicationColumns+` FROM medications WHERE code = $1`, strings.TrimSpace(code))
}

func (s *Store) getMedication(ctx context.Context, query string, arg string) (*domain.Medication, error) {
	med, err := scanMedication(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &med, nil
}

func (s *Store) GetMedicationsByIDs(ctx context.Context, ids []string) (map[string]domain.Medication, error) {
	result := make(map[string]domain.Medication, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+medicationColumns+`
		FROM medications
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		result[med.ID] = med
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error) {
	if err := validateMedication(med); err != nil {
		return nil, err
	}
	if med.StockOnHand < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if med.ID == "" {
		med.ID = xid.New("med")
	}
	now := time.Now().UTC()
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now
	med.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (`+medicationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, med.ID, med.Code, med.Name, med.GenericName, med.Form, med.Dosage, med.Category, med.StockOnHand,
		med.StockMinimum, med.PurchasePrice, med.SalePrice, med.TaxRate, med.Reimbursable, med.Packaging,
		nullDate(med.ExpiryDate), med.SupplierID, med.Active, med.CreatedAt, med.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	created := med
	return &created, nil
}

// UpdateMedication rewrites the descriptive fields. Stock only moves through
// AdjustStock and sale scopes.
func (s *Store) UpdateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error) {
	if err := validateMedication(med); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE medications
		SET code = $2, name = $3, generic_name = $4, form = $5, dosage = $6, category = $7,
		    stock_minimum = $8, purchase_price = $9, sale_price = $10, tax_rate = $11, reimbursable = $12,
		    packaging = $13, expiry_date = $14, supplier_id = $15, active = $16, updated_at = now()
		WHERE id = $1
	`, med.ID, med.Code, med.Name, med.GenericName, med.Form, med.Dosage, med.Category, med.StockMinimum,
		med.PurchasePrice, med.SalePrice, med.TaxRate, med.Reimbursable, med.Packaging, nullDate(med.ExpiryDate),
		med.SupplierID, med.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetMedication(ctx, med.ID)
}

func (s *Store) AdjustStock(ctx context.Context, medicationID string, qty int, absolute bool, movement domain.StockMovement) (*domain.StockMovement, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current int
	err = pgTx.QueryRowContext(ctx, `
		SELECT stock_on_hand
		FROM medications
		WHERE id = $1
		FOR UPDATE
	`, medicationID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	next := current + qty
	if absolute {
		next = qty
	}
	if next < 0 {
		return nil, &store.StockError{MedicationID: medicationID, Requested: -qty, Available: current}
	}

	movement = store.FillMovement(movement, medicationID, next-current, next)
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE medications SET stock_on_hand = $2, updated_at = $3 WHERE id = $1
	`, medicationID, next, movement.CreatedAt); err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, pgTx, movement); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func insertMovement(ctx context.Context, pgTx *sql.Tx, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, medication_id, type, direction, quantity, stock_after,
			reference_type, reference_id, reason, actor, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, movement.ID, movement.MedicationID, movement.Type, movement.Direction, movement.Quantity, movement.StockAfter,
		movement.ReferenceType, movement.ReferenceID, movement.Reason, movement.Actor, movement.CreatedAt)
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, medicationID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medication_id, type, direction, quantity, stock_after,
		       reference_type, reference_id, reason, actor, created_at
		FROM stock_movements
		WHERE ($1 = '' OR medication_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, medicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.MedicationID, &m.Type, &m.Direction, &m.Quantity, &m.StockAfter,
			&m.ReferenceType, &m.ReferenceID, &m.Reason, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func validateMedication(med domain.Medication) error {
	if strings.TrimSpace(med.Code) == "" || strings.TrimSpace(med.Name) == "" {
		return store.ErrInvalidTransaction
	}
	if med.SalePrice.IsNegative() || med.PurchasePrice.IsNegative() || med.TaxRate.IsNegative() {
		return store.ErrInvalidTransaction
	}
	if med.StockMinimum < 0 {
		return store.ErrInvalidTransaction
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure reports SERIALIZABLE aborts and deadlocks, both of
// which succeed when the transaction is run again.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
