package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

const (
	timeLayout = "2006-01-02T15:04:05.000000Z"
	dateLayout = "2006-01-02"
)

// Store is the embedded single-file backend. One connection serialises every
// transaction, so a sale scope holds the whole database until it ends.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration failed: %w", err)
		}
	}
	return nil
}

// Seed loads the demo catalog and accounts into an empty database.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM medications`); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, med := range store.SeedMedications(time.Now().UTC()) {
		if _, err := s.CreateMedication(ctx, med); err != nil {
			return fmt.Errorf("seed medication %s: %w", med.Code, err)
		}
	}
	users, err := store.SeedUsers("[sqlite-store]")
	if err != nil {
		return err
	}
	for _, user := range users {
		if err := s.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("seed user %s: %w", user.Username, err)
		}
	}
	log.Printf("[sqlite-store] seeded demo catalog and accounts")
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
		purchase_price TEXT NOT NULL DEFAULT '0',
		sale_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL DEFAULT '0',
		reimbursable INTEGER NOT NULL DEFAULT 0,
		packaging TEXT NOT NULL DEFAULT '',
		expiry_date TEXT,
		supplier_id TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
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
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_medication ON stock_movements (medication_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact_person TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		bank_details TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		last_name TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		birth_date TEXT,
		sex TEXT NOT NULL DEFAULT '',
		blood_group TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		insurer TEXT NOT NULL DEFAULT '',
		insurance_number TEXT NOT NULL DEFAULT '',
		allergies TEXT NOT NULL DEFAULT '',
		medical_history TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		ticket_number TEXT NOT NULL UNIQUE,
		operator_username TEXT NOT NULL,
		operator_name TEXT NOT NULL DEFAULT '',
		patient_id TEXT NOT NULL DEFAULT '',
		prescription_id TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		amount_tendered TEXT NOT NULL,
		change_due TEXT NOT NULL,
		status TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at)`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (sale_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS proformas (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		client_name TEXT NOT NULL DEFAULT '',
		patient_id TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		valid_until TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proforma_lines (
		proforma_id TEXT NOT NULL REFERENCES proformas(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		discount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (proforma_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		prescriber TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prescription_lines (
		prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
		line_no INTEGER NOT NULL,
		medication_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		dosage TEXT NOT NULL DEFAULT '',
		duration_days INTEGER NOT NULL DEFAULT 0,
		substitutable INTEGER NOT NULL DEFAULT 0,
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
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		receipt_footer TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
}

type medicationRow struct {
	ID            string          `db:"id"`
	Code          string          `db:"code"`
	Name          string          `db:"name"`
	GenericName   string          `db:"generic_name"`
	Form          string          `db:"form"`
	Dosage        string          `db:"dosage"`
	Category      string          `db:"category"`
	StockOnHand   int             `db:"stock_on_hand"`
	StockMinimum  int             `db:"stock_minimum"`
	PurchasePrice decimal.Decimal `db:"purchase_price"`
	SalePrice     decimal.Decimal `db:"sale_price"`
	TaxRate       decimal.Decimal `db:"tax_rate"`
	Reimbursable  bool            `db:"reimbursable"`
	Packaging     string          `db:"packaging"`
	ExpiryDate    sql.NullString  `db:"expiry_date"`
	SupplierID    string          `db:"supplier_id"`
	Active        bool            `db:"active"`
	CreatedAt     string          `db:"created_at"`
	UpdatedAt     string          `db:"updated_at"`
}

const medicationColumns = `id, code, name, generic_name, form, dosage, category, stock_on_hand, stock_minimum,
	purchase_price, sale_price, tax_rate, reimbursable, packaging, expiry_date, supplier_id, active, created_at, updated_at`

func toMedicationRow(med domain.Medication) medicationRow {
	return medicationRow{
		ID:            med.ID,
		Code:          med.Code,
		Name:          med.Name,
		GenericName:   med.GenericName,
		Form:          med.Form,
		Dosage:        med.Dosage,
		Category:      med.Category,
		StockOnHand:   med.StockOnHand,
		StockMinimum:  med.StockMinimum,
		PurchasePrice: med.PurchasePrice,
		SalePrice:     med.SalePrice,
		TaxRate:       med.TaxRate,
		Reimbursable:  med.Reimbursable,
		Packaging:     med.Packaging,
		ExpiryDate:    nullDate(med.ExpiryDate),
		SupplierID:    med.SupplierID,
		Active:        med.Active,
		CreatedAt:     formatTime(med.CreatedAt),
		UpdatedAt:     formatTime(med.UpdatedAt),
	}
}

func (r medicationRow) domain() domain.Medication {
	return domain.Medication{
		ID:            r.ID,
		Code:          r.Code,
		Name:          r.Name,
		GenericName:   r.GenericName,
		Form:          r.Form,
		Dosage:        r.Dosage,
		Category:      r.Category,
		StockOnHand:   r.StockOnHand,
		StockMinimum:  r.StockMinimum,
		PurchasePrice: r.PurchasePrice,
		SalePrice:     r.SalePrice,
		TaxRate:       r.TaxRate,
		Reimbursable:  r.Reimbursable,
		Packaging:     r.Packaging,
		ExpiryDate:    datePtr(r.ExpiryDate),
		SupplierID:    r.SupplierID,
		Active:        r.Active,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func (s *Store) ListMedications(ctx context.Context, filter domain.MedicationFilter) ([]domain.Medication, error) {
	category := strings.ToLower(strings.TrimSpace(filter.Category))
	lowStock := 0
	if filter.LowStock {
		lowStock = 1
	}

	var rows []medicationRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+medicationColumns+` FROM medications
		WHERE active = 1
		  AND (? = '' OR lower(category) = ?)
		  AND (? = 0 OR stock_on_hand < stock_minimum)
		ORDER BY name, code`, category, category, lowStock)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Medication, 0, len(rows))
	for _, row := range rows {
		med := row.domain()
		if !store.MatchesMedication(med, filter.Query) {
			continue
		}
		result = append(result, med)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetMedication(ctx context.Context, id string) (*domain.Medication, error) {
	return s.getMedication(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = ?`, id)
}

func (s *Store) GetMedicationByCode(ctx context.Context, code string) (*domain.Medication, error) {
	return s.getMedication(ctx, `SELECT `+medicationColumns+` FROM medications WHERE code = ?`, strings.TrimSpace(code))
}

func (s *Store) getMedication(ctx context.Context, query string, arg string) (*domain.Medication, error) {
	var row medicationRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	med := row.domain()
	return &med, nil
}

func (s *Store) GetMedicationsByIDs(ctx context.Context, ids []string) (map[string]domain.Medication, error) {
	result := make(map[string]domain.Medication, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT `+medicationColumns+` FROM medications WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []medicationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.ID] = row.domain()
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

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO medications (`+medicationColumns+`) VALUES (
		:id, :code, :name, :generic_name, :form, :dosage, :category, :stock_on_hand, :stock_minimum,
		:purchase_price, :sale_price, :tax_rate, :reimbursable, :packaging, :expiry_date, :supplier_id, :active, :created_at, :updated_at)`,
		toMedicationRow(med))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return s.GetMedication(ctx, med.ID)
}

// UpdateMedication rewrites the descriptive fields. Stock only moves through
// AdjustStock and sale scopes.
func (s *Store) UpdateMedication(ctx context.Context, med domain.Medication) (*domain.Medication, error) {
	if err := validateMedication(med); err != nil {
		return nil, err
	}
	med.UpdatedAt = time.Now().UTC()

	res, err := s.db.NamedExecContext(ctx, `UPDATE medications SET
		code = :code, name = :name, generic_name = :generic_name, form = :form, dosage = :dosage,
		category = :category, stock_minimum = :stock_minimum, purchase_price = :purchase_price,
		sale_price = :sale_price, tax_rate = :tax_rate, reimbursable = :reimbursable, packaging = :packaging,
		expiry_date = :expiry_date, supplier_id = :supplier_id, active = :active, updated_at = :updated_at
		WHERE id = :id`, toMedicationRow(med))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetMedication(ctx, med.ID)
}

func (s *Store) AdjustStock(ctx context.Context, medicationID string, qty int, absolute bool, movement domain.StockMovement) (*domain.StockMovement, error) {
	var applied domain.StockMovement
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int
		if err := tx.GetContext(ctx, &current, `SELECT stock_on_hand FROM medications WHERE id = ?`, medicationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		next := current + qty
		if absolute {
			next = qty
		}
		if next < 0 {
			return &store.StockError{MedicationID: medicationID, Requested: -qty, Available: current}
		}

		applied = store.FillMovement(movement, medicationID, next-current, next)
		if _, err := tx.ExecContext(ctx, `UPDATE medications SET stock_on_hand = ?, updated_at = ? WHERE id = ?`,
			next, formatTime(applied.CreatedAt), medicationID); err != nil {
			return err
		}
		return insertMovement(ctx, tx, applied)
	})
	if err != nil {
		return nil, err
	}
	return &applied, nil
}

type movementRow struct {
	ID            string `db:"id"`
	MedicationID  string `db:"medication_id"`
	Type          string `db:"type"`
	Direction     string `db:"direction"`
	Quantity      int    `db:"quantity"`
	StockAfter    int    `db:"stock_after"`
	ReferenceType string `db:"reference_type"`
	ReferenceID   string `db:"reference_id"`
	Reason        string `db:"reason"`
	Actor         string `db:"actor"`
	CreatedAt     string `db:"created_at"`
}

func insertMovement(ctx context.Context, tx *sqlx.Tx, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := tx.NamedExecContext(ctx, `INSERT INTO stock_movements
		(id, medication_id, type, direction, quantity, stock_after, reference_type, reference_id, reason, actor, created_at)
		VALUES (:id, :medication_id, :type, :direction, :quantity, :stock_after, :reference_type, :reference_id, :reason, :actor, :created_at)`,
		movementRow{
			ID:            movement.ID,
			MedicationID:  movement.MedicationID,
			Type:          movement.Type,
			Direction:     movement.Direction,
			Quantity:      movement.Quantity,
			StockAfter:    movement.StockAfter,
			ReferenceType: movement.ReferenceType,
			ReferenceID:   movement.ReferenceID,
			Reason:        movement.Reason,
			Actor:         movement.Actor,
			CreatedAt:     formatTime(movement.CreatedAt),
		})
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, medicationID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []movementRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, medication_id, type, direction, quantity, stock_after,
		reference_type, reference_id, reason, actor, created_at
		FROM stock_movements
		WHERE (? = '' OR medication_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, medicationID, medicationID, limit)
	if err != nil {
		return nil, err
	}
	result := make([]domain.StockMovement, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.StockMovement{
			ID:            row.ID,
			MedicationID:  row.MedicationID,
			Type:          row.Type,
			Direction:     row.Direction,
			Quantity:      row.Quantity,
			StockAfter:    row.StockAfter,
			ReferenceType: row.ReferenceType,
			ReferenceID:   row.ReferenceID,
			Reason:        row.Reason,
			Actor:         row.Actor,
			CreatedAt:     parseTime(row.CreatedAt),
		})
	}
	return result, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
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
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	parsed := parseTime(raw.String)
	return &parsed
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func datePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	parsed, err := time.Parse(dateLayout, raw.String)
	if err != nil {
		return nil
	}
	return &parsed
}
