package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

type saleTx struct {
	tx *sql.Tx
}

// WithinSaleTx runs fn in a SERIALIZABLE transaction. Stock rows read through
// LockStock stay locked until fn returns. Serialization failures and deadlocks
// come back as store.ErrConflict.
func (s *Store) WithinSaleTx(ctx context.Context, fn func(tx store.SaleTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&saleTx{tx: pgTx}); err != nil {
		return conflictOr(err)
	}
	return conflictOr(pgTx.Commit())
}

func conflictOr(err error) error {
	if err != nil && isSerializationFailure(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func (t *saleTx) LockStock(ctx context.Context, medicationIDs []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(medicationIDs))
	if len(medicationIDs) == 0 {
		return stockMap, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, stock_on_hand
		FROM medications
		WHERE active = true AND id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, medicationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		stockMap[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stockMap, nil
}

func (t *saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.TicketNumber == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, ticket_number, operator_username, operator_name, patient_id, prescription_id,
			payment_method, total_amount, amount_tendered, change_due, status, cancel_reason,
			cancelled_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.TicketNumber, sale.OperatorUsername, sale.OperatorName, nullIfEmpty(sale.PatientID),
		nullIfEmpty(sale.PrescriptionID), sale.PaymentMethod, sale.TotalAmount, sale.AmountTendered, sale.ChangeDue,
		sale.Status, nullIfEmpty(sale.CancelReason), nullTime(sale.CancelledAt), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrTicketCollision
		}
		return err
	}

	for i, line := range sale.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, medication_id, name, quantity, unit_price, tax_rate, discount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, i, line.MedicationID, line.Name, line.Quantity, line.UnitPrice, line.TaxRate, line.Discount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *saleTx) DecrementStock(ctx context.Context, medicationID string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidTransaction
	}

	var after int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE medications
		SET stock_on_hand = stock_on_hand - $2, updated_at = now()
		WHERE id = $1 AND stock_on_hand >= $2
		RETURNING stock_on_hand
	`, medicationID, qty).Scan(&after)
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var current int
	if err := t.tx.QueryRowContext(ctx, `SELECT stock_on_hand FROM medications WHERE id = $1`, medicationID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return 0, &store.StockError{MedicationID: medicationID, Requested: qty, Available: current}
}

func (t *saleTx) RecordMovement(ctx context.Context, movement domain.StockMovement) error {
	return insertMovement(ctx, t.tx, movement)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const saleColumns = `id, ticket_number, operator_username, operator_name, COALESCE(patient_id, ''),
	COALESCE(prescription_id, ''), payment_method, total_amount, amount_tendered, change_due, status,
	COALESCE(cancel_reason, ''), cancelled_at, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var cancelledAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.TicketNumber, &sale.OperatorUsername, &sale.OperatorName, &sale.PatientID,
		&sale.PrescriptionID, &sale.PaymentMethod, &sale.TotalAmount, &sale.AmountTendered, &sale.ChangeDue,
		&sale.Status, &sale.CancelReason, &cancelledAt, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func saleLinesFor(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleLine, error) {
	result := make(map[string][]domain.SaleLine, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, medication_id, name, quantity, unit_price, tax_rate, discount
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.MedicationID, &line.Name, &line.Quantity, &line.UnitPrice, &line.TaxRate, &line.Discount); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func findSale(ctx context.Context, q queryer, column string, value string, lock bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE ` + column + ` = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := saleLinesFor(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Lines = lines[sale.ID]
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return findSale(ctx, s.db, "id", id, false)
}

func (s *Store) GetSaleByTicket(ctx context.Context, ticketNumber string) (*domain.Sale, error) {
	return findSale(ctx, s.db, "ticket_number", strings.TrimSpace(ticketNumber), false)
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	query := `
		SELECT ` + saleColumns + `
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, ticket_number DESC`
	args := []any{from, to}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := saleLinesFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := findSale(ctx, pgTx, "id", id, true)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidTransaction
	}

	restock := map[string]int{}
	order := make([]string, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if _, seen := restock[line.MedicationID]; !seen {
			order = append(order, line.MedicationID)
		}
		restock[line.MedicationID] += line.Quantity
	}
	for _, medicationID := range order {
		var after int
		err := pgTx.QueryRowContext(ctx, `
			UPDATE medications
			SET stock_on_hand = stock_on_hand + $2, updated_at = $3
			WHERE id = $1
			RETURNING stock_on_hand
		`, medicationID, restock[medicationID], at).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := insertMovement(ctx, pgTx, domain.StockMovement{
			ID:            xid.New("mov"),
			MedicationID:  medicationID,
			Type:          domain.MovementSaleCancel,
			Direction:     domain.MovementDirectionIn,
			Quantity:      restock[medicationID],
			StockAfter:    after,
			ReferenceType: "sale",
			ReferenceID:   sale.ID,
			Reason:        reason,
			Actor:         actor,
			CreatedAt:     at,
		}); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.SaleStatusCancelled, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.CancelledAt = &at
	return sale, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	sales, err := s.ListSales(ctx, from, to, 0)
	if err != nil {
		return domain.DailyReport{}, err
	}
	return store.BuildDailyReport(from.Format("2006-01-02"), sales), nil
}

func (s *Store) CreateProforma(ctx context.Context, quote domain.ProformaQuote) (*domain.ProformaQuote, error) {
	if strings.TrimSpace(quote.Reference) == "" || len(quote.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if quote.ID == "" {
		quote.ID = xid.New("pro")
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO proformas (id, reference, client_name, patient_id, total_amount, created_by, created_at, valid_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, quote.ID, quote.Reference, quote.ClientName, nullIfEmpty(quote.PatientID), quote.TotalAmount,
		quote.CreatedBy, quote.CreatedAt, quote.ValidUntil)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	for i, line := range quote.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proforma_lines (proforma_id, line_no, medication_id, name, quantity, unit_price, tax_rate, discount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, quote.ID, i, line.MedicationID, line.Name, line.Quantity, line.UnitPrice, line.TaxRate, line.Discount)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := quote
	created.Lines = append([]domain.ProformaLine(nil), quote.Lines...)
	return &created, nil
}

const proformaColumns = `id, reference, client_name, COALESCE(patient_id, ''), total_amount, created_by, created_at, valid_until`

func scanProforma(row rowScanner) (domain.ProformaQuote, error) {
	var quote domain.ProformaQuote
	if err := row.Scan(&quote.ID, &quote.Reference, &quote.ClientName, &quote.PatientID, &quote.TotalAmount,
		&quote.CreatedBy, &quote.CreatedAt, &quote.ValidUntil); err != nil {
		return domain.ProformaQuote{}, err
	}
	quote.CreatedAt = quote.CreatedAt.UTC()
	quote.ValidUntil = quote.ValidUntil.UTC()
	return quote, nil
}

func (s *Store) proformaLines(ctx context.Context, ids []string) (map[string][]domain.ProformaLine, error) {
	result := make(map[string][]domain.ProformaLine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT proforma_id, medication_id, name, quantity, unit_price, tax_rate, discount
		FROM proforma_lines
		WHERE proforma_id = ANY($1)
		ORDER BY proforma_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var line domain.ProformaLine
		if err := rows.Scan(&id, &line.MedicationID, &line.Name, &line.Quantity, &line.UnitPrice, &line.TaxRate, &line.Discount); err != nil {
			return nil, err
		}
		result[id] = append(result[id], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetProforma(ctx context.Context, id string) (*domain.ProformaQuote, error) {
	quote, err := scanProforma(s.db.QueryRowContext(ctx, `SELECT `+proformaColumns+` FROM proformas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := s.proformaLines(ctx, []string{quote.ID})
	if err != nil {
		return nil, err
	}
	quote.Lines = lines[quote.ID]
	return &quote, nil
}

func (s *Store) ListProformas(ctx context.Context, limit int) ([]domain.ProformaQuote, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proformaColumns+`
		FROM proformas
		ORDER BY created_at DESC, reference DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]domain.ProformaQuote, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		quote, err := scanProforma(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
		ids = append(ids, quote.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := s.proformaLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range quotes {
		quotes[i].Lines = lines[quotes[i].ID]
	}
	return quotes, nil
}
