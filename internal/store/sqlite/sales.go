package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

type saleTx struct {
	tx *sqlx.Tx
}

func (s *Store) WithinSaleTx(ctx context.Context, fn func(tx store.SaleTx) error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&saleTx{tx: tx})
	})
}

func (t *saleTx) LockStock(ctx context.Context, medicationIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(medicationIDs))
	if len(medicationIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT id, stock_on_hand FROM medications WHERE active = 1 AND id IN (?) ORDER BY id`, medicationIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID    string `db:"id"`
		Stock int    `db:"stock_on_hand"`
	}
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.ID] = row.Stock
	}
	return result, nil
}

func (t *saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.TicketNumber == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}
	if _, err := t.tx.NamedExecContext(ctx, `INSERT INTO sales
		(id, ticket_number, operator_username, operator_name, patient_id, prescription_id, payment_method,
		 total_amount, amount_tendered, change_due, status, cancel_reason, cancelled_at, created_at)
		VALUES (:id, :ticket_number, :operator_username, :operator_name, :patient_id, :prescription_id, :payment_method,
		 :total_amount, :amount_tendered, :change_due, :status, :cancel_reason, :cancelled_at, :created_at)`,
		toSaleRow(sale)); err != nil {
		if isUniqueViolation(err) {
			return store.ErrTicketCollision
		}
		return err
	}
	for i, line := range sale.Lines {
		if _, err := t.tx.NamedExecContext(ctx, `INSERT INTO sale_lines
			(sale_id, line_no, medication_id, name, quantity, unit_price, tax_rate, discount)
			VALUES (:owner_id, :line_no, :medication_id, :name, :quantity, :unit_price, :tax_rate, :discount)`,
			lineRow{
				OwnerID:      sale.ID,
				LineNo:       i,
				MedicationID: line.MedicationID,
				Name:         line.Name,
				Quantity:     line.Quantity,
				UnitPrice:    line.UnitPrice,
				TaxRate:      line.TaxRate,
				Discount:     line.Discount,
			}); err != nil {
			return err
		}
	}
	return nil
}

func (t *saleTx) DecrementStock(ctx context.Context, medicationID string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidTransaction
	}
	return decrementStock(ctx, t.tx, medicationID, qty)
}

func (t *saleTx) RecordMovement(ctx context.Context, movement domain.StockMovement) error {
	return insertMovement(ctx, t.tx, movement)
}

// decrementStock is a guarded update: the row only changes when enough stock
// remains, so a negative count can never be written.
func decrementStock(ctx context.Context, tx *sqlx.Tx, medicationID string, qty int) (int, error) {
	var after int
	err := tx.GetContext(ctx, &after, `UPDATE medications
		SET stock_on_hand = stock_on_hand - ?, updated_at = ?
		WHERE id = ? AND stock_on_hand >= ?
		RETURNING stock_on_hand`, qty, formatTime(time.Now()), medicationID, qty)
	if err == nil {
		return after, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var current int
	if err := tx.GetContext(ctx, &current, `SELECT stock_on_hand FROM medications WHERE id = ?`, medicationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return 0, &store.StockError{MedicationID: medicationID, Requested: qty, Available: current}
}

type saleRow struct {
	ID               string          `db:"id"`
	TicketNumber     string          `db:"ticket_number"`
	OperatorUsername string          `db:"operator_username"`
	OperatorName     string          `db:"operator_name"`
	PatientID        string          `db:"patient_id"`
	PrescriptionID   string          `db:"prescription_id"`
	PaymentMethod    string          `db:"payment_method"`
	TotalAmount      decimal.Decimal `db:"total_amount"`
	AmountTendered   decimal.Decimal `db:"amount_tendered"`
	ChangeDue        decimal.Decimal `db:"change_due"`
	Status           string          `db:"status"`
	CancelReason     string          `db:"cancel_reason"`
	CancelledAt      sql.NullString  `db:"cancelled_at"`
	CreatedAt        string          `db:"created_at"`
}

const saleColumns = `id, ticket_number, operator_username, operator_name, patient_id, prescription_id, payment_method,
	total_amount, amount_tendered, change_due, status, cancel_reason, cancelled_at, created_at`

// lineRow is shared by sale and proforma lines.
type lineRow struct {
	OwnerID      string          `db:"owner_id"`
	LineNo       int             `db:"line_no"`
	MedicationID string          `db:"medication_id"`
	Name         string          `db:"name"`
	Quantity     int             `db:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	TaxRate      decimal.Decimal `db:"tax_rate"`
	Discount     decimal.Decimal `db:"discount"`
}

func toSaleRow(sale domain.Sale) saleRow {
	return saleRow{
		ID:               sale.ID,
		TicketNumber:     sale.TicketNumber,
		OperatorUsername: sale.OperatorUsername,
		OperatorName:     sale.OperatorName,
		PatientID:        sale.PatientID,
		PrescriptionID:   sale.PrescriptionID,
		PaymentMethod:    sale.PaymentMethod,
		TotalAmount:      sale.TotalAmount,
		AmountTendered:   sale.AmountTendered,
		ChangeDue:        sale.ChangeDue,
		Status:           sale.Status,
		CancelReason:     sale.CancelReason,
		CancelledAt:      nullTime(sale.CancelledAt),
		CreatedAt:        formatTime(sale.CreatedAt),
	}
}

func (r saleRow) domain(lines []lineRow) domain.Sale {
	sale := domain.Sale{
		ID:               r.ID,
		TicketNumber:     r.TicketNumber,
		OperatorUsername: r.OperatorUsername,
		OperatorName:     r.OperatorName,
		PatientID:        r.PatientID,
		PrescriptionID:   r.PrescriptionID,
		PaymentMethod:    r.PaymentMethod,
		TotalAmount:      r.TotalAmount,
		AmountTendered:   r.AmountTendered,
		ChangeDue:        r.ChangeDue,
		Status:           r.Status,
		CancelReason:     r.CancelReason,
		CancelledAt:      timePtr(r.CancelledAt),
		CreatedAt:        parseTime(r.CreatedAt),
		Lines:            make([]domain.SaleLine, 0, len(lines)),
	}
	for _, line := range lines {
		sale.Lines = append(sale.Lines, domain.SaleLine{
			MedicationID: line.MedicationID,
			Name:         line.Name,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			TaxRate:      line.TaxRate,
			Discount:     line.Discount,
		})
	}
	return sale
}

// loadLines fetches the lines of several owners in one query, keyed by owner.
func loadLines(ctx context.Context, q sqlx.QueryerContext, table string, ownerColumn string, ownerIDs []string) (map[string][]lineRow, error) {
	result := make(map[string][]lineRow, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT `+ownerColumn+` AS owner_id, line_no, medication_id, name, quantity, unit_price, tax_rate, discount
		FROM `+table+` WHERE `+ownerColumn+` IN (?) ORDER BY `+ownerColumn+`, line_no`, ownerIDs)
	if err != nil {
		return nil, err
	}
	var rows []lineRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.OwnerID] = append(result[row.OwnerID], row)
	}
	return result, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
}

func (s *Store) GetSaleByTicket(ctx context.Context, ticketNumber string) (*domain.Sale, error) {
	return getSale(ctx, s.db, `SELECT `+saleColumns+` FROM sales WHERE ticket_number = ?`, strings.TrimSpace(ticketNumber))
}

func getSale(ctx context.Context, q sqlx.QueryerContext, query string, arg string) (*domain.Sale, error) {
	var row saleRow
	if err := sqlx.GetContext(ctx, q, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := loadLines(ctx, q, "sale_lines", "sale_id", []string{row.ID})
	if err != nil {
		return nil, err
	}
	sale := row.domain(lines[row.ID])
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+saleColumns+` FROM sales
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, ticket_number DESC
		LIMIT ?`, formatTime(from), formatTime(to), limit); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := loadLines(ctx, s.db, "sale_lines", "sale_id", ids)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain(lines[row.ID]))
	}
	return result, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error) {
	var cancelled *domain.Sale
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		sale, err := getSale(ctx, tx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusCompleted {
			return store.ErrInvalidTransaction
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
			err := tx.GetContext(ctx, &after, `UPDATE medications SET stock_on_hand = stock_on_hand + ?, updated_at = ?
				WHERE id = ? RETURNING stock_on_hand`, restock[medicationID], formatTime(at), medicationID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if err := insertMovement(ctx, tx, domain.StockMovement{
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
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = ?, cancel_reason = ?, cancelled_at = ? WHERE id = ?`,
			domain.SaleStatusCancelled, reason, formatTime(at), sale.ID); err != nil {
			return err
		}
		sale.Status = domain.SaleStatusCancelled
		sale.CancelReason = reason
		cancelledAt := at.UTC()
		sale.CancelledAt = &cancelledAt
		cancelled = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	sales, err := s.ListSales(ctx, from, to, 0)
	if err != nil {
		return domain.DailyReport{}, err
	}
	return store.BuildDailyReport(from.Format("2006-01-02"), sales), nil
}

type proformaRow struct {
	ID          string          `db:"id"`
	Reference   string          `db:"reference"`
	ClientName  string          `db:"client_name"`
	PatientID   string          `db:"patient_id"`
	TotalAmount decimal.Decimal `db:"total_amount"`
	CreatedBy   string          `db:"created_by"`
	CreatedAt   string          `db:"created_at"`
	ValidUntil  string          `db:"valid_until"`
}

const proformaColumns = `id, reference, client_name, patient_id, total_amount, created_by, created_at, valid_until`

func (r proformaRow) domain(lines []lineRow) domain.ProformaQuote {
	quote := domain.ProformaQuote{
		ID:          r.ID,
		Reference:   r.Reference,
		ClientName:  r.ClientName,
		PatientID:   r.PatientID,
		TotalAmount: r.TotalAmount,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   parseTime(r.CreatedAt),
		ValidUntil:  parseTime(r.ValidUntil),
		Lines:       make([]domain.ProformaLine, 0, len(lines)),
	}
	for _, line := range lines {
		quote.Lines = append(quote.Lines, domain.ProformaLine{
			MedicationID: line.MedicationID,
			Name:         line.Name,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			TaxRate:      line.TaxRate,
			Discount:     line.Discount,
		})
	}
	return quote
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

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO proformas (`+proformaColumns+`)
			VALUES (:id, :reference, :client_name, :patient_id, :total_amount, :created_by, :created_at, :valid_until)`,
			proformaRow{
				ID:          quote.ID,
				Reference:   quote.Reference,
				ClientName:  quote.ClientName,
				PatientID:   quote.PatientID,
				TotalAmount: quote.TotalAmount,
				CreatedBy:   quote.CreatedBy,
				CreatedAt:   formatTime(quote.CreatedAt),
				ValidUntil:  formatTime(quote.ValidUntil),
			}); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return err
		}
		for i, line := range quote.Lines {
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO proforma_lines
				(proforma_id, line_no, medication_id, name, quantity, unit_price, tax_rate, discount)
				VALUES (:owner_id, :line_no, :medication_id, :name, :quantity, :unit_price, :tax_rate, :discount)`,
				lineRow{
					OwnerID:      quote.ID,
					LineNo:       i,
					MedicationID: line.MedicationID,
					Name:         line.Name,
					Quantity:     line.Quantity,
					UnitPrice:    line.UnitPrice,
					TaxRate:      line.TaxRate,
					Discount:     line.Discount,
				}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetProforma(ctx, quote.ID)
}

func (s *Store) GetProforma(ctx context.Context, id string) (*domain.ProformaQuote, error) {
	var row proformaRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+proformaColumns+` FROM proformas WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := loadLines(ctx, s.db, "proforma_lines", "proforma_id", []string{row.ID})
	if err != nil {
		return nil, err
	}
	quote := row.domain(lines[row.ID])
	return &quote, nil
}

func (s *Store) ListProformas(ctx context.Context, limit int) ([]domain.ProformaQuote, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []proformaRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+proformaColumns+` FROM proformas
		ORDER BY created_at DESC, reference DESC LIMIT ?`, limit); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := loadLines(ctx, s.db, "proforma_lines", "proforma_id", ids)
	if err != nil {
		return nil, err
	}
	result := make([]domain.ProformaQuote, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain(lines[row.ID]))
	}
	return result, nil
}
