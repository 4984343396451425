package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

var (
	ErrEmptyBasket         = errors.New("basket is empty")
	ErrPaymentInsufficient = errors.New("amount tendered is less than the total")
	ErrStorageFailure      = errors.New("storage failure")
)

const defaultMaxAttempts = 5

// TxRunner opens the atomic scope a commit runs in.
type TxRunner interface {
	WithinSaleTx(ctx context.Context, fn func(tx store.SaleTx) error) error
}

type TicketFunc func(at time.Time) string

type Request struct {
	Lines          []basket.Line
	Operator       domain.Actor
	PatientID      string
	PrescriptionID string
	PaymentMethod  string
	AmountTendered decimal.Decimal
}

type Committer struct {
	runner      TxRunner
	tickets     TicketFunc
	maxAttempts int
	now         func() time.Time
}

func NewCommitter(runner TxRunner, maxAttempts int) *Committer {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Committer{
		runner:      runner,
		tickets:     xid.TicketNumber,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// WithTicketFunc replaces the ticket number generator.
func (c *Committer) WithTicketFunc(fn TicketFunc) *Committer {
	if fn != nil {
		c.tickets = fn
	}
	return c
}

// Total is the amount due for lines at their snapshot prices.
func Total(lines []basket.Line) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Total())
	}
	return total
}

// Validate checks the aggregated quantity of every medication against stock
// read inside the commit scope. The first failing medication, in line order,
// is reported. Medications missing from stock count as having none.
func Validate(lines []basket.Line, stock map[string]int) error {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return basket.ErrInvalidQuantity
		}
		requested[line.MedicationID] += line.Quantity
	}

	checked := make(map[string]struct{}, len(requested))
	for _, line := range lines {
		if _, done := checked[line.MedicationID]; done {
			continue
		}
		checked[line.MedicationID] = struct{}{}

		available, ok := stock[line.MedicationID]
		if !ok {
			available = 0
		}
		if requested[line.MedicationID] > available {
			return &store.StockError{
				MedicationID: line.MedicationID,
				Requested:    requested[line.MedicationID],
				Available:    available,
			}
		}
	}
	return nil
}

// Commit turns basket lines into a persisted sale. Stock is re-validated and
// decremented in the same scope as the sale insert. Ticket collisions are
// retried with a fresh number.
func (c *Committer) Commit(ctx context.Context, req Request) (domain.Sale, error) {
	if len(req.Lines) == 0 {
		return domain.Sale{}, ErrEmptyBasket
	}

	paymentMethod := strings.TrimSpace(req.PaymentMethod)
	if paymentMethod == "" {
		paymentMethod = domain.PaymentCash
	}
	if !domain.IsSupportedPaymentMethod(paymentMethod) {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method", store.ErrInvalidTransaction)
	}

	total := Total(req.Lines)
	if req.AmountTendered.LessThan(total) {
		return domain.Sale{}, ErrPaymentInsufficient
	}

	quantities, order := aggregate(req.Lines)
	saleLines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		saleLines = append(saleLines, domain.SaleLine{
			MedicationID: line.MedicationID,
			Name:         line.Name,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
			TaxRate:      line.TaxRate,
			Discount:     decimal.Zero,
		})
	}

	operatorName := strings.TrimSpace(req.Operator.DisplayName)
	if operatorName == "" {
		operatorName = req.Operator.Username
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		now := c.now().UTC()
		sale := domain.Sale{
			ID:               xid.New("sale"),
			TicketNumber:     c.tickets(now),
			OperatorUsername: req.Operator.Username,
			OperatorName:     operatorName,
			PatientID:        strings.TrimSpace(req.PatientID),
			PrescriptionID:   strings.TrimSpace(req.PrescriptionID),
			PaymentMethod:    paymentMethod,
			TotalAmount:      total,
			AmountTendered:   req.AmountTendered,
			ChangeDue:        req.AmountTendered.Sub(total),
			Status:           domain.SaleStatusCompleted,
			CreatedAt:        now,
			Lines:            saleLines,
		}

		err := c.runner.WithinSaleTx(ctx, func(tx store.SaleTx) error {
			stock, err := tx.LockStock(ctx, order)
			if err != nil {
				return err
			}
			if err := Validate(req.Lines, stock); err != nil {
				return err
			}
			if err := tx.InsertSale(ctx, sale); err != nil {
				return err
			}
			for _, medicationID := range order {
				qty := quantities[medicationID]
				after, err := tx.DecrementStock(ctx, medicationID, qty)
				if err != nil {
					return err
				}
				if err := tx.RecordMovement(ctx, domain.StockMovement{
					ID:            xid.New("mov"),
					MedicationID:  medicationID,
					Type:          domain.MovementSale,
					Direction:     domain.MovementDirectionOut,
					Quantity:      qty,
					StockAfter:    after,
					ReferenceType: "sale",
					ReferenceID:   sale.ID,
					Actor:         req.Operator.Username,
					CreatedAt:     now,
				}); err != nil {
					return err
				}
			}
			return nil
		})

		switch {
		case err == nil:
			return sale, nil
		case errors.Is(err, store.ErrTicketCollision):
			log.Printf("[checkout] ticket %s already used, retrying (attempt %d/%d)", sale.TicketNumber, attempt, c.maxAttempts)
			continue
		case errors.Is(err, store.ErrConflict):
			log.Printf("[checkout] concurrent update on sale scope, retrying (attempt %d/%d)", attempt, c.maxAttempts)
			continue
		case isUserError(err):
			return domain.Sale{}, err
		default:
			return domain.Sale{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	return domain.Sale{}, fmt.Errorf("%w: sale not committed after %d attempts", ErrStorageFailure, c.maxAttempts)
}

func isUserError(err error) bool {
	return errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrInvalidTransaction) ||
		errors.Is(err, basket.ErrInvalidQuantity) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// aggregate returns per-medication quantities and the ids in a stable order
// so concurrent commits lock rows in the same sequence.
func aggregate(lines []basket.Line) (map[string]int, []string) {
	quantities := make(map[string]int, len(lines))
	for _, line := range lines {
		quantities[line.MedicationID] += line.Quantity
	}
	order := make([]string, 0, len(quantities))
	for id := range quantities {
		order = append(order, id)
	}
	sort.Strings(order)
	return quantities, order
}
