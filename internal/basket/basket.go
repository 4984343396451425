package basket

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

type Kind string

const (
	KindSale     Kind = "sale"
	KindProforma Kind = "proforma"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrUnknownKind     = errors.New("unknown basket kind")
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindSale, KindProforma:
		return Kind(raw), nil
	default:
		return "", ErrUnknownKind
	}
}

// Line is a candidate purchase line. UnitPrice and TaxRate are snapshots taken
// when the medication was first added.
type Line struct {
	MedicationID string          `json:"medication_id"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Basket struct {
	Kind         Kind            `json:"kind"`
	Lines        []Line          `json:"lines"`
	RunningTotal decimal.Decimal `json:"total"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func New(kind Kind) Basket {
	return Basket{Kind: kind, Lines: []Line{}, RunningTotal: decimal.Zero}
}

// Add appends a line for med or increments the existing one. Stock is checked
// against the resulting line quantity; on error the basket is left untouched.
func (b *Basket) Add(med domain.Medication, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	idx := b.indexOf(med.ID)
	requested := qty
	if idx >= 0 {
		requested += b.Lines[idx].Quantity
	}
	if requested > med.StockOnHand {
		return &store.StockError{MedicationID: med.ID, Requested: requested, Available: med.StockOnHand}
	}

	if idx >= 0 {
		b.Lines[idx].Quantity = requested
	} else {
		b.Lines = append(b.Lines, Line{
			MedicationID: med.ID,
			Name:         med.Name,
			Quantity:     qty,
			UnitPrice:    med.SalePrice,
			TaxRate:      med.TaxRate,
		})
	}
	b.recompute()
	return nil
}

// Remove drops the line at index. Out of range indexes are ignored.
func (b *Basket) Remove(index int) {
	if index < 0 || index >= len(b.Lines) {
		return
	}
	b.Lines = append(b.Lines[:index], b.Lines[index+1:]...)
	b.recompute()
}

func (b *Basket) Clear() {
	b.Lines = []Line{}
	b.RunningTotal = decimal.Zero
}

func (b Basket) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Lines {
		total = total.Add(line.Total())
	}
	return total
}

func (b Basket) Empty() bool {
	return len(b.Lines) == 0
}

// Quantities aggregates requested quantity per medication.
func (b Basket) Quantities() map[string]int {
	out := make(map[string]int, len(b.Lines))
	for _, line := range b.Lines {
		out[line.MedicationID] += line.Quantity
	}
	return out
}

func (b *Basket) indexOf(medicationID string) int {
	for i, line := range b.Lines {
		if line.MedicationID == medicationID {
			return i
		}
	}
	return -1
}

func (b *Basket) recompute() {
	b.RunningTotal = b.Total()
}
