package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

// saleTx stages writes while the store write lock is held. Nothing reaches the
// maps until the callback succeeds.
type saleTx struct {
	s         *Store
	stock     map[string]int
	sales     []domain.Sale
	tickets   map[string]struct{}
	movements []domain.StockMovement
}

func (s *Store) WithinSaleTx(ctx context.Context, fn func(tx store.SaleTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &saleTx{
		s:       s,
		stock:   make(map[string]int),
		tickets: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	now := time.Now().UTC()
	for id, qty := range tx.stock {
		med := s.medications[id]
		med.StockOnHand = qty
		med.UpdatedAt = now
		s.medications[id] = med
	}
	for _, sale := range tx.sales {
		saleCopy := cloneSale(sale)
		s.salesByID[sale.ID] = &saleCopy
		s.saleByTicket[sale.TicketNumber] = sale.ID
	}
	s.movements = append(s.movements, tx.movements...)
	return nil
}

func (t *saleTx) LockStock(_ context.Context, medicationIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(medicationIDs))
	for _, id := range medicationIDs {
		if qty, staged := t.stock[id]; staged {
			result[id] = qty
			continue
		}
		med, ok := t.s.medications[id]
		if !ok || !med.Active {
			continue
		}
		result[id] = med.StockOnHand
	}
	return result, nil
}

func (t *saleTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.TicketNumber == "" || len(sale.Lines) == 0 {
		return store.ErrInvalidTransaction
	}
	if _, taken := t.s.saleByTicket[sale.TicketNumber]; taken {
		return store.ErrTicketCollision
	}
	if _, taken := t.tickets[sale.TicketNumber]; taken {
		return store.ErrTicketCollision
	}
	t.tickets[sale.TicketNumber] = struct{}{}
	t.sales = append(t.sales, cloneSale(sale))
	return nil
}

func (t *saleTx) DecrementStock(_ context.Context, medicationID string, qty int) (int, error) {
	current, staged := t.stock[medicationID]
	if !staged {
		med, ok := t.s.medications[medicationID]
		if !ok {
			return 0, store.ErrNotFound
		}
		current = med.StockOnHand
	}
	if qty < 1 {
		return 0, store.ErrInvalidTransaction
	}
	if current < qty {
		return 0, &store.StockError{MedicationID: medicationID, Requested: qty, Available: current}
	}
	t.stock[medicationID] = current - qty
	return current - qty, nil
}

func (t *saleTx) RecordMovement(_ context.Context, movement domain.StockMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	t.movements = append(t.movements, movement)
	return nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) GetSaleByTicket(_ context.Context, ticketNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.saleByTicket[strings.TrimSpace(ticketNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*s.salesByID[id])
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.salesBetween(from, to)
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.TicketNumber, a.TicketNumber)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CancelSale(_ context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
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
		med, exists := s.medications[medicationID]
		if !exists {
			continue
		}
		med.StockOnHand += restock[medicationID]
		med.UpdatedAt = at
		s.medications[medicationID] = med
		s.movements = append(s.movements, domain.StockMovement{
			ID:            xid.New("mov"),
			MedicationID:  medicationID,
			Type:          domain.MovementSaleCancel,
			Direction:     domain.MovementDirectionIn,
			Quantity:      restock[medicationID],
			StockAfter:    med.StockOnHand,
			ReferenceType: "sale",
			ReferenceID:   sale.ID,
			Reason:        reason,
			Actor:         actor,
			CreatedAt:     at,
		})
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	cancelledAt := at
	sale.CancelledAt = &cancelledAt

	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return store.BuildDailyReport(from.Format("2006-01-02"), s.salesBetween(from, to)), nil
}

func (s *Store) salesBetween(from time.Time, to time.Time) []domain.Sale {
	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneSale(*sale))
	}
	return result
}

func (s *Store) CreateProforma(_ context.Context, quote domain.ProformaQuote) (*domain.ProformaQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(quote.Reference) == "" || len(quote.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, taken := s.proformaByRef[quote.Reference]; taken {
		return nil, store.ErrDuplicate
	}
	if quote.ID == "" {
		quote.ID = xid.New("pro")
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = time.Now().UTC()
	}
	quote = cloneProforma(quote)
	s.proformasByID[quote.ID] = quote
	s.proformaByRef[quote.Reference] = quote.ID

	out := cloneProforma(quote)
	return &out, nil
}

func (s *Store) GetProforma(_ context.Context, id string) (*domain.ProformaQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.proformasByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProforma(quote)
	return &out, nil
}

func (s *Store) ListProformas(_ context.Context, limit int) ([]domain.ProformaQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProformaQuote, 0, len(s.proformasByID))
	for _, quote := range s.proformasByID {
		result = append(result, cloneProforma(quote))
	}
	slices.SortFunc(result, func(a, b domain.ProformaQuote) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.Reference, a.Reference)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Lines = append([]domain.SaleLine(nil), src.Lines...)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		out.CancelledAt = &at
	}
	return out
}

func cloneProforma(src domain.ProformaQuote) domain.ProformaQuote {
	out := src
	out.Lines = append([]domain.ProformaLine(nil), src.Lines...)
	return out
}
