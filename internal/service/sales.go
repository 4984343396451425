package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/checkout"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/events"
	"pharmaweb/backend/internal/receipt"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

const (
	defaultValidityDays = 30
	referenceAttempts   = 5
)

func basketCapability(kind basket.Kind) Capability {
	if kind == basket.KindProforma {
		return CapSalesQuote
	}
	return CapSalesSell
}

func (s *Service) basketActor(ctx context.Context, rawKind string) (domain.Actor, basket.Kind, error) {
	kind, err := basket.ParseKind(strings.TrimSpace(rawKind))
	if err != nil {
		return domain.Actor{}, "", err
	}
	actor, err := s.authorize(ctx, basketCapability(kind))
	if err != nil {
		return domain.Actor{}, "", err
	}
	return actor, kind, nil
}

func (s *Service) GetBasket(ctx context.Context, kind string) (basket.Basket, error) {
	actor, k, err := s.basketActor(ctx, kind)
	if err != nil {
		return basket.Basket{}, err
	}
	return s.baskets.Get(ctx, actor.SessionID, k)
}

func (s *Service) AddToBasket(ctx context.Context, kind string, req basket.Request) (basket.Basket, error) {
	actor, k, err := s.basketActor(ctx, kind)
	if err != nil {
		return basket.Basket{}, err
	}
	return s.baskets.Add(ctx, actor.SessionID, k, req.MedicationID, req.Quantity)
}

func (s *Service) RemoveFromBasket(ctx context.Context, kind string, index int) (basket.Basket, error) {
	actor, k, err := s.basketActor(ctx, kind)
	if err != nil {
		return basket.Basket{}, err
	}
	return s.baskets.Remove(ctx, actor.SessionID, k, index)
}

func (s *Service) ClearBasket(ctx context.Context, kind string) error {
	actor, k, err := s.basketActor(ctx, kind)
	if err != nil {
		return err
	}
	return s.baskets.Clear(ctx, actor.SessionID, k)
}

// PreviewReceipt renders the stored basket document as a receipt without
// committing it. Malformed documents yield an empty receipt.
func (s *Service) PreviewReceipt(ctx context.Context, kind string) (domain.Receipt, error) {
	actor, k, err := s.basketActor(ctx, kind)
	if err != nil {
		return domain.Receipt{}, err
	}
	raw, err := s.baskets.Raw(ctx, actor.SessionID, k)
	if err != nil {
		return domain.Receipt{}, err
	}

	lines, total := receipt.Empty(), (*decimal.Decimal)(nil)
	if len(raw) > 0 {
		lines, total = receipt.DecodeBasket(raw)
	}
	header := receipt.Header{
		Total:    total,
		Operator: defaultString(actor.DisplayName, actor.Username),
	}
	return receipt.Build(header, lines, s.pharmacySettings(ctx)), nil
}

// CommitSale turns the operator's sale basket into a completed sale. The
// basket is only cleared when the sale was persisted.
func (s *Service) CommitSale(ctx context.Context, req domain.CommitSaleRequest) (domain.SaleResponse, error) {
	actor, err := s.authorize(ctx, CapSalesSell)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	patientID := strings.TrimSpace(req.PatientID)
	prescriptionID := strings.TrimSpace(req.PrescriptionID)
	if prescriptionID != "" {
		prescription, err := s.repo.GetPrescription(ctx, prescriptionID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		if !dispensable(prescription.Status) {
			return domain.SaleResponse{}, fmt.Errorf("%w: prescription is %s", store.ErrInvalidTransaction, prescription.Status)
		}
		if patientID == "" {
			patientID = prescription.PatientID
		}
	}
	if patientID != "" {
		if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
			return domain.SaleResponse{}, err
		}
	}

	var sale domain.Sale
	err = s.baskets.Checkout(ctx, actor.SessionID, basket.KindSale, func(b basket.Basket) error {
		committed, err := s.committer.Commit(ctx, checkout.Request{
			Lines:          b.Lines,
			Operator:       actor,
			PatientID:      patientID,
			PrescriptionID: prescriptionID,
			PaymentMethod:  req.PaymentMethod,
			AmountTendered: req.AmountTendered,
		})
		if err != nil {
			return err
		}
		sale = committed
		return nil
	})
	if err != nil {
		if sale.ID == "" {
			if errors.Is(err, checkout.ErrStorageFailure) {
				log.Printf("[service] WARN: sale commit failed operator=%s: %v", actor.Username, err)
			}
			return domain.SaleResponse{}, err
		}
		log.Printf("[service] WARN: sale %s committed but basket was not cleared: %v", sale.TicketNumber, err)
	}

	if prescriptionID != "" {
		if _, err := s.repo.UpdatePrescriptionStatus(ctx, prescriptionID, domain.PrescriptionDelivered, sale.CreatedAt); err != nil {
			log.Printf("[service] WARN: mark prescription %s delivered after sale %s: %v", prescriptionID, sale.TicketNumber, err)
		}
	}

	s.stockChanged(ctx)
	s.publish(ctx, events.SaleCommitted, sale.ID, actor.Username, map[string]any{
		"ticket_number":  sale.TicketNumber,
		"total_amount":   sale.TotalAmount,
		"payment_method": sale.PaymentMethod,
		"lines":          len(sale.Lines),
	})
	s.logAudit(ctx, "sale_created", "sale", sale.ID,
		fmt.Sprintf("ticket=%s total=%s payment=%s lines=%d", sale.TicketNumber, sale.TotalAmount.StringFixed(2), sale.PaymentMethod, len(sale.Lines)))

	header, lines := receipt.FromSale(sale)
	return domain.SaleResponse{
		Sale:    sale,
		Receipt: receipt.Build(header, lines, s.pharmacySettings(ctx)),
	}, nil
}

// CancelSale voids a completed sale, found by id or ticket, and puts its
// quantities back on the shelf. A valid manager PIN is required on top of the role.
func (s *Service) CancelSale(ctx context.Context, id string, req domain.CancelSaleRequest) (domain.Sale, error) {
	actor, err := s.authorize(ctx, CapSalesCancel)
	if err != nil {
		return domain.Sale{}, err
	}
	if !s.verifyPIN(req.ManagerPIN) {
		return domain.Sale{}, ErrInvalidManagerPIN
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Sale{}, fmt.Errorf("%w: cancellation reason is required", store.ErrInvalidTransaction)
	}

	target, err := s.findSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.CancelSale(ctx, target.ID, reason, actor.Username, s.now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.stockChanged(ctx)
	s.publish(ctx, events.SaleCancelled, sale.ID, actor.Username, map[string]any{
		"ticket_number": sale.TicketNumber,
		"reason":        reason,
	})
	s.logAudit(ctx, "sale_cancelled", "sale", sale.ID, fmt.Sprintf("ticket=%s reason=%s", sale.TicketNumber, reason))
	return *sale, nil
}

// GetSale accepts a sale id or a ticket number.
func (s *Service) GetSale(ctx context.Context, ref string) (domain.Sale, error) {
	if _, err := s.authorize(ctx, CapSalesSell); err != nil {
		return domain.Sale{}, err
	}
	return s.findSale(ctx, ref)
}

func (s *Service) findSale(ctx context.Context, ref string) (domain.Sale, error) {
	ref = strings.TrimSpace(ref)
	sale, err := s.repo.GetSale(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		sale, err = s.repo.GetSaleByTicket(ctx, ref)
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, date string, limit int) ([]domain.Sale, error) {
	if _, err := s.authorize(ctx, CapSalesSell); err != nil {
		return nil, err
	}
	day, err := s.parseDay(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, day, day.AddDate(0, 0, 1), clampLimit(limit, 200, 1000))
}

func (s *Service) SaleReceipt(ctx context.Context, ref string) (domain.Receipt, error) {
	if _, err := s.authorize(ctx, CapSalesSell); err != nil {
		return domain.Receipt{}, err
	}
	sale, err := s.findSale(ctx, ref)
	if err != nil {
		return domain.Receipt{}, err
	}
	header, lines := receipt.FromSale(sale)
	return receipt.Build(header, lines, s.pharmacySettings(ctx)), nil
}

func (s *Service) PrintableSaleReceipt(ctx context.Context, ref string) (domain.PrintableReceipt, error) {
	r, err := s.SaleReceipt(ctx, ref)
	if err != nil {
		return domain.PrintableReceipt{}, err
	}
	return receipt.Printable(r), nil
}

// SaveProforma stores the operator's proforma basket as a quote and empties
// the basket. Stock is not touched.
func (s *Service) SaveProforma(ctx context.Context, req domain.SaveProformaRequest) (domain.ProformaQuote, error) {
	actor, err := s.authorize(ctx, CapSalesQuote)
	if err != nil {
		return domain.ProformaQuote{}, err
	}

	validity := req.ValidityDays
	if validity == 0 {
		validity = defaultValidityDays
	}
	if validity < 0 {
		return domain.ProformaQuote{}, fmt.Errorf("%w: validity must be positive", store.ErrInvalidTransaction)
	}
	patientID := strings.TrimSpace(req.PatientID)
	clientName := strings.TrimSpace(req.ClientName)
	if patientID != "" {
		patient, err := s.repo.GetPatient(ctx, patientID)
		if err != nil {
			return domain.ProformaQuote{}, err
		}
		if clientName == "" {
			clientName = strings.TrimSpace(patient.LastName + " " + patient.FirstName)
		}
	}
	if clientName == "" {
		return domain.ProformaQuote{}, fmt.Errorf("%w: client name is required", store.ErrInvalidTransaction)
	}

	var saved domain.ProformaQuote
	err = s.baskets.Checkout(ctx, actor.SessionID, basket.KindProforma, func(b basket.Basket) error {
		if b.Empty() {
			return checkout.ErrEmptyBasket
		}
		now := s.now().UTC()
		quote := domain.ProformaQuote{
			ClientName:  clientName,
			PatientID:   patientID,
			TotalAmount: b.Total(),
			CreatedBy:   defaultString(actor.DisplayName, actor.Username),
			CreatedAt:   now,
			ValidUntil:  now.AddDate(0, 0, validity),
			Lines:       make([]domain.ProformaLine, 0, len(b.Lines)),
		}
		for _, line := range b.Lines {
			quote.Lines = append(quote.Lines, domain.ProformaLine{
				MedicationID: line.MedicationID,
				Name:         line.Name,
				Quantity:     line.Quantity,
				UnitPrice:    line.UnitPrice,
				TaxRate:      line.TaxRate,
				Discount:     decimal.Zero,
			})
		}

		for attempt := 1; attempt <= referenceAttempts; attempt++ {
			quote.ID = xid.New("pro")
			quote.Reference = xid.ProformaReference(now)
			created, err := s.repo.CreateProforma(ctx, quote)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: %v", checkout.ErrStorageFailure, err)
			}
			saved = *created
			return nil
		}
		return fmt.Errorf("%w: no free proforma reference", checkout.ErrStorageFailure)
	})
	if err != nil {
		if saved.ID == "" {
			return domain.ProformaQuote{}, err
		}
		log.Printf("[service] WARN: proforma %s saved but basket was not cleared: %v", saved.Reference, err)
	}

	s.publish(ctx, events.ProformaSaved, saved.ID, actor.Username, map[string]any{
		"reference":    saved.Reference,
		"total_amount": saved.TotalAmount,
	})
	s.logAudit(ctx, "proforma_created", "proforma", saved.ID, fmt.Sprintf("reference=%s total=%s client=%s", saved.Reference, saved.TotalAmount.StringFixed(2), saved.ClientName))
	return saved, nil
}

func (s *Service) GetProforma(ctx context.Context, id string) (domain.ProformaQuote, error) {
	if _, err := s.authorize(ctx, CapSalesQuote); err != nil {
		return domain.ProformaQuote{}, err
	}
	quote, err := s.repo.GetProforma(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ProformaQuote{}, err
	}
	return *quote, nil
}

func (s *Service) ListProformas(ctx context.Context, limit int) ([]domain.ProformaQuote, error) {
	if _, err := s.authorize(ctx, CapSalesQuote); err != nil {
		return nil, err
	}
	return s.repo.ListProformas(ctx, clampLimit(limit, 50, 500))
}

func (s *Service) ProformaReceipt(ctx context.Context, id string) (domain.Receipt, error) {
	quote, err := s.GetProforma(ctx, id)
	if err != nil {
		return domain.Receipt{}, err
	}
	header, lines := receipt.FromProforma(quote)
	return receipt.Build(header, lines, s.pharmacySettings(ctx)), nil
}
