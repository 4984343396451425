package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/catalogcsv"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/events"
	"pharmaweb/backend/internal/store"
)

const (
	defaultStockMinimum = 10
	searchLimit         = 10
)

var maxTaxRate = decimal.NewFromInt(100)

func (s *Service) ListMedications(ctx context.Context, filter domain.MedicationFilter) ([]domain.Medication, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return nil, err
	}
	filter.Query = strings.TrimSpace(filter.Query)
	filter.Category = strings.TrimSpace(filter.Category)
	return s.repo.ListMedications(ctx, filter)
}

// SearchMedications is the counter lookup: name, generic name or code, ten hits by default.
func (s *Service) SearchMedications(ctx context.Context, query string, limit int) ([]domain.Medication, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Medication{}, nil
	}
	return s.repo.ListMedications(ctx, domain.MedicationFilter{
		Query: query,
		Limit: clampLimit(limit, searchLimit, 50),
	})
}

func (s *Service) GetMedication(ctx context.Context, id string) (domain.Medication, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return domain.Medication{}, err
	}
	med, err := s.repo.GetMedication(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Medication{}, err
	}
	return *med, nil
}

func (s *Service) CreateMedication(ctx context.Context, req domain.MedicationCreateRequest) (domain.Medication, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Medication{}, err
	}

	minimum := defaultStockMinimum
	if req.StockMinimum != nil {
		minimum = *req.StockMinimum
	}
	expiry, err := store.ExpiryFromDate(strings.TrimSpace(req.ExpiryDate))
	if err != nil {
		return domain.Medication{}, err
	}
	med := domain.Medication{
		Code:          strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:          strings.TrimSpace(req.Name),
		GenericName:   strings.TrimSpace(req.GenericName),
		Form:          strings.TrimSpace(req.Form),
		Dosage:        strings.TrimSpace(req.Dosage),
		Category:      strings.TrimSpace(req.Category),
		StockOnHand:   req.StockOnHand,
		StockMinimum:  minimum,
		PurchasePrice: req.PurchasePrice,
		SalePrice:     req.SalePrice,
		TaxRate:       req.TaxRate,
		Reimbursable:  req.Reimbursable,
		Packaging:     strings.TrimSpace(req.Packaging),
		ExpiryDate:    expiry,
		SupplierID:    strings.TrimSpace(req.SupplierID),
		Active:        true,
	}
	if err := s.checkMedication(ctx, med); err != nil {
		return domain.Medication{}, err
	}
	if med.StockOnHand < 0 {
		return domain.Medication{}, fmt.Errorf("%w: stock cannot be negative", store.ErrInvalidTransaction)
	}

	created, err := s.repo.CreateMedication(ctx, med)
	if err != nil {
		return domain.Medication{}, err
	}
	s.stockChanged(ctx)
	s.logAudit(ctx, "medication_create", "medication", created.ID, fmt.Sprintf("code=%s name=%s stock=%d", created.Code, created.Name, created.StockOnHand))
	return *created, nil
}

// UpdateMedication patches descriptive fields. Stock only changes through
// AdjustStock and sales.
func (s *Service) UpdateMedication(ctx context.Context, id string, req domain.MedicationUpdateRequest) (domain.Medication, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Medication{}, err
	}
	current, err := s.repo.GetMedication(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Medication{}, err
	}
	med := *current

	if req.Name != nil {
		med.Name = trimPtr(req.Name)
	}
	if req.GenericName != nil {
		med.GenericName = trimPtr(req.GenericName)
	}
	if req.Form != nil {
		med.Form = trimPtr(req.Form)
	}
	if req.Dosage != nil {
		med.Dosage = trimPtr(req.Dosage)
	}
	if req.Category != nil {
		med.Category = trimPtr(req.Category)
	}
	if req.StockMinimum != nil {
		med.StockMinimum = *req.StockMinimum
	}
	if req.PurchasePrice != nil {
		med.PurchasePrice = *req.PurchasePrice
	}
	if req.SalePrice != nil {
		med.SalePrice = *req.SalePrice
	}
	if req.TaxRate != nil {
		med.TaxRate = *req.TaxRate
	}
	if req.Reimbursable != nil {
		med.Reimbursable = *req.Reimbursable
	}
	if req.Packaging != nil {
		med.Packaging = trimPtr(req.Packaging)
	}
	if req.ExpiryDate != nil {
		expiry, err := store.ExpiryFromDate(trimPtr(req.ExpiryDate))
		if err != nil {
			return domain.Medication{}, err
		}
		med.ExpiryDate = expiry
	}
	if req.SupplierID != nil {
		med.SupplierID = trimPtr(req.SupplierID)
	}
	if req.Active != nil {
		med.Active = *req.Active
	}
	if err := s.checkMedication(ctx, med); err != nil {
		return domain.Medication{}, err
	}

	updated, err := s.repo.UpdateMedication(ctx, med)
	if err != nil {
		return domain.Medication{}, err
	}
	s.stockChanged(ctx)
	s.logAudit(ctx, "medication_update", "medication", updated.ID, fmt.Sprintf("code=%s active=%t", updated.Code, updated.Active))
	return *updated, nil
}

func (s *Service) checkMedication(ctx context.Context, med domain.Medication) error {
	if med.Code == "" || med.Name == "" {
		return fmt.Errorf("%w: code and name are required", store.ErrInvalidTransaction)
	}
	if med.StockMinimum < 0 {
		return fmt.Errorf("%w: stock minimum cannot be negative", store.ErrInvalidTransaction)
	}
	if med.SalePrice.IsNegative() || med.PurchasePrice.IsNegative() {
		return fmt.Errorf("%w: prices cannot be negative", store.ErrInvalidTransaction)
	}
	if med.TaxRate.IsNegative() || med.TaxRate.GreaterThan(maxTaxRate) {
		return fmt.Errorf("%w: tax rate must be between 0 and 100", store.ErrInvalidTransaction)
	}
	if med.SupplierID != "" {
		if _, err := s.repo.GetSupplier(ctx, med.SupplierID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: unknown supplier", store.ErrInvalidTransaction)
			}
			return err
		}
	}
	return nil
}

// AdjustStock applies a manual movement. Entries add stock, inventories set
// the counted quantity and adjustments apply a signed correction.
func (s *Service) AdjustStock(ctx context.Context, id string, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	actor, err := s.authorize(ctx, CapCatalogWrite)
	if err != nil {
		return domain.StockMovement{}, err
	}

	reason := strings.TrimSpace(req.Reason)
	absolute := false
	switch strings.TrimSpace(req.Type) {
	case domain.MovementEntry:
		if req.Quantity <= 0 {
			return domain.StockMovement{}, fmt.Errorf("%w: entry quantity must be positive", store.ErrInvalidTransaction)
		}
	case domain.MovementInventory:
		if req.Quantity < 0 {
			return domain.StockMovement{}, fmt.Errorf("%w: counted quantity cannot be negative", store.ErrInvalidTransaction)
		}
		absolute = true
	case domain.MovementAdjustment:
		if req.Quantity == 0 {
			return domain.StockMovement{}, fmt.Errorf("%w: adjustment cannot be zero", store.ErrInvalidTransaction)
		}
		if reason == "" {
			return domain.StockMovement{}, fmt.Errorf("%w: adjustment requires a reason", store.ErrInvalidTransaction)
		}
	default:
		return domain.StockMovement{}, fmt.Errorf("%w: unknown movement type", store.ErrInvalidTransaction)
	}

	movement, err := s.repo.AdjustStock(ctx, strings.TrimSpace(id), req.Quantity, absolute, domain.StockMovement{
		Type:          req.Type,
		ReferenceType: "manual",
		Reason:        reason,
		Actor:         actor.Username,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}

	s.stockChanged(ctx)
	s.publish(ctx, events.StockAdjusted, movement.MedicationID, actor.Username, movement)
	s.logAudit(ctx, "stock_"+movement.Type, "medication", movement.MedicationID,
		fmt.Sprintf("direction=%s qty=%d stock_after=%d reason=%s", movement.Direction, movement.Quantity, movement.StockAfter, reason))
	return *movement, nil
}

func (s *Service) ListStockMovements(ctx context.Context, id string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if _, err := s.repo.GetMedication(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStockMovements(ctx, id, clampLimit(limit, 50, 500))
}

// ImportCatalog creates the medications of a CSV file. Codes already in the
// catalog are skipped and left untouched.
func (s *Service) ImportCatalog(ctx context.Context, r io.Reader) (domain.ImportResult, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.ImportResult{}, err
	}

	meds, result, err := catalogcsv.Parse(r)
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	for _, med := range meds {
		if _, err := s.repo.GetMedicationByCode(ctx, med.Code); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return result, err
		}

		if _, err := s.repo.CreateMedication(ctx, med); err != nil {
			switch {
			case errors.Is(err, store.ErrDuplicate):
				result.Skipped++
			case errors.Is(err, store.ErrInvalidTransaction):
				result.Invalid++
				result.Errors = append(result.Errors, fmt.Sprintf("code %s: %v", med.Code, err))
			default:
				return result, err
			}
			continue
		}
		result.Imported++
	}

	if result.Imported > 0 {
		s.stockChanged(ctx)
	}
	s.logAudit(ctx, "catalog_import", "medication", "", fmt.Sprintf("imported=%d skipped=%d invalid=%d", result.Imported, result.Skipped, result.Invalid))
	return result, nil
}

func (s *Service) ExportCatalog(ctx context.Context, w io.Writer) error {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return err
	}
	meds, err := s.repo.ListMedications(ctx, domain.MedicationFilter{})
	if err != nil {
		return err
	}
	return catalogcsv.Export(w, meds)
}

func (s *Service) StockAlerts(ctx context.Context) ([]domain.StockAlert, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return nil, err
	}
	return s.alerts.Alerts(ctx, s.now().UTC(), func(ctx context.Context) ([]domain.Medication, error) {
		return s.repo.ListMedications(ctx, domain.MedicationFilter{})
	})
}
