package memory

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	mu                sync.RWMutex
	medications       map[string]domain.Medication
	medicationByCode  map[string]string
	movements         []domain.StockMovement
	suppliersByID     map[string]domain.Supplier
	patientsByID      map[string]domain.Patient
	patientByCode     map[string]string
	salesByID         map[string]*domain.Sale
	saleByTicket      map[string]string
	proformasByID     map[string]domain.ProformaQuote
	proformaByRef     map[string]string
	prescriptionsByID map[string]domain.Prescription
	prescriptionByNum map[string]string
	auditLogs         []domain.AuditLog
	usersByUsername   map[string]domain.UserAccount
	settings          domain.PharmacySettings
}

func New() *Store {
	return &Store{
		medications:       make(map[string]domain.Medication),
		medicationByCode:  make(map[string]string),
		movements:         make([]domain.StockMovement, 0, 128),
		suppliersByID:     make(map[string]domain.Supplier),
		patientsByID:      make(map[string]domain.Patient),
		patientByCode:     make(map[string]string),
		salesByID:         make(map[string]*domain.Sale),
		saleByTicket:      make(map[string]string),
		proformasByID:     make(map[string]domain.ProformaQuote),
		proformaByRef:     make(map[string]string),
		prescriptionsByID: make(map[string]domain.Prescription),
		prescriptionByNum: make(map[string]string),
		auditLogs:         make([]domain.AuditLog, 0, 128),
		usersByUsername:   make(map[string]domain.UserAccount),
		settings:          store.DefaultSettings(),
	}
}

func NewSeeded() *Store {
	s := New()
	for _, med := range store.SeedMedications(time.Now().UTC()) {
		s.medications[med.ID] = med
		s.medicationByCode[med.Code] = med.ID
	}
	users, err := store.SeedUsers("[memory-store]")
	if err != nil {
		log.Fatalf("[memory-store] %v", err)
	}
	for _, user := range users {
		s.usersByUsername[user.Username] = user
	}
	return s
}

func (s *Store) ListMedications(_ context.Context, filter domain.MedicationFilter) ([]domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category := strings.ToLower(strings.TrimSpace(filter.Category))
	result := make([]domain.Medication, 0, len(s.medications))
	for _, med := range s.medications {
		if !med.Active {
			continue
		}
		if category != "" && strings.ToLower(med.Category) != category {
			continue
		}
		if filter.LowStock && med.StockOnHand >= med.StockMinimum {
			continue
		}
		if !store.MatchesMedication(med, filter.Query) {
			continue
		}
		result = append(result, med)
	}

	slices.SortFunc(result, func(a, b domain.Medication) int {
		if a.Name == b.Name {
			return cmpString(a.Code, b.Code)
		}
		return cmpString(a.Name, b.Name)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetMedication(_ context.Context, id string) (*domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, ok := s.medications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &med, nil
}

func (s *Store) GetMedicationByCode(_ context.Context, code string) (*domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.medicationByCode[strings.TrimSpace(code)]
	if !ok {
		return nil, store.ErrNotFound
	}
	med := s.medications[id]
	return &med, nil
}

func (s *Store) GetMedicationsByIDs(_ context.Context, ids []string) (map[string]domain.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Medication, len(ids))
	for _, id := range ids {
		if med, ok := s.medications[id]; ok {
			result[id] = med
		}
	}
	return result, nil
}

func (s *Store) CreateMedication(_ context.Context, med domain.Medication) (*domain.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateMedication(med); err != nil {
		return nil, err
	}
	if med.StockOnHand < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.medicationByCode[med.Code]; exists {
		return nil, store.ErrDuplicate
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

	s.medications[med.ID] = med
	s.medicationByCode[med.Code] = med.ID
	created := med
	return &created, nil
}

// UpdateMedication replaces the descriptive fields. Stock only moves through
// AdjustStock and sale scopes.
func (s *Store) UpdateMedication(_ context.Context, med domain.Medication) (*domain.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.medications[med.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := validateMedication(med); err != nil {
		return nil, err
	}
	if med.Code != existing.Code {
		if _, taken := s.medicationByCode[med.Code]; taken {
			return nil, store.ErrDuplicate
		}
		delete(s.medicationByCode, existing.Code)
		s.medicationByCode[med.Code] = med.ID
	}
	med.StockOnHand = existing.StockOnHand
	med.CreatedAt = existing.CreatedAt
	med.UpdatedAt = time.Now().UTC()
	s.medications[med.ID] = med
	updated := med
	return &updated, nil
}

func (s *Store) AdjustStock(_ context.Context, medicationID string, qty int, absolute bool, movement domain.StockMovement) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	med, ok := s.medications[medicationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := med.StockOnHand + qty
	if absolute {
		next = qty
	}
	if next < 0 {
		return nil, &store.StockError{MedicationID: medicationID, Requested: -qty, Available: med.StockOnHand}
	}

	movement = store.FillMovement(movement, medicationID, next-med.StockOnHand, next)
	med.StockOnHand = next
	med.UpdatedAt = movement.CreatedAt
	s.medications[medicationID] = med
	s.movements = append(s.movements, movement)
	return &movement, nil
}

func (s *Store) ListStockMovements(_ context.Context, medicationID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if medicationID != "" && s.movements[i].MedicationID != medicationID {
			continue
		}
		result = append(result, s.movements[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
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

func cmpString(a string, b string) int {
	return strings.Compare(a, b)
}
