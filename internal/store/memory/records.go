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

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	supplier.Active = true
	s.suppliersByID[supplier.ID] = supplier
	created := supplier
	return &created, nil
}

func (s *Store) UpdateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.suppliersByID[supplier.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	supplier.CreatedAt = existing.CreatedAt
	s.suppliersByID[supplier.ID] = supplier
	updated := supplier
	return &updated, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, ok := s.suppliersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context, includeInactive bool) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		if !supplier.Active && !includeInactive {
			continue
		}
		result = append(result, supplier)
	}
	slices.SortFunc(result, func(a, b domain.Supplier) int {
		return cmpString(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return result, nil
}

func (s *Store) CreatePatient(_ context.Context, patient domain.Patient) (*domain.Patient, error) {
	if strings.TrimSpace(patient.Code) == "" || strings.TrimSpace(patient.LastName) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.patientByCode[patient.Code]; taken {
		return nil, store.ErrDuplicate
	}
	if patient.ID == "" {
		patient.ID = xid.New("pat")
	}
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}
	s.patientsByID[patient.ID] = patient
	s.patientByCode[patient.Code] = patient.ID
	created := patient
	return &created, nil
}

func (s *Store) UpdatePatient(_ context.Context, patient domain.Patient) (*domain.Patient, error) {
	if strings.TrimSpace(patient.LastName) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.patientsByID[patient.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	patient.Code = existing.Code
	patient.CreatedAt = existing.CreatedAt
	s.patientsByID[patient.ID] = patient
	updated := patient
	return &updated, nil
}

func (s *Store) GetPatient(_ context.Context, id string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, ok := s.patientsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &patient, nil
}

func (s *Store) ListPatients(_ context.Context, query string, limit int) ([]domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	result := make([]domain.Patient, 0, len(s.patientsByID))
	for _, patient := range s.patientsByID {
		if query != "" && !patientMatches(patient, query) {
			continue
		}
		result = append(result, patient)
	}
	slices.SortFunc(result, func(a, b domain.Patient) int {
		if a.LastName == b.LastName {
			return cmpString(a.FirstName, b.FirstName)
		}
		return cmpString(a.LastName, b.LastName)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CountPatients(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patientsByID), nil
}

func patientMatches(patient domain.Patient, query string) bool {
	for _, field := range []string{patient.LastName, patient.FirstName, patient.Code, patient.Phone} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func (s *Store) CreatePrescription(_ context.Context, prescription domain.Prescription) (*domain.Prescription, error) {
	if strings.TrimSpace(prescription.Number) == "" || strings.TrimSpace(prescription.PatientID) == "" || len(prescription.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.prescriptionByNum[prescription.Number]; taken {
		return nil, store.ErrDuplicate
	}
	if _, ok := s.patientsByID[prescription.PatientID]; !ok {
		return nil, store.ErrNotFound
	}
	if prescription.ID == "" {
		prescription.ID = xid.New("rx")
	}
	now := time.Now().UTC()
	if prescription.CreatedAt.IsZero() {
		prescription.CreatedAt = now
	}
	prescription.UpdatedAt = prescription.CreatedAt
	if prescription.Status == "" {
		prescription.Status = domain.PrescriptionPending
	}
	prescription = clonePrescription(prescription)
	s.prescriptionsByID[prescription.ID] = prescription
	s.prescriptionByNum[prescription.Number] = prescription.ID

	out := clonePrescription(prescription)
	return &out, nil
}

func (s *Store) GetPrescription(_ context.Context, id string) (*domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prescription, ok := s.prescriptionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePrescription(prescription)
	return &out, nil
}

func (s *Store) ListPrescriptions(_ context.Context, status string, limit int) ([]domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Prescription, 0, len(s.prescriptionsByID))
	for _, prescription := range s.prescriptionsByID {
		if status != "" && prescription.Status != status {
			continue
		}
		result = append(result, clonePrescription(prescription))
	}
	slices.SortFunc(result, func(a, b domain.Prescription) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.Number, a.Number)
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

func (s *Store) UpdatePrescriptionStatus(_ context.Context, id string, status string, at time.Time) (*domain.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prescription, ok := s.prescriptionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	prescription.Status = status
	prescription.UpdatedAt = at
	s.prescriptionsByID[id] = prescription

	out := clonePrescription(prescription)
	return &out, nil
}

func (s *Store) CountPrescriptionsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, prescription := range s.prescriptionsByID {
		if !prescription.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func clonePrescription(src domain.Prescription) domain.Prescription {
	out := src
	out.Lines = append([]domain.PrescriptionLine(nil), src.Lines...)
	return out
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
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

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if !domain.IsKnownRole(user.Role) {
		return store.ErrInvalidTransaction
	}
	if strings.TrimSpace(user.DisplayName) == "" {
		user.DisplayName = username
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) GetSettings(_ context.Context) (domain.PharmacySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings domain.PharmacySettings) (*domain.PharmacySettings, error) {
	if strings.TrimSpace(settings.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	s.settings = settings
	saved := settings
	return &saved, nil
}
