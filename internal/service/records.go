package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmaweb/backend/internal/basket"
	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

const codeAttempts = 20

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if _, err := s.authorize(ctx, CapSuppliersWrite); err != nil {
		return domain.Supplier{}, err
	}

	supplier := domain.Supplier{
		ID:            xid.New("sup"),
		Name:          strings.TrimSpace(req.Name),
		ContactPerson: strings.TrimSpace(req.ContactPerson),
		Phone:         strings.TrimSpace(req.Phone),
		Email:         strings.TrimSpace(req.Email),
		Address:       strings.TrimSpace(req.Address),
		BankDetails:   strings.TrimSpace(req.BankDetails),
		Notes:         strings.TrimSpace(req.Notes),
		Active:        true,
		CreatedAt:     s.now().UTC(),
	}
	if supplier.Name == "" {
		return domain.Supplier{}, fmt.Errorf("%w: supplier name is required", store.ErrInvalidTransaction)
	}

	created, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_create", "supplier", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) UpdateSupplier(ctx context.Context, id string, req domain.SupplierUpdateRequest) (domain.Supplier, error) {
	if _, err := s.authorize(ctx, CapSuppliersWrite); err != nil {
		return domain.Supplier{}, err
	}
	current, err := s.repo.GetSupplier(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Supplier{}, err
	}
	supplier := *current
	if req.Name != nil {
		supplier.Name = trimPtr(req.Name)
	}
	if req.ContactPerson != nil {
		supplier.ContactPerson = trimPtr(req.ContactPerson)
	}
	if req.Phone != nil {
		supplier.Phone = trimPtr(req.Phone)
	}
	if req.Email != nil {
		supplier.Email = trimPtr(req.Email)
	}
	if req.Address != nil {
		supplier.Address = trimPtr(req.Address)
	}
	if req.BankDetails != nil {
		supplier.BankDetails = trimPtr(req.BankDetails)
	}
	if req.Notes != nil {
		supplier.Notes = trimPtr(req.Notes)
	}
	if req.Active != nil {
		supplier.Active = *req.Active
	}
	if supplier.Name == "" {
		return domain.Supplier{}, fmt.Errorf("%w: supplier name is required", store.ErrInvalidTransaction)
	}

	updated, err := s.repo.UpdateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_update", "supplier", updated.ID, fmt.Sprintf("name=%s active=%t", updated.Name, updated.Active))
	return *updated, nil
}

func (s *Service) GetSupplier(ctx context.Context, id string) (domain.Supplier, error) {
	if _, err := s.authorize(ctx, CapSuppliersRead); err != nil {
		return domain.Supplier{}, err
	}
	supplier, err := s.repo.GetSupplier(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Supplier{}, err
	}
	return *supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context, includeInactive bool) ([]domain.Supplier, error) {
	if _, err := s.authorize(ctx, CapSuppliersRead); err != nil {
		return nil, err
	}
	return s.repo.ListSuppliers(ctx, includeInactive)
}

// CreatePatient assigns the next free code for the patient's name. A taken
// code moves on to the following sequence number.
func (s *Service) CreatePatient(ctx context.Context, req domain.PatientCreateRequest) (domain.Patient, error) {
	if _, err := s.authorize(ctx, CapPatientsWrite); err != nil {
		return domain.Patient{}, err
	}

	patient := domain.Patient{
		LastName:        strings.TrimSpace(req.LastName),
		FirstName:       strings.TrimSpace(req.FirstName),
		Sex:             strings.ToUpper(strings.TrimSpace(req.Sex)),
		BloodGroup:      strings.ToUpper(strings.TrimSpace(req.BloodGroup)),
		Address:         strings.TrimSpace(req.Address),
		Phone:           strings.TrimSpace(req.Phone),
		Email:           strings.TrimSpace(req.Email),
		Insurer:         strings.TrimSpace(req.Insurer),
		InsuranceNumber: strings.TrimSpace(req.InsuranceNumber),
		Allergies:       strings.TrimSpace(req.Allergies),
		MedicalHistory:  strings.TrimSpace(req.MedicalHistory),
		CreatedAt:       s.now().UTC(),
	}
	if err := validatePatient(&patient, req.BirthDate); err != nil {
		return domain.Patient{}, err
	}

	count, err := s.repo.CountPatients(ctx)
	if err != nil {
		return domain.Patient{}, err
	}
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		patient.ID = xid.New("pat")
		patient.Code = xid.PatientCode(patient.LastName, patient.FirstName, count+attempt)
		created, err := s.repo.CreatePatient(ctx, patient)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return domain.Patient{}, err
		}
		s.logAudit(ctx, "patient_create", "patient", created.ID, fmt.Sprintf("code=%s", created.Code))
		return *created, nil
	}
	return domain.Patient{}, fmt.Errorf("no free patient code after %d attempts: %w", codeAttempts, store.ErrDuplicate)
}

func (s *Service) UpdatePatient(ctx context.Context, id string, req domain.PatientUpdateRequest) (domain.Patient, error) {
	if _, err := s.authorize(ctx, CapPatientsWrite); err != nil {
		return domain.Patient{}, err
	}
	current, err := s.repo.GetPatient(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Patient{}, err
	}
	patient := *current

	fields := []struct {
		value  *string
		target *string
	}{
		{req.LastName, &patient.LastName},
		{req.FirstName, &patient.FirstName},
		{req.Address, &patient.Address},
		{req.Phone, &patient.Phone},
		{req.Email, &patient.Email},
		{req.Insurer, &patient.Insurer},
		{req.InsuranceNumber, &patient.InsuranceNumber},
		{req.Allergies, &patient.Allergies},
		{req.MedicalHistory, &patient.MedicalHistory},
	}
	for _, field := range fields {
		if field.value != nil {
			*field.target = trimPtr(field.value)
		}
	}
	if req.Sex != nil {
		patient.Sex = strings.ToUpper(trimPtr(req.Sex))
	}
	if req.BloodGroup != nil {
		patient.BloodGroup = strings.ToUpper(trimPtr(req.BloodGroup))
	}
	birthDate := ""
	if patient.BirthDate != nil {
		birthDate = patient.BirthDate.Format("2006-01-02")
	}
	if req.BirthDate != nil {
		birthDate = trimPtr(req.BirthDate)
	}
	if err := validatePatient(&patient, birthDate); err != nil {
		return domain.Patient{}, err
	}

	updated, err := s.repo.UpdatePatient(ctx, patient)
	if err != nil {
		return domain.Patient{}, err
	}
	s.logAudit(ctx, "patient_update", "patient", updated.ID, fmt.Sprintf("code=%s", updated.Code))
	return *updated, nil
}

func validatePatient(patient *domain.Patient, birthDate string) error {
	if patient.LastName == "" || patient.FirstName == "" {
		return fmt.Errorf("%w: last and first name are required", store.ErrInvalidTransaction)
	}
	switch patient.Sex {
	case "", "M", "F":
	default:
		return fmt.Errorf("%w: sex must be M or F", store.ErrInvalidTransaction)
	}
	parsed, err := store.ExpiryFromDate(strings.TrimSpace(birthDate))
	if err != nil {
		return fmt.Errorf("%w: birth date must be YYYY-MM-DD", store.ErrInvalidTransaction)
	}
	patient.BirthDate = parsed
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id string) (domain.Patient, error) {
	if _, err := s.authorize(ctx, CapPatientsRead); err != nil {
		return domain.Patient{}, err
	}
	patient, err := s.repo.GetPatient(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Patient{}, err
	}
	return *patient, nil
}

func (s *Service) ListPatients(ctx context.Context, query string, limit int) ([]domain.Patient, error) {
	if _, err := s.authorize(ctx, CapPatientsRead); err != nil {
		return nil, err
	}
	return s.repo.ListPatients(ctx, strings.TrimSpace(query), clampLimit(limit, 50, 500))
}

// prescriptionTransitions lists the statuses reachable from each status.
var prescriptionTransitions = map[string][]string{
	domain.PrescriptionPending:   {domain.PrescriptionValidated, domain.PrescriptionCancelled},
	domain.PrescriptionValidated: {domain.PrescriptionPrepared, domain.PrescriptionCancelled},
	domain.PrescriptionPrepared:  {domain.PrescriptionDelivered, domain.PrescriptionCancelled},
}

func canTransition(from string, to string) bool {
	for _, next := range prescriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func dispensable(status string) bool {
	return status == domain.PrescriptionValidated || status == domain.PrescriptionPrepared
}

func (s *Service) CreatePrescription(ctx context.Context, req domain.PrescriptionCreateRequest) (domain.Prescription, error) {
	actor, err := s.authorize(ctx, CapPrescriptionsWrite)
	if err != nil {
		return domain.Prescription{}, err
	}

	now := s.now().UTC()
	issuedAt := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if raw := strings.TrimSpace(req.IssuedAt); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return domain.Prescription{}, fmt.Errorf("%w: issued date must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		issuedAt = parsed
	}

	prescription := domain.Prescription{
		PatientID:  strings.TrimSpace(req.PatientID),
		Prescriber: strings.TrimSpace(req.Prescriber),
		IssuedAt:   issuedAt,
		Notes:      strings.TrimSpace(req.Notes),
		Status:     domain.PrescriptionPending,
		CreatedBy:  actor.Username,
		CreatedAt:  now,
		UpdatedAt:  now,
		Lines:      make([]domain.PrescriptionLine, 0, len(req.Lines)),
	}
	if prescription.PatientID == "" || prescription.Prescriber == "" {
		return domain.Prescription{}, fmt.Errorf("%w: patient and prescriber are required", store.ErrInvalidTransaction)
	}
	if len(req.Lines) == 0 {
		return domain.Prescription{}, fmt.Errorf("%w: prescription has no lines", store.ErrInvalidTransaction)
	}
	if _, err := s.repo.GetPatient(ctx, prescription.PatientID); err != nil {
		return domain.Prescription{}, err
	}

	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		line.MedicationID = strings.TrimSpace(line.MedicationID)
		line.Dosage = strings.TrimSpace(line.Dosage)
		if line.MedicationID == "" || line.Quantity <= 0 || line.DurationDays < 0 {
			return domain.Prescription{}, fmt.Errorf("%w: each line needs a medication and a positive quantity", store.ErrInvalidTransaction)
		}
		ids = append(ids, line.MedicationID)
		prescription.Lines = append(prescription.Lines, line)
	}
	known, err := s.repo.GetMedicationsByIDs(ctx, ids)
	if err != nil {
		return domain.Prescription{}, err
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return domain.Prescription{}, fmt.Errorf("medication %s: %w", id, store.ErrNotFound)
		}
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.repo.CountPrescriptionsSince(ctx, dayStart)
	if err != nil {
		return domain.Prescription{}, err
	}
	for attempt := 1; attempt <= codeAttempts; attempt++ {
		prescription.ID = xid.New("rx")
		prescription.Number = xid.PrescriptionNumber(now, count+attempt)
		created, err := s.repo.CreatePrescription(ctx, prescription)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return domain.Prescription{}, err
		}
		s.logAudit(ctx, "prescription_create", "prescription", created.ID, fmt.Sprintf("number=%s patient=%s lines=%d", created.Number, created.PatientID, len(created.Lines)))
		return *created, nil
	}
	return domain.Prescription{}, fmt.Errorf("no free prescription number after %d attempts: %w", codeAttempts, store.ErrDuplicate)
}

func (s *Service) GetPrescription(ctx context.Context, id string) (domain.Prescription, error) {
	if _, err := s.authorize(ctx, CapPrescriptionsRead); err != nil {
		return domain.Prescription{}, err
	}
	prescription, err := s.repo.GetPrescription(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Prescription{}, err
	}
	return *prescription, nil
}

func (s *Service) ListPrescriptions(ctx context.Context, status string, limit int) ([]domain.Prescription, error) {
	if _, err := s.authorize(ctx, CapPrescriptionsRead); err != nil {
		return nil, err
	}
	return s.repo.ListPrescriptions(ctx, strings.TrimSpace(status), clampLimit(limit, 50, 500))
}

// UpdatePrescriptionStatus moves a prescription along its workflow. Preparers
// may only mark prescriptions prepared.
func (s *Service) UpdatePrescriptionStatus(ctx context.Context, id string, status string) (domain.Prescription, error) {
	status = strings.TrimSpace(status)
	capability := CapPrescriptionsWrite
	if status == domain.PrescriptionPrepared {
		capability = CapPrescriptionsPrepare
	}
	if _, err := s.authorize(ctx, capability); err != nil {
		return domain.Prescription{}, err
	}

	current, err := s.repo.GetPrescription(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Prescription{}, err
	}
	if !canTransition(current.Status, status) {
		return domain.Prescription{}, fmt.Errorf("%w: cannot move prescription from %s to %s", store.ErrInvalidTransaction, current.Status, status)
	}

	updated, err := s.repo.UpdatePrescriptionStatus(ctx, current.ID, status, s.now().UTC())
	if err != nil {
		return domain.Prescription{}, err
	}
	s.logAudit(ctx, "prescription_"+status, "prescription", updated.ID, fmt.Sprintf("number=%s from=%s", updated.Number, current.Status))
	return *updated, nil
}

// DispensePrescription loads the prescribed quantities into the operator's
// sale basket. Stock is checked as for any basket addition and nothing is
// added when one line fails.
func (s *Service) DispensePrescription(ctx context.Context, id string) (basket.Basket, error) {
	actor, err := s.authorize(ctx, CapPrescriptionsDispense)
	if err != nil {
		return basket.Basket{}, err
	}
	prescription, err := s.repo.GetPrescription(ctx, strings.TrimSpace(id))
	if err != nil {
		return basket.Basket{}, err
	}
	if !dispensable(prescription.Status) {
		return basket.Basket{}, fmt.Errorf("%w: prescription is %s", store.ErrInvalidTransaction, prescription.Status)
	}

	requests := make([]basket.Request, 0, len(prescription.Lines))
	for _, line := range prescription.Lines {
		requests = append(requests, basket.Request{MedicationID: line.MedicationID, Quantity: line.Quantity})
	}
	b, err := s.baskets.AddMany(ctx, actor.SessionID, basket.KindSale, requests)
	if err != nil {
		return basket.Basket{}, err
	}
	s.logAudit(ctx, "prescription_dispense", "prescription", prescription.ID, fmt.Sprintf("number=%s lines=%d", prescription.Number, len(requests)))
	return b, nil
}
