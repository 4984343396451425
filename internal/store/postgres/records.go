package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

const supplierColumns = `id, name, contact_person, phone, email, address, bank_details, notes, active, created_at`

func scanSupplier(row rowScanner) (domain.Supplier, error) {
	var supplier domain.Supplier
	err := row.Scan(&supplier.ID, &supplier.Name, &supplier.ContactPerson, &supplier.Phone, &supplier.Email,
		&supplier.Address, &supplier.BankDetails, &supplier.Notes, &supplier.Active, &supplier.CreatedAt)
	supplier.CreatedAt = supplier.CreatedAt.UTC()
	return supplier, err
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	supplier.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (`+supplierColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, supplier.ID, supplier.Name, supplier.ContactPerson, supplier.Phone, supplier.Email, supplier.Address,
		supplier.BankDetails, supplier.Notes, supplier.Active, supplier.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE suppliers
		SET name = $2, contact_person = $3, phone = $4, email = $5, address = $6,
		    bank_details = $7, notes = $8, active = $9
		WHERE id = $1
	`, supplier.ID, supplier.Name, supplier.ContactPerson, supplier.Phone, supplier.Email, supplier.Address,
		supplier.BankDetails, supplier.Notes, supplier.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetSupplier(ctx, supplier.ID)
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	supplier, err := scanSupplier(s.db.QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context, includeInactive bool) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+supplierColumns+`
		FROM suppliers
		WHERE active = true OR $1
		ORDER BY lower(name)
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		supplier, err := scanSupplier(rows)
		if err != nil {
			return nil, err
		}
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

const patientColumns = `id, code, last_name, first_name, birth_date, sex, blood_group, address, phone, email,
	insurer, insurance_number, allergies, medical_history, created_at`

func scanPatient(row rowScanner) (domain.Patient, error) {
	var p domain.Patient
	var birth sql.NullTime
	err := row.Scan(&p.ID, &p.Code, &p.LastName, &p.FirstName, &birth, &p.Sex, &p.BloodGroup, &p.Address,
		&p.Phone, &p.Email, &p.Insurer, &p.InsuranceNumber, &p.Allergies, &p.MedicalHistory, &p.CreatedAt)
	if err != nil {
		return domain.Patient{}, err
	}
	if birth.Valid {
		b := nowDateUTC(birth.Time)
		p.BirthDate = &b
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) CreatePatient(ctx context.Context, patient domain.Patient) (*domain.Patient, error) {
	if strings.TrimSpace(patient.Code) == "" || strings.TrimSpace(patient.LastName) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if patient.ID == "" {
		patient.ID = xid.New("pat")
	}
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, patient.ID, patient.Code, patient.LastName, patient.FirstName, nullDate(patient.BirthDate), patient.Sex,
		patient.BloodGroup, patient.Address, patient.Phone, patient.Email, patient.Insurer, patient.InsuranceNumber,
		patient.Allergies, patient.MedicalHistory, patient.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := patient
	return &created, nil
}

func (s *Store) UpdatePatient(ctx context.Context, patient domain.Patient) (*domain.Patient, error) {
	if strings.TrimSpace(patient.LastName) == "" {
		return nil, store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE patients
		SET last_name = $2, first_name = $3, birth_date = $4, sex = $5, blood_group = $6, address = $7,
		    phone = $8, email = $9, insurer = $10, insurance_number = $11, allergies = $12, medical_history = $13
		WHERE id = $1
	`, patient.ID, patient.LastName, patient.FirstName, nullDate(patient.BirthDate), patient.Sex, patient.BloodGroup,
		patient.Address, patient.Phone, patient.Email, patient.Insurer, patient.InsuranceNumber, patient.Allergies,
		patient.MedicalHistory)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPatient(ctx, patient.ID)
}

func (s *Store) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	patient, err := scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &patient, nil
}

func (s *Store) ListPatients(ctx context.Context, query string, limit int) ([]domain.Patient, error) {
	if limit < 1 {
		limit = 100
	}
	like := "%" + strings.TrimSpace(query) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE last_name ILIKE $1 OR first_name ILIKE $1 OR code ILIKE $1 OR phone ILIKE $1
		ORDER BY last_name, first_name
		LIMIT $2
	`, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patients := make([]domain.Patient, 0, limit)
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) CountPatients(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&count)
	return count, err
}

const prescriptionColumns = `id, number, patient_id, prescriber, issued_at, notes, status, created_by, created_at, updated_at`

func scanPrescription(row rowScanner) (domain.Prescription, error) {
	var p domain.Prescription
	err := row.Scan(&p.ID, &p.Number, &p.PatientID, &p.Prescriber, &p.IssuedAt, &p.Notes, &p.Status,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Prescription{}, err
	}
	p.IssuedAt = p.IssuedAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) CreatePrescription(ctx context.Context, prescription domain.Prescription) (*domain.Prescription, error) {
	if strings.TrimSpace(prescription.Number) == "" || strings.TrimSpace(prescription.PatientID) == "" || len(prescription.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if prescription.ID == "" {
		prescription.ID = xid.New("rx")
	}
	if prescription.CreatedAt.IsZero() {
		prescription.CreatedAt = time.Now().UTC()
	}
	prescription.UpdatedAt = prescription.CreatedAt
	if prescription.Status == "" {
		prescription.Status = domain.PrescriptionPending
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM patients WHERE id = $1)`, prescription.PatientID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prescriptions (`+prescriptionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, prescription.ID, prescription.Number, prescription.PatientID, prescription.Prescriber, prescription.IssuedAt,
		prescription.Notes, prescription.Status, prescription.CreatedBy, prescription.CreatedAt, prescription.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	for i, line := range prescription.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prescription_lines (prescription_id, line_no, medication_id, quantity, dosage, duration_days, substitutable)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, prescription.ID, i, line.MedicationID, line.Quantity, line.Dosage, line.DurationDays, line.Substitutable)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := prescription
	created.Lines = append([]domain.PrescriptionLine(nil), prescription.Lines...)
	return &created, nil
}

func (s *Store) prescriptionLines(ctx context.Context, ids []string) (map[string][]domain.PrescriptionLine, error) {
	result := make(map[string][]domain.PrescriptionLine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT prescription_id, medication_id, quantity, dosage, duration_days, substitutable
		FROM prescription_lines
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var line domain.PrescriptionLine
		if err := rows.Scan(&id, &line.MedicationID, &line.Quantity, &line.Dosage, &line.DurationDays, &line.Substitutable); err != nil {
			return nil, err
		}
		result[id] = append(result[id], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetPrescription(ctx context.Context, id string) (*domain.Prescription, error) {
	prescription, err := scanPrescription(s.db.QueryRowContext(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := s.prescriptionLines(ctx, []string{prescription.ID})
	if err != nil {
		return nil, err
	}
	prescription.Lines = lines[prescription.ID]
	return &prescription, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, status string, limit int) ([]domain.Prescription, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, number DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prescriptions := make([]domain.Prescription, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		prescription, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		prescriptions = append(prescriptions, prescription)
		ids = append(ids, prescription.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := s.prescriptionLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range prescriptions {
		prescriptions[i].Lines = lines[prescriptions[i].ID]
	}
	return prescriptions, nil
}

func (s *Store) UpdatePrescriptionStatus(ctx context.Context, id string, status string, at time.Time) (*domain.Prescription, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE prescriptions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPrescription(ctx, id)
}

func (s *Store) CountPrescriptionsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prescriptions WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType,
			&entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, display_name, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,true,$5)
	`, username, user.DisplayName, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, display_name, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.DisplayName, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context) (domain.PharmacySettings, error) {
	var settings domain.PharmacySettings
	err := s.db.QueryRowContext(ctx, `
		SELECT name, address, phone, currency, receipt_footer, updated_at
		FROM pharmacy_settings
		WHERE id = 1
	`).Scan(&settings.Name, &settings.Address, &settings.Phone, &settings.Currency, &settings.ReceiptFooter, &settings.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DefaultSettings(), nil
	}
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.PharmacySettings) (*domain.PharmacySettings, error) {
	if strings.TrimSpace(settings.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pharmacy_settings (id, name, address, phone, currency, receipt_footer, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address, phone = EXCLUDED.phone,
		              currency = EXCLUDED.currency, receipt_footer = EXCLUDED.receipt_footer,
		              updated_at = EXCLUDED.updated_at
	`, settings.Name, settings.Address, settings.Phone, settings.Currency, settings.ReceiptFooter, settings.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := settings
	return &saved, nil
}
