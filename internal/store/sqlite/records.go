package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
	"pharmaweb/backend/internal/xid"
)

type supplierRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	ContactPerson string `db:"contact_person"`
	Phone         string `db:"phone"`
	Email         string `db:"email"`
	Address       string `db:"address"`
	BankDetails   string `db:"bank_details"`
	Notes         string `db:"notes"`
	Active        bool   `db:"active"`
	CreatedAt     string `db:"created_at"`
}

const supplierColumns = `id, name, contact_person, phone, email, address, bank_details, notes, active, created_at`

func toSupplierRow(s domain.Supplier) supplierRow {
	return supplierRow{
		ID:            s.ID,
		Name:          s.Name,
		ContactPerson: s.ContactPerson,
		Phone:         s.Phone,
		Email:         s.Email,
		Address:       s.Address,
		BankDetails:   s.BankDetails,
		Notes:         s.Notes,
		Active:        s.Active,
		CreatedAt:     formatTime(s.CreatedAt),
	}
}

func (r supplierRow) domain() domain.Supplier {
	return domain.Supplier{
		ID:            r.ID,
		Name:          r.Name,
		ContactPerson: r.ContactPerson,
		Phone:         r.Phone,
		Email:         r.Email,
		Address:       r.Address,
		BankDetails:   r.BankDetails,
		Notes:         r.Notes,
		Active:        r.Active,
		CreatedAt:     parseTime(r.CreatedAt),
	}
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

	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO suppliers (`+supplierColumns+`)
		VALUES (:id, :name, :contact_person, :phone, :email, :address, :bank_details, :notes, :active, :created_at)`,
		toSupplierRow(supplier)); err != nil {
		return nil, err
	}
	return s.GetSupplier(ctx, supplier.ID)
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE suppliers SET
		name = :name, contact_person = :contact_person, phone = :phone, email = :email,
		address = :address, bank_details = :bank_details, notes = :notes, active = :active
		WHERE id = :id`, toSupplierRow(supplier))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetSupplier(ctx, supplier.ID)
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var row supplierRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+supplierColumns+` FROM suppliers WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	supplier := row.domain()
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context, includeInactive bool) ([]domain.Supplier, error) {
	var rows []supplierRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+supplierColumns+` FROM suppliers
		WHERE active = 1 OR ? ORDER BY lower(name)`, includeInactive); err != nil {
		return nil, err
	}
	result := make([]domain.Supplier, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, nil
}

type patientRow struct {
	ID              string         `db:"id"`
	Code            string         `db:"code"`
	LastName        string         `db:"last_name"`
	FirstName       string         `db:"first_name"`
	BirthDate       sql.NullString `db:"birth_date"`
	Sex             string         `db:"sex"`
	BloodGroup      string         `db:"blood_group"`
	Address         string         `db:"address"`
	Phone           string         `db:"phone"`
	Email           string         `db:"email"`
	Insurer         string         `db:"insurer"`
	InsuranceNumber string         `db:"insurance_number"`
	Allergies       string         `db:"allergies"`
	MedicalHistory  string         `db:"medical_history"`
	CreatedAt       string         `db:"created_at"`
}

const patientColumns = `id, code, last_name, first_name, birth_date, sex, blood_group, address, phone, email,
	insurer, insurance_number, allergies, medical_history, created_at`

func toPatientRow(p domain.Patient) patientRow {
	return patientRow{
		ID:              p.ID,
		Code:            p.Code,
		LastName:        p.LastName,
		FirstName:       p.FirstName,
		BirthDate:       nullDate(p.BirthDate),
		Sex:             p.Sex,
		BloodGroup:      p.BloodGroup,
		Address:         p.Address,
		Phone:           p.Phone,
		Email:           p.Email,
		Insurer:         p.Insurer,
		InsuranceNumber: p.InsuranceNumber,
		Allergies:       p.Allergies,
		MedicalHistory:  p.MedicalHistory,
		CreatedAt:       formatTime(p.CreatedAt),
	}
}

func (r patientRow) domain() domain.Patient {
	return domain.Patient{
		ID:              r.ID,
		Code:            r.Code,
		LastName:        r.LastName,
		FirstName:       r.FirstName,
		BirthDate:       datePtr(r.BirthDate),
		Sex:             r.Sex,
		BloodGroup:      r.BloodGroup,
		Address:         r.Address,
		Phone:           r.Phone,
		Email:           r.Email,
		Insurer:         r.Insurer,
		InsuranceNumber: r.InsuranceNumber,
		Allergies:       r.Allergies,
		MedicalHistory:  r.MedicalHistory,
		CreatedAt:       parseTime(r.CreatedAt),
	}
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

	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO patients (`+patientColumns+`)
		VALUES (:id, :code, :last_name, :first_name, :birth_date, :sex, :blood_group, :address, :phone, :email,
		:insurer, :insurance_number, :allergies, :medical_history, :created_at)`, toPatientRow(patient)); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return s.GetPatient(ctx, patient.ID)
}

// UpdatePatient never changes the patient code.
func (s *Store) UpdatePatient(ctx context.Context, patient domain.Patient) (*domain.Patient, error) {
	if strings.TrimSpace(patient.LastName) == "" {
		return nil, store.ErrInvalidTransaction
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE patients SET
		last_name = :last_name, first_name = :first_name, birth_date = :birth_date, sex = :sex,
		blood_group = :blood_group, address = :address, phone = :phone, email = :email, insurer = :insurer,
		insurance_number = :insurance_number, allergies = :allergies, medical_history = :medical_history
		WHERE id = :id`, toPatientRow(patient))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPatient(ctx, patient.ID)
}

func (s *Store) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	var row patientRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	patient := row.domain()
	return &patient, nil
}

func (s *Store) ListPatients(ctx context.Context, query string, limit int) ([]domain.Patient, error) {
	if limit <= 0 {
		limit = -1
	}
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var rows []patientRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+patientColumns+` FROM patients
		WHERE lower(last_name) LIKE ? OR lower(first_name) LIKE ? OR lower(code) LIKE ? OR lower(phone) LIKE ?
		ORDER BY last_name, first_name LIMIT ?`, like, like, like, like, limit); err != nil {
		return nil, err
	}
	result := make([]domain.Patient, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain())
	}
	return result, nil
}

func (s *Store) CountPatients(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM patients`)
	return count, err
}

type prescriptionRow struct {
	ID         string `db:"id"`
	Number     string `db:"number"`
	PatientID  string `db:"patient_id"`
	Prescriber string `db:"prescriber"`
	IssuedAt   string `db:"issued_at"`
	Notes      string `db:"notes"`
	Status     string `db:"status"`
	CreatedBy  string `db:"created_by"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

type prescriptionLineRow struct {
	PrescriptionID string `db:"prescription_id"`
	LineNo         int    `db:"line_no"`
	MedicationID   string `db:"medication_id"`
	Quantity       int    `db:"quantity"`
	Dosage         string `db:"dosage"`
	DurationDays   int    `db:"duration_days"`
	Substitutable  bool   `db:"substitutable"`
}

const prescriptionColumns = `id, number, patient_id, prescriber, issued_at, notes, status, created_by, created_at, updated_at`

func (r prescriptionRow) domain(lines []prescriptionLineRow) domain.Prescription {
	prescription := domain.Prescription{
		ID:         r.ID,
		Number:     r.Number,
		PatientID:  r.PatientID,
		Prescriber: r.Prescriber,
		IssuedAt:   parseTime(r.IssuedAt),
		Notes:      r.Notes,
		Status:     r.Status,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
		Lines:      make([]domain.PrescriptionLine, 0, len(lines)),
	}
	for _, line := range lines {
		prescription.Lines = append(prescription.Lines, domain.PrescriptionLine{
			MedicationID:  line.MedicationID,
			Quantity:      line.Quantity,
			Dosage:        line.Dosage,
			DurationDays:  line.DurationDays,
			Substitutable: line.Substitutable,
		})
	}
	return prescription
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

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM patients WHERE id = ?`, prescription.PatientID); err != nil {
			return err
		}
		if exists == 0 {
			return store.ErrNotFound
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO prescriptions (`+prescriptionColumns+`)
			VALUES (:id, :number, :patient_id, :prescriber, :issued_at, :notes, :status, :created_by, :created_at, :updated_at)`,
			prescriptionRow{
				ID:         prescription.ID,
				Number:     prescription.Number,
				PatientID:  prescription.PatientID,
				Prescriber: prescription.Prescriber,
				IssuedAt:   formatTime(prescription.IssuedAt),
				Notes:      prescription.Notes,
				Status:     prescription.Status,
				CreatedBy:  prescription.CreatedBy,
				CreatedAt:  formatTime(prescription.CreatedAt),
				UpdatedAt:  formatTime(prescription.UpdatedAt),
			}); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return err
		}
		for i, line := range prescription.Lines {
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO prescription_lines
				(prescription_id, line_no, medication_id, quantity, dosage, duration_days, substitutable)
				VALUES (:prescription_id, :line_no, :medication_id, :quantity, :dosage, :duration_days, :substitutable)`,
				prescriptionLineRow{
					PrescriptionID: prescription.ID,
					LineNo:         i,
					MedicationID:   line.MedicationID,
					Quantity:       line.Quantity,
					Dosage:         line.Dosage,
					DurationDays:   line.DurationDays,
					Substitutable:  line.Substitutable,
				}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPrescription(ctx, prescription.ID)
}

func (s *Store) GetPrescription(ctx context.Context, id string) (*domain.Prescription, error) {
	var row prescriptionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lines, err := s.prescriptionLines(ctx, []string{row.ID})
	if err != nil {
		return nil, err
	}
	prescription := row.domain(lines[row.ID])
	return &prescription, nil
}

func (s *Store) prescriptionLines(ctx context.Context, ids []string) (map[string][]prescriptionLineRow, error) {
	result := make(map[string][]prescriptionLineRow, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT prescription_id, line_no, medication_id, quantity, dosage, duration_days, substitutable
		FROM prescription_lines WHERE prescription_id IN (?) ORDER BY prescription_id, line_no`, ids)
	if err != nil {
		return nil, err
	}
	var rows []prescriptionLineRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.PrescriptionID] = append(result[row.PrescriptionID], row)
	}
	return result, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, status string, limit int) ([]domain.Prescription, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []prescriptionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+prescriptionColumns+` FROM prescriptions
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, number DESC LIMIT ?`, status, status, limit); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := s.prescriptionLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Prescription, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.domain(lines[row.ID]))
	}
	return result, nil
}

func (s *Store) UpdatePrescriptionStatus(ctx context.Context, id string, status string, at time.Time) (*domain.Prescription, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE prescriptions SET status = ?, updated_at = ? WHERE id = ?`, status, formatTime(at), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPrescription(ctx, id)
}

func (s *Store) CountPrescriptionsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM prescriptions WHERE created_at >= ?`, formatTime(since))
	return count, err
}

type auditRow struct {
	ID            string `db:"id"`
	ActorUsername string `db:"actor_username"`
	ActorRole     string `db:"actor_role"`
	Action        string `db:"action"`
	EntityType    string `db:"entity_type"`
	EntityID      string `db:"entity_id"`
	Detail        string `db:"detail"`
	CreatedAt     string `db:"created_at"`
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO audit_logs
		(id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)`,
		auditRow{
			ID:            entry.ID,
			ActorUsername: entry.ActorUsername,
			ActorRole:     entry.ActorRole,
			Action:        entry.Action,
			EntityType:    entry.EntityType,
			EntityID:      entry.EntityID,
			Detail:        entry.Detail,
			CreatedAt:     formatTime(entry.CreatedAt),
		})
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, formatTime(from), formatTime(to), limit); err != nil {
		return nil, err
	}
	result := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.AuditLog{
			ID:            row.ID,
			ActorUsername: row.ActorUsername,
			ActorRole:     row.ActorRole,
			Action:        row.Action,
			EntityType:    row.EntityType,
			EntityID:      row.EntityID,
			Detail:        row.Detail,
			CreatedAt:     parseTime(row.CreatedAt),
		})
	}
	return result, nil
}

type userRow struct {
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
	Password    string `db:"password"`
	Role        string `db:"role"`
	Active      bool   `db:"active"`
	CreatedAt   string `db:"created_at"`
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

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO users (username, display_name, password, role, active, created_at)
		VALUES (:username, :display_name, :password, :role, :active, :created_at)`,
		userRow{
			Username:    username,
			DisplayName: user.DisplayName,
			Password:    user.Password,
			Role:        user.Role,
			Active:      true,
			CreatedAt:   formatTime(user.CreatedAt),
		})
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT username, display_name, password, role, active, created_at
		FROM users ORDER BY username`); err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:    row.Username,
			DisplayName: row.DisplayName,
			Password:    row.Password,
			Role:        row.Role,
			Active:      row.Active,
			CreatedAt:   parseTime(row.CreatedAt),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, password, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type settingsRow struct {
	Name          string `db:"name"`
	Address       string `db:"address"`
	Phone         string `db:"phone"`
	Currency      string `db:"currency"`
	ReceiptFooter string `db:"receipt_footer"`
	UpdatedAt     string `db:"updated_at"`
}

func (s *Store) GetSettings(ctx context.Context) (domain.PharmacySettings, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, `SELECT name, address, phone, currency, receipt_footer, updated_at FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DefaultSettings(), nil
	}
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	return domain.PharmacySettings{
		Name:          row.Name,
		Address:       row.Address,
		Phone:         row.Phone,
		Currency:      row.Currency,
		ReceiptFooter: row.ReceiptFooter,
		UpdatedAt:     parseTime(row.UpdatedAt),
	}, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.PharmacySettings) (*domain.PharmacySettings, error) {
	if strings.TrimSpace(settings.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO settings (id, name, address, phone, currency, receipt_footer, updated_at)
		VALUES (1, :name, :address, :phone, :currency, :receipt_footer, :updated_at)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, address = excluded.address, phone = excluded.phone,
			currency = excluded.currency, receipt_footer = excluded.receipt_footer, updated_at = excluded.updated_at`,
		settingsRow{
			Name:          settings.Name,
			Address:       settings.Address,
			Phone:         settings.Phone,
			Currency:      settings.Currency,
			ReceiptFooter: settings.ReceiptFooter,
			UpdatedAt:     formatTime(settings.UpdatedAt),
		})
	if err != nil {
		return nil, err
	}
	saved, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
