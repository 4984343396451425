package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleCashier    = "cashier"
	RolePreparer   = "preparer"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	PaymentCash       = "cash"
	PaymentCard       = "card"
	PaymentCheque     = "cheque"
	PaymentTransfer   = "transfer"
	PaymentThirdParty = "third_party"
)

const (
	MovementEntry        = "entry"
	MovementSale         = "sale"
	MovementSaleCancel   = "sale_cancel"
	MovementInventory    = "inventory"
	MovementAdjustment   = "adjustment"
	MovementDirectionIn  = "in"
	MovementDirectionOut = "out"
)

const (
	PrescriptionPending   = "pending"
	PrescriptionValidated = "validated"
	PrescriptionPrepared  = "prepared"
	PrescriptionDelivered = "delivered"
	PrescriptionCancelled = "cancelled"
)

const (
	AlertOutOfStock   = "out_of_stock"
	AlertBelowMinimum = "below_minimum"
	AlertExpired      = "expired"
	AlertExpiringSoon = "expiring_soon"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
)

type Medication struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	GenericName   string          `json:"generic_name"`
	Form          string          `json:"form"`
	Dosage        string          `json:"dosage"`
	Category      string          `json:"category"`
	StockOnHand   int             `json:"stock_on_hand"`
	StockMinimum  int             `json:"stock_minimum"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Reimbursable  bool            `json:"reimbursable"`
	Packaging     string          `json:"packaging"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	SupplierID    string          `json:"supplier_id,omitempty"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type MedicationCreateRequest struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	GenericName   string          `json:"generic_name"`
	Form          string          `json:"form"`
	Dosage        string          `json:"dosage"`
	Category      string          `json:"category"`
	StockOnHand   int             `json:"stock_on_hand"`
	StockMinimum  *int            `json:"stock_minimum,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	Reimbursable  bool            `json:"reimbursable"`
	Packaging     string          `json:"packaging"`
	ExpiryDate    string          `json:"expiry_date"`
	SupplierID    string          `json:"supplier_id"`
}

type MedicationUpdateRequest struct {
	Name          *string          `json:"name,omitempty"`
	GenericName   *string          `json:"generic_name,omitempty"`
	Form          *string          `json:"form,omitempty"`
	Dosage        *string          `json:"dosage,omitempty"`
	Category      *string          `json:"category,omitempty"`
	StockMinimum  *int             `json:"stock_minimum,omitempty"`
	PurchasePrice *decimal.Decimal `json:"purchase_price,omitempty"`
	SalePrice     *decimal.Decimal `json:"sale_price,omitempty"`
	TaxRate       *decimal.Decimal `json:"tax_rate,omitempty"`
	Reimbursable  *bool            `json:"reimbursable,omitempty"`
	Packaging     *string          `json:"packaging,omitempty"`
	ExpiryDate    *string          `json:"expiry_date,omitempty"`
	SupplierID    *string          `json:"supplier_id,omitempty"`
	Active        *bool            `json:"active,omitempty"`
}

type MedicationFilter struct {
	Query    string
	Category string
	LowStock bool
	Limit    int
}

type StockAdjustmentRequest struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type StockMovement struct {
	ID            string    `json:"id"`
	MedicationID  string    `json:"medication_id"`
	Type          string    `json:"type"`
	Direction     string    `json:"direction"`
	Quantity      int       `json:"quantity"`
	StockAfter    int       `json:"stock_after"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
}

type StockAlert struct {
	MedicationID string     `json:"medication_id"`
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Priority     string     `json:"priority"`
	StockOnHand  int        `json:"stock_on_hand"`
	StockMinimum int        `json:"stock_minimum"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	Message      string     `json:"message"`
}

type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Invalid  int      `json:"invalid"`
	Errors   []string `json:"errors,omitempty"`
}

type Supplier struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Address       string    `json:"address"`
	BankDetails   string    `json:"bank_details"`
	Notes         string    `json:"notes"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name          string `json:"name"`
	ContactPerson string `json:"contact_person"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	Address       string `json:"address"`
	BankDetails   string `json:"bank_details"`
	Notes         string `json:"notes"`
}

type SupplierUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	ContactPerson *string `json:"contact_person,omitempty"`
	Phone         *string `json:"phone,omitempty"`
	Email         *string `json:"email,omitempty"`
	Address       *string `json:"address,omitempty"`
	BankDetails   *string `json:"bank_details,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

type Patient struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	LastName        string     `json:"last_name"`
	FirstName       string     `json:"first_name"`
	BirthDate       *time.Time `json:"birth_date,omitempty"`
	Sex             string     `json:"sex"`
	BloodGroup      string     `json:"blood_group"`
	Address         string     `json:"address"`
	Phone           string     `json:"phone"`
	Email           string     `json:"email"`
	Insurer         string     `json:"insurer"`
	InsuranceNumber string     `json:"insurance_number"`
	Allergies       string     `json:"allergies"`
	MedicalHistory  string     `json:"medical_history"`
	CreatedAt       time.Time  `json:"created_at"`
}

type PatientCreateRequest struct {
	LastName        string `json:"last_name"`
	FirstName       string `json:"first_name"`
	BirthDate       string `json:"birth_date"`
	Sex             string `json:"sex"`
	BloodGroup      string `json:"blood_group"`
	Address         string `json:"address"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Insurer         string `json:"insurer"`
	InsuranceNumber string `json:"insurance_number"`
	Allergies       string `json:"allergies"`
	MedicalHistory  string `json:"medical_history"`
}

type PatientUpdateRequest struct {
	LastName        *string `json:"last_name,omitempty"`
	FirstName       *string `json:"first_name,omitempty"`
	BirthDate       *string `json:"birth_date,omitempty"`
	Sex             *string `json:"sex,omitempty"`
	BloodGroup      *string `json:"blood_group,omitempty"`
	Address         *string `json:"address,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	Email           *string `json:"email,omitempty"`
	Insurer         *string `json:"insurer,omitempty"`
	InsuranceNumber *string `json:"insurance_number,omitempty"`
	Allergies       *string `json:"allergies,omitempty"`
	MedicalHistory  *string `json:"medical_history,omitempty"`
}

type Sale struct {
	ID               string          `json:"id"`
	TicketNumber     string          `json:"ticket_number"`
	OperatorUsername string          `json:"operator_username"`
	OperatorName     string          `json:"operator_name"`
	PatientID        string          `json:"patient_id,omitempty"`
	PrescriptionID   string          `json:"prescription_id,omitempty"`
	PaymentMethod    string          `json:"payment_method"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AmountTendered   decimal.Decimal `json:"amount_tendered"`
	ChangeDue        decimal.Decimal `json:"change_due"`
	Status           string          `json:"status"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	Lines            []SaleLine      `json:"lines"`
}

type SaleLine struct {
	MedicationID string          `json:"medication_id"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	Discount     decimal.Decimal `json:"discount"`
}

// LineTotal is the amount charged for the line. Sale prices include tax.
func (l SaleLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Sub(l.Discount)
}

type CommitSaleRequest struct {
	PatientID      string          `json:"patient_id"`
	PrescriptionID string          `json:"prescription_id"`
	PaymentMethod  string          `json:"payment_method"`
	AmountTendered decimal.Decimal `json:"amount_tendered"`
}

type CancelSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type SaleResponse struct {
	Sale    Sale    `json:"sale"`
	Receipt Receipt `json:"receipt"`
}

type ProformaQuote struct {
	ID          string          `json:"id"`
	Reference   string          `json:"reference"`
	ClientName  string          `json:"client_name"`
	PatientID   string          `json:"patient_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	ValidUntil  time.Time       `json:"valid_until"`
	Lines       []ProformaLine  `json:"lines"`
}

type ProformaLine struct {
	MedicationID string          `json:"medication_id"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	Discount     decimal.Decimal `json:"discount"`
}

func (l ProformaLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Sub(l.Discount)
}

type SaveProformaRequest struct {
	ClientName   string `json:"client_name"`
	PatientID    string `json:"patient_id"`
	ValidityDays int    `json:"validity_days"`
}

type Prescription struct {
	ID         string             `json:"id"`
	Number     string             `json:"number"`
	PatientID  string             `json:"patient_id"`
	Prescriber string             `json:"prescriber"`
	IssuedAt   time.Time          `json:"issued_at"`
	Notes      string             `json:"notes"`
	Status     string             `json:"status"`
	CreatedBy  string             `json:"created_by"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Lines      []PrescriptionLine `json:"lines"`
}

type PrescriptionLine struct {
	MedicationID  string `json:"medication_id"`
	Quantity      int    `json:"quantity"`
	Dosage        string `json:"dosage"`
	DurationDays  int    `json:"duration_days"`
	Substitutable bool   `json:"substitutable"`
}

type PrescriptionCreateRequest struct {
	PatientID  string             `json:"patient_id"`
	Prescriber string             `json:"prescriber"`
	IssuedAt   string             `json:"issued_at"`
	Notes      string             `json:"notes"`
	Lines      []PrescriptionLine `json:"lines"`
}

type PrescriptionStatusRequest struct {
	Status string `json:"status"`
}

type Receipt struct {
	TicketNumber    string          `json:"ticket_number"`
	Placeholder     bool            `json:"placeholder"`
	IssuedAt        string          `json:"issued_at"`
	Lines           []ReceiptLine   `json:"lines"`
	Total           decimal.Decimal `json:"total"`
	AmountTendered  decimal.Decimal `json:"amount_tendered"`
	ChangeDue       decimal.Decimal `json:"change_due"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	Operator        string          `json:"operator"`
	PharmacyName    string          `json:"pharmacy_name"`
	PharmacyAddress string          `json:"pharmacy_address,omitempty"`
	PharmacyPhone   string          `json:"pharmacy_phone,omitempty"`
	Currency        string          `json:"currency"`
	Footer          string          `json:"footer"`
}

type ReceiptLine struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type PrintableReceipt struct {
	TicketNumber string `json:"ticket_number"`
	PreviewText  string `json:"preview_text"`
	EscposBase64 string `json:"escpos_base64"`
	FileName     string `json:"file_name"`
}

type PharmacySettings struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Phone         string    `json:"phone"`
	Currency      string    `json:"currency"`
	ReceiptFooter string    `json:"receipt_footer"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DailyReport struct {
	Date           string                `json:"date"`
	Sales          int                   `json:"sales"`
	CancelledSales int                   `json:"cancelled_sales"`
	ItemsSold      int                   `json:"items_sold"`
	GrossTotal     decimal.Decimal       `json:"gross_total"`
	TaxTotal       decimal.Decimal       `json:"tax_total"`
	ByPayment      []DailyReportPayment  `json:"by_payment"`
	ByOperator     []DailyReportOperator `json:"by_operator"`
}

type DailyReportPayment struct {
	PaymentMethod string          `json:"payment_method"`
	Sales         int             `json:"sales"`
	Total         decimal.Decimal `json:"total"`
}

type DailyReportOperator struct {
	Operator string          `json:"operator"`
	Sales    int             `json:"sales"`
	Total    decimal.Decimal `json:"total"`
}

type DashboardSummary struct {
	Date               string          `json:"date"`
	SalesToday         int             `json:"sales_today"`
	RevenueToday       decimal.Decimal `json:"revenue_today"`
	Patients           int             `json:"patients"`
	PrescriptionsToday int             `json:"prescriptions_today"`
	Alerts             int             `json:"alerts"`
	CriticalAlerts     int             `json:"critical_alerts"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"-"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type UserView struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RolePharmacist, RoleCashier, RolePreparer:
		return true
	default:
		return false
	}
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentCheque, PaymentTransfer, PaymentThirdParty:
		return true
	default:
		return false
	}
}
