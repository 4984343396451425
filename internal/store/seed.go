package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/xid"
)

// SeedUsers builds the dev/demo accounts with hashed passwords. Credentials
// come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev
// defaults with a warning. Production runs on PostgreSQL and never seeds.
func SeedUsers(logPrefix string) ([]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Printf("%s WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.", logPrefix)
	}

	now := time.Now().UTC()
	users := []domain.UserAccount{
		{Username: "admin", DisplayName: "Administrator", Password: adminPwd, Role: domain.RoleAdmin},
		{Username: "cashier", DisplayName: "Cashier", Password: cashierPwd, Role: domain.RoleCashier},
	}
	for i := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(users[i].Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", users[i].Username, err)
		}
		users[i].Password = string(hash)
		users[i].Active = true
		users[i].CreatedAt = now
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SeedMedications is the demo catalog shared by the embedded stores.
func SeedMedications(now time.Time) []domain.Medication {
	price := decimal.RequireFromString
	expiry := func(months int) *time.Time {
		t := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
		return &t
	}
	meds := []domain.Medication{
		{Code: "3400930000011", Name: "Paracetamol 500mg", GenericName: "paracetamol", Form: "tablet", Dosage: "500mg", Category: "analgesic", StockOnHand: 120, StockMinimum: 20, PurchasePrice: price("1.20"), SalePrice: price("2.50"), TaxRate: decimal.Zero, Packaging: "box of 16", ExpiryDate: expiry(18)},
		{Code: "3400930000028", Name: "Ibuprofen 400mg", GenericName: "ibuprofen", Form: "tablet", Dosage: "400mg", Category: "analgesic", StockOnHand: 80, StockMinimum: 15, PurchasePrice: price("1.90"), SalePrice: price("3.80"), TaxRate: decimal.Zero, Packaging: "box of 20", ExpiryDate: expiry(24)},
		{Code: "3400930000035", Name: "Amoxicillin 1g", GenericName: "amoxicillin", Form: "tablet", Dosage: "1g", Category: "antibiotic", StockOnHand: 40, StockMinimum: 10, PurchasePrice: price("3.10"), SalePrice: price("7.20"), TaxRate: decimal.Zero, Reimbursable: true, Packaging: "box of 12", ExpiryDate: expiry(12)},
		{Code: "3400930000042", Name: "Artemether-Lumefantrine", GenericName: "artemether/lumefantrine", Form: "tablet", Dosage: "20/120mg", Category: "antimalarial", StockOnHand: 60, StockMinimum: 25, PurchasePrice: price("2.40"), SalePrice: price("5.50"), TaxRate: decimal.Zero, Reimbursable: true, Packaging: "box of 24", ExpiryDate: expiry(9)},
		{Code: "3400930000059", Name: "ORS sachet", GenericName: "oral rehydration salts", Form: "powder", Dosage: "20.5g", Category: "rehydration", StockOnHand: 200, StockMinimum: 50, PurchasePrice: price("0.15"), SalePrice: price("0.40"), TaxRate: decimal.Zero, Packaging: "sachet", ExpiryDate: expiry(30)},
		{Code: "3400930000066", Name: "Vitamin C 500mg", GenericName: "ascorbic acid", Form: "effervescent tablet", Dosage: "500mg", Category: "supplement", StockOnHand: 90, StockMinimum: 10, PurchasePrice: price("1.50"), SalePrice: price("3.48"), TaxRate: decimal.NewFromInt(16), Packaging: "tube of 20", ExpiryDate: expiry(20)},
		{Code: "3400930000073", Name: "Cough syrup 125ml", GenericName: "carbocisteine", Form: "syrup", Dosage: "5%", Category: "respiratory", StockOnHand: 8, StockMinimum: 12, PurchasePrice: price("2.10"), SalePrice: price("4.64"), TaxRate: decimal.NewFromInt(16), Packaging: "bottle", ExpiryDate: expiry(1)},
		{Code: "3400930000080", Name: "Surgical mask", GenericName: "mask", Form: "device", Category: "consumable", StockOnHand: 300, StockMinimum: 100, PurchasePrice: price("0.05"), SalePrice: price("0.23"), TaxRate: decimal.NewFromInt(16), Packaging: "unit"},
	}
	for i := range meds {
		meds[i].ID = xid.New("med")
		meds[i].Active = true
		meds[i].CreatedAt = now
		meds[i].UpdatedAt = now
	}
	return meds
}
