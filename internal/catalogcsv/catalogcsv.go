package catalogcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
)

// Columns is the header written by Export and understood by Parse.
var Columns = []string{
	"code", "name", "generic_name", "form", "dosage", "category",
	"purchase_price", "sale_price", "tax_rate", "stock_on_hand", "stock_minimum", "expiry_date",
}

var ErrMissingHeader = errors.New("catalog csv: missing code or name column")

const defaultStockMinimum = 10

// Parse reads medications from a CSV with a header row. Columns may come in
// any order; malformed rows are counted in the result and skipped.
func Parse(r io.Reader) ([]domain.Medication, domain.ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, domain.ImportResult{}, fmt.Errorf("catalog csv: read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	if _, ok := index["code"]; !ok {
		return nil, domain.ImportResult{}, ErrMissingHeader
	}
	if _, ok := index["name"]; !ok {
		return nil, domain.ImportResult{}, ErrMissingHeader
	}

	var result domain.ImportResult
	meds := make([]domain.Medication, 0, 64)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		med, err := parseRow(record, index)
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		meds = append(meds, med)
	}
	return meds, result, nil
}

func parseRow(record []string, index map[string]int) (domain.Medication, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	med := domain.Medication{
		Code:         field("code"),
		Name:         field("name"),
		GenericName:  field("generic_name"),
		Form:         field("form"),
		Dosage:       field("dosage"),
		Category:     field("category"),
		StockMinimum: defaultStockMinimum,
		Active:       true,
	}
	if med.Code == "" || med.Name == "" {
		return domain.Medication{}, errors.New("code and name are required")
	}

	var err error
	if med.PurchasePrice, err = decimalField(field("purchase_price")); err != nil {
		return domain.Medication{}, fmt.Errorf("purchase_price: %w", err)
	}
	if med.SalePrice, err = decimalField(field("sale_price")); err != nil {
		return domain.Medication{}, fmt.Errorf("sale_price: %w", err)
	}
	if med.TaxRate, err = decimalField(field("tax_rate")); err != nil {
		return domain.Medication{}, fmt.Errorf("tax_rate: %w", err)
	}
	if raw := field("stock_on_hand"); raw != "" {
		if med.StockOnHand, err = strconv.Atoi(raw); err != nil || med.StockOnHand < 0 {
			return domain.Medication{}, errors.New("stock_on_hand must be a non-negative integer")
		}
	}
	if raw := field("stock_minimum"); raw != "" {
		if med.StockMinimum, err = strconv.Atoi(raw); err != nil || med.StockMinimum < 0 {
			return domain.Medication{}, errors.New("stock_minimum must be a non-negative integer")
		}
	}
	if raw := field("expiry_date"); raw != "" {
		expiry, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return domain.Medication{}, errors.New("expiry_date must be YYYY-MM-DD")
		}
		med.ExpiryDate = &expiry
	}
	return med, nil
}

func decimalField(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", "."))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

func Export(w io.Writer, meds []domain.Medication) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return err
	}
	for _, med := range meds {
		expiry := ""
		if med.ExpiryDate != nil {
			expiry = med.ExpiryDate.Format("2006-01-02")
		}
		if err := writer.Write([]string{
			med.Code,
			med.Name,
			med.GenericName,
			med.Form,
			med.Dosage,
			med.Category,
			med.PurchasePrice.StringFixed(2),
			med.SalePrice.StringFixed(2),
			med.TaxRate.String(),
			strconv.Itoa(med.StockOnHand),
			strconv.Itoa(med.StockMinimum),
			expiry,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
