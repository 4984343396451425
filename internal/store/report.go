package store

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// TaxPortion extracts the tax contained in a tax-inclusive amount.
func TaxPortion(amount decimal.Decimal, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return amount.Mul(ratePercent).Div(hundred.Add(ratePercent)).Round(2)
}

// BuildDailyReport aggregates the sales of one day. Cancelled sales are only
// counted, never summed.
func BuildDailyReport(date string, sales []domain.Sale) domain.DailyReport {
	report := domain.DailyReport{
		Date:       date,
		GrossTotal: decimal.Zero,
		TaxTotal:   decimal.Zero,
		ByPayment:  make([]domain.DailyReportPayment, 0, 4),
		ByOperator: make([]domain.DailyReportOperator, 0, 4),
	}
	byPayment := map[string]*domain.DailyReportPayment{}
	byOperator := map[string]*domain.DailyReportOperator{}

	for _, sale := range sales {
		if sale.Status == domain.SaleStatusCancelled {
			report.CancelledSales++
			continue
		}

		report.Sales++
		report.GrossTotal = report.GrossTotal.Add(sale.TotalAmount)
		for _, line := range sale.Lines {
			report.ItemsSold += line.Quantity
			report.TaxTotal = report.TaxTotal.Add(TaxPortion(line.LineTotal(), line.TaxRate))
		}

		payment := byPayment[sale.PaymentMethod]
		if payment == nil {
			payment = &domain.DailyReportPayment{PaymentMethod: sale.PaymentMethod, Total: decimal.Zero}
			byPayment[sale.PaymentMethod] = payment
		}
		payment.Sales++
		payment.Total = payment.Total.Add(sale.TotalAmount)

		operator := byOperator[sale.OperatorUsername]
		if operator == nil {
			operator = &domain.DailyReportOperator{Operator: sale.OperatorUsername, Total: decimal.Zero}
			byOperator[sale.OperatorUsername] = operator
		}
		operator.Sales++
		operator.Total = operator.Total.Add(sale.TotalAmount)
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	for _, entry := range byOperator {
		report.ByOperator = append(report.ByOperator, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})
	slices.SortFunc(report.ByOperator, func(a, b domain.DailyReportOperator) int {
		return strings.Compare(a.Operator, b.Operator)
	})
	return report
}

// MatchesMedication reports whether query hits the name, generic name or code.
func MatchesMedication(med domain.Medication, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(med.Name), query) ||
		strings.Contains(strings.ToLower(med.GenericName), query) ||
		strings.Contains(strings.ToLower(med.Code), query)
}
