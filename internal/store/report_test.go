package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
)

func TestTaxPortionIsIncludedInPrice(t *testing.T) {
	got := TaxPortion(decimal.RequireFromString("116"), decimal.NewFromInt(16))
	if !got.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("expected tax 16, got %s", got)
	}
	if !TaxPortion(decimal.NewFromInt(50), decimal.Zero).IsZero() {
		t.Fatalf("expected zero tax for zero rate")
	}
}

func TestBuildDailyReportSkipsCancelledTotals(t *testing.T) {
	sales := []domain.Sale{
		{
			OperatorUsername: "cashier", PaymentMethod: domain.PaymentCash, Status: domain.SaleStatusCompleted,
			TotalAmount: decimal.RequireFromString("11.60"),
			Lines:       []domain.SaleLine{{Quantity: 2, UnitPrice: decimal.RequireFromString("5.80"), TaxRate: decimal.NewFromInt(16)}},
		},
		{
			OperatorUsername: "admin", PaymentMethod: domain.PaymentCard, Status: domain.SaleStatusCompleted,
			TotalAmount: decimal.RequireFromString("4.00"),
			Lines:       []domain.SaleLine{{Quantity: 1, UnitPrice: decimal.RequireFromString("4.00")}},
		},
		{
			OperatorUsername: "cashier", PaymentMethod: domain.PaymentCash, Status: domain.SaleStatusCancelled,
			TotalAmount: decimal.RequireFromString("99"),
		},
	}

	report := BuildDailyReport("2026-10-18", sales)
	if report.Sales != 2 || report.CancelledSales != 1 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if report.ItemsSold != 3 {
		t.Fatalf("expected 3 items sold, got %d", report.ItemsSold)
	}
	if !report.GrossTotal.Equal(decimal.RequireFromString("15.60")) {
		t.Fatalf("unexpected gross total %s", report.GrossTotal)
	}
	if !report.TaxTotal.Equal(decimal.RequireFromString("1.60")) {
		t.Fatalf("unexpected tax total %s", report.TaxTotal)
	}
	if len(report.ByPayment) != 2 || report.ByPayment[0].PaymentMethod != domain.PaymentCard {
		t.Fatalf("unexpected payment breakdown %+v", report.ByPayment)
	}
	if len(report.ByOperator) != 2 || report.ByOperator[1].Operator != "cashier" || report.ByOperator[1].Sales != 1 {
		t.Fatalf("unexpected operator breakdown %+v", report.ByOperator)
	}
}
