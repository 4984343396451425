package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
)

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))

	report, err := a.service.DailyReport(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch format {
	case "csv":
		body, err := dailyReportToCSV(report)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"daily-report-%s.csv\"", report.Date))
		_, _ = w.Write(body)
	case "pdf", "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dailyReportToPrintableHTML(report)))
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func dailyReportToCSV(report domain.DailyReport) ([]byte, error) {
	rows := [][]string{
		{"section", "key", "value"},
		{"summary", "date", report.Date},
		{"summary", "sales", strconv.Itoa(report.Sales)},
		{"summary", "cancelled_sales", strconv.Itoa(report.CancelledSales)},
		{"summary", "items_sold", strconv.Itoa(report.ItemsSold)},
		{"summary", "gross_total", report.GrossTotal.StringFixed(2)},
		{"summary", "tax_total", report.TaxTotal.StringFixed(2)},
	}
	for _, payment := range report.ByPayment {
		rows = append(rows,
			[]string{"payment", payment.PaymentMethod + "_sales", strconv.Itoa(payment.Sales)},
			[]string{"payment", payment.PaymentMethod + "_total", payment.Total.StringFixed(2)},
		)
	}
	for _, operator := range report.ByOperator {
		rows = append(rows,
			[]string{"operator", operator.Operator + "_sales", strconv.Itoa(operator.Sales)},
			[]string{"operator", operator.Operator + "_total", operator.Total.StringFixed(2)},
		)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// dailyReportHTMLTmpl renders the printable report. html/template escapes
// operator names.
var dailyReportHTMLTmpl = template.Must(template.New("daily-report").Funcs(template.FuncMap{
	"money": func(v decimal.Decimal) string { return v.StringFixed(2) },
}).Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Daily Report {{.Date}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Daily Report {{.Date}}</h2>
  <p>Sales: {{.Sales}} | Cancelled: {{.CancelledSales}} | Items sold: {{.ItemsSold}}</p>
  <p>Gross: {{money .GrossTotal}} | Tax: {{money .TaxTotal}}</p>

  <h3>By Payment</h3>
  <table>
    <thead><tr><th>Payment</th><th>Sales</th><th>Total</th></tr></thead>
    <tbody>{{range .ByPayment}}<tr><td>{{.PaymentMethod}}</td><td style="text-align:right;">{{.Sales}}</td><td style="text-align:right;">{{money .Total}}</td></tr>{{end}}</tbody>
  </table>

  <h3>By Operator</h3>
  <table>
    <thead><tr><th>Operator</th><th>Sales</th><th>Total</th></tr></thead>
    <tbody>{{range .ByOperator}}<tr><td>{{.Operator}}</td><td style="text-align:right;">{{.Sales}}</td><td style="text-align:right;">{{money .Total}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

func dailyReportToPrintableHTML(report domain.DailyReport) string {
	var buf bytes.Buffer
	if err := dailyReportHTMLTmpl.Execute(&buf, report); err != nil {
		return "<!doctype html><html><body><p>Report rendering error.</p></body></html>"
	}
	return buf.String()
}
