package receipt

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

const (
	DefaultOperator = "Pharmacy staff"
	timestampLayout = "02/01/2006 15:04"
	lineWidth       = 32
)

// Header carries what is known about the transaction. A nil Total means the
// stored total is unavailable and is recomputed from the lines.
type Header struct {
	TicketNumber   string
	IssuedAt       time.Time
	Total          *decimal.Decimal
	AmountTendered decimal.Decimal
	PaymentMethod  string
	Operator       string
}

func FromSale(sale domain.Sale) (Header, RawLines) {
	total := sale.TotalAmount
	return Header{
		TicketNumber:   sale.TicketNumber,
		IssuedAt:       sale.CreatedAt,
		Total:          &total,
		AmountTendered: sale.AmountTendered,
		PaymentMethod:  sale.PaymentMethod,
		Operator:       sale.OperatorName,
	}, FromSaleLines(sale.Lines)
}

func FromProforma(quote domain.ProformaQuote) (Header, RawLines) {
	total := quote.TotalAmount
	return Header{
		TicketNumber: quote.Reference,
		IssuedAt:     quote.CreatedAt,
		Total:        &total,
		Operator:     quote.CreatedBy,
	}, FromProformaLines(quote.Lines)
}

// Build never fails. Missing ticket numbers get a TMP- placeholder, missing
// operators get a generic label and change due never goes below zero.
func Build(header Header, raw RawLines, settings domain.PharmacySettings) domain.Receipt {
	issuedAt := header.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	lines := Normalize(raw)
	total := decimal.Zero
	if header.Total != nil {
		total = *header.Total
	} else {
		for _, line := range lines {
			total = total.Add(line.LineTotal)
		}
	}

	ticket := strings.TrimSpace(header.TicketNumber)
	placeholder := false
	if ticket == "" {
		ticket = "TMP-" + issuedAt.UTC().Format("20060102150405")
		placeholder = true
	}

	operator := strings.TrimSpace(header.Operator)
	if operator == "" {
		operator = DefaultOperator
	}

	change := header.AmountTendered.Sub(total)
	if change.IsNegative() {
		change = decimal.Zero
	}

	defaults := store.DefaultSettings()
	name := strings.TrimSpace(settings.Name)
	if name == "" {
		name = defaults.Name
	}
	currency := strings.TrimSpace(settings.Currency)
	if currency == "" {
		currency = defaults.Currency
	}
	footer := strings.TrimSpace(settings.ReceiptFooter)
	if footer == "" {
		footer = defaults.ReceiptFooter
	}

	return domain.Receipt{
		TicketNumber:    ticket,
		Placeholder:     placeholder,
		IssuedAt:        issuedAt.Format(timestampLayout),
		Lines:           lines,
		Total:           total,
		AmountTendered:  header.AmountTendered,
		ChangeDue:       change,
		PaymentMethod:   header.PaymentMethod,
		Operator:        operator,
		PharmacyName:    name,
		PharmacyAddress: strings.TrimSpace(settings.Address),
		PharmacyPhone:   strings.TrimSpace(settings.Phone),
		Currency:        currency,
		Footer:          footer,
	}
}

// TextLines lays a receipt out for a 32 column thermal printer.
func TextLines(r domain.Receipt) []string {
	rule := strings.Repeat("=", lineWidth)
	thin := strings.Repeat("-", lineWidth)

	lines := []string{center(r.PharmacyName)}
	if r.PharmacyAddress != "" {
		lines = append(lines, center(r.PharmacyAddress))
	}
	if r.PharmacyPhone != "" {
		lines = append(lines, center("Tel: "+r.PharmacyPhone))
	}
	lines = append(lines,
		rule,
		"Ticket: "+r.TicketNumber,
		"Date: "+r.IssuedAt,
		"Operator: "+r.Operator,
		thin,
	)
	for _, line := range r.Lines {
		lines = append(lines, truncate(line.Name, lineWidth))
		lines = append(lines, justify(
			fmt.Sprintf("  %d x %s", line.Quantity, line.UnitPrice.StringFixed(2)),
			line.LineTotal.StringFixed(2),
		))
	}
	lines = append(lines,
		thin,
		justify("TOTAL", r.Total.StringFixed(2)+" "+r.Currency),
		justify("Tendered", r.AmountTendered.StringFixed(2)+" "+r.Currency),
		justify("Change", r.ChangeDue.StringFixed(2)+" "+r.Currency),
	)
	if r.PaymentMethod != "" {
		lines = append(lines, justify("Payment", r.PaymentMethod))
	}
	lines = append(lines, rule, center(r.Footer), "")
	return lines
}

// Printable wraps the text layout in ESC/POS init and cut commands.
func Printable(r domain.Receipt) domain.PrintableReceipt {
	lines := TextLines(r)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.PrintableReceipt{
		TicketNumber: r.TicketNumber,
		PreviewText:  strings.Join(lines, "\n"),
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		FileName:     fmt.Sprintf("receipt-%s.bin", r.TicketNumber),
	}
}

func justify(left string, right string) string {
	gap := lineWidth - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(text string) string {
	text = truncate(text, lineWidth)
	pad := (lineWidth - len(text)) / 2
	if pad < 1 {
		return text
	}
	return strings.Repeat(" ", pad) + text
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width])
}
