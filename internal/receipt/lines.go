package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pharmaweb/backend/internal/domain"
)

type LinesKind int

const (
	LinesEmpty LinesKind = iota
	LinesSequence
	LinesKeyed
)

// Entry is one line as received, before coercion.
type Entry map[string]any

// RawLines is basket line input of uncertain shape: nothing, an ordered list
// of entries, or entries keyed by an identifier.
type RawLines struct {
	kind     LinesKind
	sequence []Entry
	keyed    map[string]Entry
	order    []string
}

func Empty() RawLines {
	return RawLines{kind: LinesEmpty}
}

func Sequence(entries []Entry) RawLines {
	return RawLines{kind: LinesSequence, sequence: entries}
}

// Keyed builds keyed lines without a known insertion order. Normalize then
// orders all-numeric keys numerically and any other keys lexically.
func Keyed(entries map[string]Entry) RawLines {
	return RawLines{kind: LinesKeyed, keyed: entries}
}

func keyedInOrder(entries map[string]Entry, order []string) RawLines {
	return RawLines{kind: LinesKeyed, keyed: entries, order: order}
}

func (r RawLines) Kind() LinesKind {
	return r.kind
}

// DecodeLines classifies a JSON value once. Anything that is neither an
// array nor an object decodes to Empty.
func DecodeLines(data []byte) RawLines {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Empty()
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return Empty()
	}

	switch v := value.(type) {
	case []any:
		entries := make([]Entry, 0, len(v))
		for _, item := range v {
			entries = append(entries, asEntry(item))
		}
		return Sequence(entries)
	case map[string]any:
		entries := make(map[string]Entry, len(v))
		for key, item := range v {
			entries[key] = asEntry(item)
		}
		return keyedInOrder(entries, objectKeys(data))
	default:
		return Empty()
	}
}

// objectKeys lists the top-level keys of a JSON object in document order,
// first occurrence only. It returns nil when data cannot be walked.
func objectKeys(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// DecodeBasket extracts the lines and stored total of a serialized basket.
func DecodeBasket(doc []byte) (RawLines, *decimal.Decimal) {
	var envelope struct {
		Lines json.RawMessage `json:"lines"`
		Total json.RawMessage `json:"total"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return Empty(), nil
	}

	var total *decimal.Decimal
	if len(envelope.Total) > 0 {
		var raw any
		dec := json.NewDecoder(bytes.NewReader(envelope.Total))
		dec.UseNumber()
		if dec.Decode(&raw) == nil {
			if parsed, ok := toDecimal(raw); ok {
				total = &parsed
			}
		}
	}
	return DecodeLines(envelope.Lines), total
}

func FromSaleLines(lines []domain.SaleLine) RawLines {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, Entry{
			"id":         line.MedicationID,
			"name":       line.Name,
			"unit_price": line.UnitPrice,
			"quantity":   line.Quantity,
		})
	}
	return Sequence(entries)
}

func FromProformaLines(lines []domain.ProformaLine) RawLines {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, Entry{
			"id":         line.MedicationID,
			"name":       line.Name,
			"unit_price": line.UnitPrice,
			"quantity":   line.Quantity,
		})
	}
	return Sequence(entries)
}

// Normalize produces receipt lines in a stable order. Keyed entries keep
// their document order and use the key as id when the entry has none.
// Entries that cannot be coerced are dropped.
func Normalize(raw RawLines) []domain.ReceiptLine {
	out := make([]domain.ReceiptLine, 0, 8)
	switch raw.kind {
	case LinesSequence:
		for _, entry := range raw.sequence {
			if line, ok := coerce(entry, ""); ok {
				out = append(out, line)
			}
		}
	case LinesKeyed:
		for _, key := range keyOrder(raw) {
			if line, ok := coerce(raw.keyed[key], key); ok {
				out = append(out, line)
			}
		}
	}
	return out
}

func keyOrder(raw RawLines) []string {
	if len(raw.order) == len(raw.keyed) {
		return raw.order
	}
	keys := make([]string, 0, len(raw.keyed))
	numeric := true
	for key := range raw.keyed {
		keys = append(keys, key)
		if _, err := strconv.ParseInt(key, 10, 64); err != nil {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.ParseInt(keys[i], 10, 64)
			b, _ := strconv.ParseInt(keys[j], 10, 64)
			return a < b
		})
		return keys
	}
	sort.Strings(keys)
	return keys
}

func coerce(entry Entry, fallbackID string) (domain.ReceiptLine, bool) {
	if entry == nil {
		return domain.ReceiptLine{}, false
	}

	qty, ok := toQuantity(first(entry, "quantity", "qty"))
	if !ok {
		return domain.ReceiptLine{}, false
	}
	price, ok := toDecimal(first(entry, "unit_price", "price"))
	if !ok || price.IsNegative() {
		return domain.ReceiptLine{}, false
	}

	id := toText(first(entry, "id", "medication_id"))
	if id == "" {
		id = fallbackID
	}
	name := toText(first(entry, "name"))
	if name == "" {
		name = id
	}
	if name == "" {
		return domain.ReceiptLine{}, false
	}

	return domain.ReceiptLine{
		ID:        id,
		Name:      name,
		UnitPrice: price,
		Quantity:  qty,
		LineTotal: price.Mul(decimal.NewFromInt(int64(qty))),
	}, true
}

func asEntry(value any) Entry {
	if m, ok := value.(map[string]any); ok {
		return Entry(m)
	}
	return nil
}

func first(entry Entry, keys ...string) any {
	for _, key := range keys {
		if v, ok := entry[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toText(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	default:
		return decimal.Zero, false
	}
}

func toQuantity(value any) (int, bool) {
	var qty int64
	switch v := value.(type) {
	case int:
		qty = int64(v)
	case int64:
		qty = v
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			d, derr := decimal.NewFromString(v.String())
			if derr != nil || !d.IsInteger() {
				return 0, false
			}
			n = d.IntPart()
		}
		qty = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		qty = n
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		qty = int64(v)
	default:
		return 0, false
	}
	if qty < 1 || qty > math.MaxInt32 {
		return 0, false
	}
	return int(qty), true
}
