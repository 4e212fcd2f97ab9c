package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/salesync/internal/domain"
)

// ErrMissingID is returned for documents whose id is absent or not an integer.
// Every other field degrades to a fallback value instead of failing.
var ErrMissingID = errors.New("document has no usable id")

// Field aliases, in lookup order. Widen these when the remote API starts
// using new names. timestampKeys are date-only fallbacks tried after dateKeys.
var (
	statusKeys    = []string{"status", "state"}
	subtotalKeys  = []string{"subtotal", "subtotalAmount"}
	taxKeys       = []string{"tax", "taxAmount"}
	totalKeys     = []string{"total", "totalAmount"}
	dateKeys      = []string{"date"}
	timestampKeys = []string{"createdAt", "updatedAt", "lastUpdated"}
	updatedKeys   = []string{"updatedAt", "lastUpdated"}
	itemsKeys     = []string{"items"}
	quantityKeys  = []string{"quantity", "qty"}
	priceKeys     = []string{"price", "unitPrice"}
	itemTaxKeys   = []string{"tax", "taxes"}
	percentKeys   = []string{"percentage"}
	amountKeys    = []string{"amount"}
)

// DefaultCanceledStatuses are matched case-insensitively against status.
var DefaultCanceledStatuses = []string{"void", "anulada"}

type Normalizer struct {
	canceled map[string]struct{}
	rules    []TotalRule
	now      func() time.Time
}

// New builds a Normalizer. An empty canceledStatuses uses the defaults; now
// supplies the processing date for documents without any date.
func New(canceledStatuses []string, now func() time.Time) *Normalizer {
	if len(canceledStatuses) == 0 {
		canceledStatuses = DefaultCanceledStatuses
	}
	if now == nil {
		now = time.Now
	}
	set := make(map[string]struct{}, len(canceledStatuses))
	for _, s := range canceledStatuses {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			set[s] = struct{}{}
		}
	}
	return &Normalizer{canceled: set, rules: TotalRules, now: now}
}

// Normalize maps one remote document into a Record.
func (n *Normalizer) Normalize(doc domain.RawDocument, docType domain.DocType) (domain.Record, error) {
	id, ok := toInt64(doc["id"])
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrMissingID, doc["id"])
	}

	status := strings.ToLower(firstString(doc, statusKeys...))
	subtotal := coalesceFloat(doc, subtotalKeys...)
	tax := coalesceFloat(doc, taxKeys...)

	rec := domain.Record{
		RemoteID:     id,
		DocType:      docType,
		Status:       status,
		Number:       documentNumber(doc),
		CurrencyCode: currencyCode(doc["currency"]),
		IssueDate:    n.issueDate(doc),
		CreatedAt:    optString(doc["createdAt"]),
		UpdatedAt:    firstOptString(doc, updatedKeys...),
		Subtotal:     subtotal,
		Tax:          tax,
		Total:        ResolveTotal(n.rules, doc, subtotal, tax),
		Canceled:     n.IsCanceled(status),
		Raw:          doc,
	}
	if client, ok := doc["client"].(map[string]any); ok {
		rec.ClientID = optString(client["id"])
		rec.ClientName = optString(client["name"])
	}
	return rec, nil
}

// IsCanceled reports whether status belongs to the cancellation set.
func (n *Normalizer) IsCanceled(status string) bool {
	_, ok := n.canceled[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// issueDate walks the date fallback chain and always returns a valid day.
func (n *Normalizer) issueDate(doc domain.RawDocument) time.Time {
	for _, keys := range [][]string{dateKeys, timestampKeys} {
		for _, k := range keys {
			if d, ok := parseDay(doc[k]); ok {
				return d
			}
		}
	}
	return domain.Day(n.now())
}

func parseDay(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if len(s) < len(domain.DateLayout) {
		return time.Time{}, false
	}
	d, err := time.Parse(domain.DateLayout, s[:len(domain.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func documentNumber(doc domain.RawDocument) *string {
	if s := optString(doc["number"]); s != nil {
		return s
	}
	if tmpl, ok := doc["numberTemplate"].(map[string]any); ok {
		return optString(tmpl["fullNumber"])
	}
	return nil
}

// currencyCode reads currency.code from a mapping, or passes a bare code through.
func currencyCode(v any) *string {
	if m, ok := v.(map[string]any); ok {
		return optString(m["code"])
	}
	return optString(v)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := optString(m[k]); s != nil {
			return *s
		}
	}
	return ""
}

func firstOptString(m map[string]any, keys ...string) *string {
	for _, k := range keys {
		if s := optString(m[k]); s != nil {
			return s
		}
	}
	return nil
}

// optString renders scalar values as strings; nil, empty strings and
// containers yield nil.
func optString(v any) *string {
	var s string
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		s = strings.TrimSpace(tv)
	case json.Number:
		s = tv.String()
	case float64:
		s = strconv.FormatFloat(tv, 'f', -1, 64)
	case int, int64, int32, bool:
		s = fmt.Sprint(tv)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func toInt64(v any) (int64, bool) {
	switch tv := v.(type) {
	case json.Number:
		if n, err := tv.Int64(); err == nil {
			return n, true
		}
		f, err := tv.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(tv)
	case int:
		return int64(tv), true
	case int64:
		return tv, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// floatToInt64 accepts only whole values inside the int64 range.
// float64(math.MaxInt64) rounds up to 2^63, hence the >= bound.
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// toFloat converts numbers and numeric strings. Strings may use a comma as
// the decimal separator.
func toFloat(v any) (float64, bool) {
	var f float64
	switch tv := v.(type) {
	case json.Number:
		var err error
		if f, err = strconv.ParseFloat(tv.String(), 64); err != nil {
			return 0, false
		}
	case float64:
		f = tv
	case float32:
		f = float64(tv)
	case int:
		f = float64(tv)
	case int64:
		f = float64(tv)
	case int32:
		f = float64(tv)
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(tv), ",", ".")
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// coalesceFloat returns the first candidate that converts to a number.
func coalesceFloat(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

// floatOrZero is coalesceFloat with missing values counted as 0.
func floatOrZero(m map[string]any, keys ...string) float64 {
	if f := coalesceFloat(m, keys...); f != nil {
		return *f
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
