package normalize

import "github.com/punchamoorthee/salesync/internal/domain"

// TotalRule derives a document total, or returns nil when it cannot.
type TotalRule func(doc domain.RawDocument, subtotal, tax *float64) *float64

// TotalRules is the resolution order; the first rule to return a value wins.
var TotalRules = []TotalRule{
	DirectTotal,
	SubtotalPlusTax,
	ItemsTotal,
	ZeroTotal,
}

// ResolveTotal evaluates rules in order. It never returns nil when the rule
// list ends with ZeroTotal.
func ResolveTotal(rules []TotalRule, doc domain.RawDocument, subtotal, tax *float64) *float64 {
	for _, rule := range rules {
		if v := rule(doc, subtotal, tax); v != nil {
			return v
		}
	}
	return nil
}

// DirectTotal uses the remote total as sent.
func DirectTotal(doc domain.RawDocument, _, _ *float64) *float64 {
	return coalesceFloat(doc, totalKeys...)
}

// SubtotalPlusTax adds both amounts when both are present, zero included.
func SubtotalPlusTax(_ domain.RawDocument, subtotal, tax *float64) *float64 {
	if subtotal == nil || tax == nil {
		return nil
	}
	v := round2(*subtotal + *tax)
	return &v
}

// ItemsTotal rebuilds the total from line items: quantity × price plus each
// item's taxes. Missing numbers count as 0.
func ItemsTotal(doc domain.RawDocument, _, _ *float64) *float64 {
	items := firstList(doc, itemsKeys...)
	if len(items) == 0 {
		return nil
	}
	sum := 0.0
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		line := floatOrZero(item, quantityKeys...) * floatOrZero(item, priceKeys...)
		sum += line + itemTax(item, line)
	}
	v := round2(sum)
	return &v
}

// ZeroTotal is the last resort.
func ZeroTotal(_ domain.RawDocument, _, _ *float64) *float64 {
	v := 0.0
	return &v
}

// itemTax sums an item's tax entries. The tax field may hold a list of
// entries or a single entry; an entry carries a percentage of the line
// subtotal or a flat amount.
func itemTax(item map[string]any, line float64) float64 {
	total := 0.0
	for _, e := range taxEntries(item) {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if pct := coalesceFloat(entry, percentKeys...); pct != nil {
			total += line * *pct / 100
			continue
		}
		total += floatOrZero(entry, amountKeys...)
	}
	return total
}

func taxEntries(item map[string]any) []any {
	for _, k := range itemTaxKeys {
		switch tv := item[k].(type) {
		case []any:
			return tv
		case map[string]any:
			return []any{tv}
		}
	}
	return nil
}

func firstList(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if l, ok := m[k].([]any); ok {
			return l
		}
	}
	return nil
}
