// Package normalize turns untrusted records produced by the receipt
// extraction model into trusted transaction drafts. Amount and category are
// sanitized with lenient defaults; an unparseable date is an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FallbackCategory is substituted for any extracted category outside the
// allow-list.
const FallbackCategory = "other-expense"

// Categories is the fixed allow-list of expense category labels. Matching is
// exact and case-sensitive; nothing outside this list ever reaches the ledger.
var Categories = []string{
	"housing",
	"transportation",
	"groceries",
	"utilities",
	"entertainment",
	"food",
	"shopping",
	"healthcare",
	"education",
	"personal",
	"travel",
	"insurance",
	"gifts",
	"bills",
	FallbackCategory,
}

var categorySet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		s[c] = struct{}{}
	}
	return s
}()

// AllowedCategory reports whether s is exactly one of the allow-listed labels.
func AllowedCategory(s string) bool {
	_, ok := categorySet[s]
	return ok
}

// Record is the untrusted shape decoded from the extraction model's output.
// Every field may hold any JSON value; Sanitize decides what survives.
type Record struct {
	Amount       any `json:"amount"`
	Date         any `json:"date"`
	Description  any `json:"description"`
	MerchantName any `json:"merchantName"`
	Category     any `json:"category"`
}

// Draft is a sanitized transaction draft safe to hand to the ledger engine.
type Draft struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant"`
	Category    string          `json:"category"`
}

// FieldError reports which untrusted field failed hard validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
}

// Sanitize applies the per-field policy to an untrusted record:
//   - amount coerces to a non-negative decimal, defaulting to 0 on any
//     failure rather than rejecting (a reviewable zero-amount draft beats a
//     hard failure)
//   - category outside the allow-list becomes FallbackCategory
//   - description and merchant default to ""
//   - an unparseable date is returned as a *FieldError; it is never defaulted
//
// Sanitize is pure and idempotent: the same record always yields the same
// draft.
func Sanitize(rec Record) (Draft, error) {
	date, err := coerceDate(rec.Date)
	if err != nil {
		return Draft{}, err
	}
	return Draft{
		Amount:      coerceAmount(rec.Amount),
		Date:        date,
		Description: coerceString(rec.Description),
		Merchant:    coerceString(rec.MerchantName),
		Category:    coerceCategory(rec.Category),
	}, nil
}

func coerceAmount(v any) decimal.Decimal {
	var amt decimal.Decimal
	switch n := v.(type) {
	case float64:
		amt = decimal.NewFromFloat(n)
	case int:
		amt = decimal.NewFromInt(int64(n))
	case int64:
		amt = decimal.NewFromInt(n)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero
		}
		amt = d
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero
		}
		amt = d
	case decimal.Decimal:
		amt = n
	default:
		return decimal.Zero
	}
	if amt.IsNegative() {
		return decimal.Zero
	}
	return amt
}

func coerceCategory(v any) string {
	s, _ := v.(string)
	if AllowedCategory(s) {
		return s
	}
	return FallbackCategory
}

func coerceString(v any) string {
	s, _ := v.(string)
	return s
}

// dateLayouts are tried in order when the extracted date arrives as a string.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
}

func coerceDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, &FieldError{Field: "date", Reason: "empty"}
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, &FieldError{Field: "date", Reason: fmt.Sprintf("unparseable value %q", s)}
	case nil:
		return time.Time{}, &FieldError{Field: "date", Reason: "missing"}
	}
	return time.Time{}, &FieldError{Field: "date", Reason: fmt.Sprintf("unsupported type %T", v)}
}
