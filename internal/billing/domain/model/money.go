package model

import (
	"fmt"
	"strings"
)

// DefaultCurrency is used when a plan or coupon does not name one
const DefaultCurrency = "USD"

// NormalizeCurrency upper-cases a currency code and falls back to DefaultCurrency
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency
	}
	return code
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Rounding selects how fractional minor units are resolved
type Rounding string

const (
	RoundingFloor  Rounding = "floor"
	RoundingHalfUp Rounding = "half_up"
)

// ParseRounding converts a configuration value to a Rounding
func ParseRounding(s string) (Rounding, error) {
	switch Rounding(s) {
	case RoundingFloor, RoundingHalfUp:
		return Rounding(s), nil
	case "":
		return RoundingFloor, nil
	}
	return "", fmt.Errorf("unknown rounding mode %q", s)
}

// ApplyBasisPoints returns amount*bps/10000 rounded per mode. amount and bps are non-negative.
func ApplyBasisPoints(amount, bps int64, mode Rounding) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	product := amount * bps
	if mode == RoundingHalfUp {
		return (product + 5000) / 10000
	}
	return product / 10000
}

// TaxPolicy is the flat tax applied to the discounted subtotal
type TaxPolicy struct {
	RateBps  int64
	Rounding Rounding
}

// Tax computes the tax owed on a taxable amount
func (p TaxPolicy) Tax(taxable int64) int64 {
	return ApplyBasisPoints(taxable, p.RateBps, p.Rounding)
}

// DiscountType is the kind of reduction a coupon grants
type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// Discount is the frozen reduction rule carried by an invoice
type Discount struct {
	Type DiscountType
	// Value is a percentage (1..100) for percent discounts and minor units for fixed ones
	Value int64
}

// Amount returns the discount for a subtotal. Percent discounts round down;
// fixed discounts never exceed the subtotal.
func (d *Discount) Amount(subtotal int64) int64 {
	if d == nil || subtotal <= 0 {
		return 0
	}
	switch d.Type {
	case DiscountPercent:
		return subtotal * d.Value / 100
	case DiscountFixed:
		if d.Value > subtotal {
			return subtotal
		}
		return d.Value
	}
	return 0
}

// Totals is the computed money block of an invoice
type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	DiscountCents int64 `json:"discount_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// ComputeTotals applies the discount before tax:
// total = subtotal - discount + tax(subtotal - discount)
func ComputeTotals(subtotal int64, discount *Discount, tax TaxPolicy) Totals {
	if subtotal < 0 {
		subtotal = 0
	}
	off := discount.Amount(subtotal)
	taxable := subtotal - off
	t := tax.Tax(taxable)
	return Totals{
		SubtotalCents: subtotal,
		DiscountCents: off,
		TaxCents:      t,
		TotalCents:    taxable + t,
	}
}

// FormatAmount renders minor units for display, e.g. "$43.40" or "43.40 EUR"
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	major := groupThousands(cents / 100)
	amount := fmt.Sprintf("%s.%02d", major, cents%100)
	if NormalizeCurrency(currency) == "USD" {
		return sign + "$" + amount
	}
	return sign + amount + " " + NormalizeCurrency(currency)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
