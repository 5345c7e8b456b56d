// Package goldcalc holds the pure arithmetic shared by every product: currency to
// gram conversion, percentage charges and calendar-month distances.
//
// All thresholds (activation, lock-in, bonus) compare against values produced
// here, so the rounding mode is part of the contract: grams are rounded to four
// places and currency to two, both half-up.
package goldcalc

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// GramPlaces is the fixed precision of every gram value.
	GramPlaces int32 = 4
	// CurrencyPlaces is the fixed precision of every currency value.
	CurrencyPlaces int32 = 2
)

var (
	ErrNonPositiveRate   = errors.New("rate per gram must be positive")
	ErrNonPositiveAmount = errors.New("amount must be positive")

	hundred = decimal.NewFromInt(100)
)

// GramsFor converts a currency amount into grams at the given rate, rounded half-up
// to four decimal places.
func GramsFor(amount, ratePerGram decimal.Decimal) (decimal.Decimal, error) {
	if !ratePerGram.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	// DivRound works on the exact quotient, so there is no double rounding.
	return amount.DivRound(ratePerGram, GramPlaces), nil
}

// Percent returns pct% of amount rounded half-up to currency precision.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).DivRound(hundred, CurrencyPlaces)
}

// Money rounds a currency value to two places.
func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(CurrencyPlaces)
}

// MonthsBetween counts whole calendar months from start to now, the way a
// month-granular calendar does: Jan 31 to Feb 28 is zero months, Jan 15 to
// Feb 15 is one. Both instants are compared in loc. Negative spans return 0.
func MonthsBetween(start, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	s := start.In(loc)
	n := now.In(loc)
	if !n.After(s) {
		return 0
	}

	months := (n.Year()-s.Year())*12 + int(n.Month()) - int(s.Month())
	if n.Day() < s.Day() || (n.Day() == s.Day() && clock(n) < clock(s)) {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func clock(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

// PeriodKey names the calendar month containing t, e.g. "2026-10".
func PeriodKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01")
}

// DayOfMonth returns t's day in loc.
func DayOfMonth(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Day()
}
