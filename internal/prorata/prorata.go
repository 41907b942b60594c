// Package prorata computes day-weighted fractions of monthly prices for
// partial billing periods and mid-cycle plan changes. Pure functions, no I/O.
package prorata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calculate returns the day-weighted share of basePrice for the span
// [periodStart, periodEnd). The daily rate is basePrice divided by the number
// of calendar days in periodStart's month. With inclusive set, periodEnd's day
// is counted as a billable day.
//
// Rounding is banker's rounding to 2 decimals so that repeated postings keep
// ledger sums exact.
func Calculate(basePrice decimal.Decimal, periodStart, periodEnd time.Time, inclusive bool) decimal.Decimal {
	days := DaysBetween(periodStart, periodEnd)
	if inclusive {
		days++
	}
	if days <= 0 {
		return decimal.Zero
	}

	monthDays := DaysInMonth(periodStart)
	return basePrice.
		Div(decimal.NewFromInt(int64(monthDays))).
		Mul(decimal.NewFromInt(int64(days))).
		RoundBank(2)
}

// CalculateAdjustment returns the charge delta when a customer switches from
// oldPrice to newPrice at changeAt, for the remainder of the cycle ending at
// cycleEnd. Positive means the customer owes more, negative means a credit.
func CalculateAdjustment(oldPrice, newPrice decimal.Decimal, changeAt, cycleEnd time.Time) decimal.Decimal {
	oldRemaining := Calculate(oldPrice, changeAt, cycleEnd, false)
	newRemaining := Calculate(newPrice, changeAt, cycleEnd, false)
	return newRemaining.Sub(oldRemaining)
}

// DaysInMonth returns the number of calendar days in t's month.
func DaysInMonth(t time.Time) int {
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// DaysBetween returns the count of calendar days from a to b, ignoring the
// time-of-day component. Negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	aDay := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bDay := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bDay.Sub(aDay).Hours() / 24)
}
