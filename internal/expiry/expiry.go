package expiry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Maturities settle at 08:00 UTC on the expiry day, and tokens follow the
// day-month-year convention used by option venues, e.g. "17NOV23".
const SettleHour = 8

const hoursPerYear = 24 * 365.0

var (
	ErrBadToken     = errors.New("invalid maturity token")
	ErrNotExpiryDay = errors.New("maturity does not fall on a valid expiry day")
)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// Parse converts a maturity token into its settlement instant.
func Parse(token string) (time.Time, error) {
	clean := strings.ToUpper(strings.TrimSpace(token))
	if len(clean) < 6 || len(clean) > 7 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	day, err := strconv.Atoi(clean[:len(clean)-5])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	month, ok := months[clean[len(clean)-5:len(clean)-2]]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	year, err := strconv.Atoi(clean[len(clean)-2:])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	t := time.Date(2000+year, month, day, SettleHour, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	return t, nil
}

// Format renders a settlement instant back to its token form.
func Format(maturity time.Time) string {
	return strings.ToUpper(maturity.UTC().Format("2Jan06"))
}

// Validate enforces the weekly/monthly expiry convention: the maturity must
// fall on a Friday, or within the next two calendar days of now (short-dated
// dailies that exist while a weekly winds down).
func Validate(maturity, now time.Time) error {
	if maturity.Before(now) {
		return fmt.Errorf("%w: %s already passed", ErrNotExpiryDay, Format(maturity))
	}
	if maturity.UTC().Weekday() == time.Friday {
		return nil
	}
	if maturity.Sub(now) <= 48*time.Hour {
		return nil
	}
	return fmt.Errorf("%w: %s is a %s", ErrNotExpiryDay, Format(maturity), maturity.UTC().Weekday())
}

// YearsUntil is the time to maturity as a year fraction.
func YearsUntil(maturity, now time.Time) float64 {
	return maturity.Sub(now).Hours() / hoursPerYear
}

// DaysUntil is the time to maturity in calendar days, fractional.
func DaysUntil(maturity, now time.Time) float64 {
	return maturity.Sub(now).Hours() / 24
}
