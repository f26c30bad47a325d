// Package money provides the fixed-point decimal amount type used
// everywhere on the ledger path. No binary floating-point arithmetic
// is permitted here — every value is backed by shopspring/decimal,
// which stores an arbitrary-precision integer coefficient and an
// exponent, giving exact base-10 arithmetic for balances and transfers.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits the ledger path supports,
// matching the durable backend's NUMERIC(20,8) columns.
const Scale = 8

// Money wraps decimal.Decimal, rounding to Scale on every construction
// so that two Moneys built from different input precision compare and
// serialize identically.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// New builds a Money from a decimal string such as "12.50". Returns an
// error if the string is not a valid decimal.
func New(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Money{d: d.Round(Scale)}, nil
}

// MustNew is New but panics on error; reserved for literal constants
// in tests and fixtures.
func MustNew(s string) Money {
	m, err := New(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromInt builds a whole-unit Money (e.g. FromInt(100) == "100.00000000").
func FromInt(n int64) Money {
	return Money{d: decimal.NewFromInt(n)}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.d.IsZero() }

// IsNegative reports whether the amount is strictly less than zero.
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Add returns m + other.
func (m Money) Add(other Money) Money { return Money{d: m.d.Add(other.d).Round(Scale)} }

// Sub returns m - other.
func (m Money) Sub(other Money) Money { return Money{d: m.d.Sub(other.d).Round(Scale)} }

// MulRate returns m scaled by rateBps basis points (1/100th of a
// percent), rounded to Scale. Used by percentage-based fee
// calculators, e.g. MulRate(50) for a 0.5% fee.
func (m Money) MulRate(rateBps int64) Money {
	rate := decimal.NewFromInt(rateBps).Div(decimal.NewFromInt(10000))
	return Money{d: m.d.Mul(rate).Round(Scale)}
}

// Cmp compares m to other: -1, 0, or 1.
func (m Money) Cmp(other Money) int { return m.d.Cmp(other.d) }

// LessThan reports m < other.
func (m Money) LessThan(other Money) bool { return m.d.LessThan(other.d) }

// GreaterThan reports m > other.
func (m Money) GreaterThan(other Money) bool { return m.d.GreaterThan(other.d) }

// Equal reports m == other.
func (m Money) Equal(other Money) bool { return m.d.Equal(other.d) }

// Float64 converts to a float64 approximation, for metrics gauges
// only — never use this on the ledger arithmetic path. The bool
// return mirrors decimal.Decimal.Float64's exactness flag.
func (m Money) Float64() (float64, bool) { return m.d.Float64() }

// String renders the amount with exactly Scale fractional digits.
func (m Money) String() string { return m.d.StringFixed(Scale) }

// MarshalJSON renders the amount as a JSON string (never a bare
// number, to avoid float64 round-tripping in clients).
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := New(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value implements driver.Valuer so Money can be written directly as a
// NUMERIC(20,8) parameter.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}

// Scan implements sql.Scanner, accepting the string/[]byte/float64
// forms a NUMERIC column may surface as, depending on driver.
func (m *Money) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
		return nil
	case string:
		parsed, err := New(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := New(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case float64:
		*m = Money{d: decimal.NewFromFloat(v).Round(Scale)}
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}
