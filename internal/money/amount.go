// Package money implements the BigInt USDC amount type used everywhere a
// monetary quantity crosses a component boundary. Amounts are never floats;
// the wire representation is a decimal string of minor units (6 decimals).
package money

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrNegative is returned by operations that would produce a negative amount.
var ErrNegative = errors.New("money: negative amount")

// Amount wraps an arbitrary-precision integer count of USDC minor units.
// The zero value is zero, not nil, so Amount is safe to use without an
// explicit constructor.
type Amount struct {
	v big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromInt64 builds an Amount from a minor-unit int64.
func FromInt64(minor int64) Amount {
	var a Amount
	a.v.SetInt64(minor)
	return a
}

// Parse parses a base-10 decimal string of minor units (no fractional point
// — the string itself already denotes minor units, matching spec.md's wire
// convention).
func Parse(s string) (Amount, error) {
	var a Amount
	if _, ok := a.v.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("money: invalid amount %q", s)
	}
	if a.v.Sign() < 0 {
		return Amount{}, ErrNegative
	}
	return a, nil
}

// MustParse is Parse but panics on error; used for literal constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a decimal string of minor units.
func (a Amount) String() string {
	return a.v.String()
}

// Int64 returns the amount as an int64, truncating silently if it overflows
// (only used for score computations, never for ledger bookkeeping).
func (a Amount) Int64() int64 {
	return a.v.Int64()
}

// Float64 returns an approximate float64 view, used only for scoring math
// (§4.2/§4.3), never for settlement.
func (a Amount) Float64() float64 {
	f := new(big.Float).SetInt(&a.v)
	out, _ := f.Float64()
	return out
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.v.Sign() == 0
}

// Sign returns -1, 0, or 1.
func (a Amount) Sign() int {
	return a.v.Sign()
}

// Cmp compares two amounts the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.v.Add(&a.v, &b.v)
	return out
}

// Sub returns a-b. Callers that must not go negative should check Sign()
// after calling Sub, or use SubChecked.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out
}

// SubChecked returns a-b, failing with ErrNegative if the result would be
// negative.
func (a Amount) SubChecked(b Amount) (Amount, error) {
	out := a.Sub(b)
	if out.Sign() < 0 {
		return Amount{}, ErrNegative
	}
	return out, nil
}

// MulRatPercent scales the amount by pct/100 using rational arithmetic so
// fee computations never lose precision to floating point.
func (a Amount) MulRatPercent(pct int64) Amount {
	var out Amount
	out.v.Mul(&a.v, big.NewInt(pct))
	out.v.Quo(&out.v, big.NewInt(100))
	return out
}

// MarshalJSON emits the amount as a quoted decimal string, per spec.md §6
// ("All monetary quantities crossing the boundary use decimal strings").
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string into the amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds a list of amounts.
func Sum(amounts ...Amount) Amount {
	out := Zero()
	for _, a := range amounts {
		out = out.Add(a)
	}
	return out
}
