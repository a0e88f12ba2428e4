// Package money provides minor-unit currency handling and platform fee
// computation.
//
// All amounts are stored as Cents (int64, 2 decimal places). Amounts cross
// the API as decimal strings ("57.50") to avoid float drift in clients.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const Decimals = 2

var ErrInvalidAmount = errors.New("money: invalid amount")

// Cents is a monetary amount in minor units (1 Cents = 0.01).
type Cents int64

// Parse converts a decimal string (e.g. "57.50") to Cents.
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional parts beyond 2 places are rejected (no silent truncation
//     of money)
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	var total int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		total = total*10 + int64(r-'0')
		if total < 0 { // overflow
			return 0, ErrInvalidAmount
		}
	}
	return Cents(total), nil
}

// MustParse parses a decimal string and panics on invalid input.
// Intended for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic("money: MustParse(" + s + "): " + err.Error())
	}
	return c
}

// String formats the amount as a decimal string with exactly 2 places.
func (c Cents) String() string {
	neg := c < 0
	v := int64(c)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		s = "-" + s
	}
	return s
}

// MarshalJSON encodes the amount as a decimal string.
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a decimal string ("57.50") or a JSON number.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Fall back to bare numbers for lenient clients.
		var f json.Number
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return ErrInvalidAmount
		}
		s = f.String()
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
