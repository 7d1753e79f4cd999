package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidAmount    = errors.New("invalid money amount")
	ErrInvalidShareRate = errors.New("share rate must be a decimal between 0 and 1 with at most 4 fractional digits")
)

// Money is an amount in minor units (cents). All stored and accumulated
// amounts use it; floats only appear at the display edge.
type Money int64

// Cents builds Money from a minor-unit count.
func Cents(c int64) Money { return Money(c) }

// ParseMoney parses a major-unit decimal string ("25.5", "25.50", "-3").
// Digits past the second fractional place are rounded half-up, i.e. the
// result is round(price x 100) computed in decimal, not binary.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	cents := int64(0)
	for i := 0; i < 2; i++ {
		cents *= 10
		if i < len(frac) {
			cents += int64(frac[i] - '0')
		}
	}
	if len(frac) > 2 && frac[2] >= '5' {
		cents++
	}

	total := units*100 + cents
	if total < 0 || units > (1<<62)/100 {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	if neg {
		total = -total
	}
	return Money(total), nil
}

// MoneyFromFloat converts a legacy float amount using its shortest decimal
// representation, so 0.1+0.2 becomes 30 cents and 1.005 becomes 101.
func MoneyFromFloat(f float64) (Money, error) {
	return ParseMoney(strconv.FormatFloat(f, 'f', -1, 64))
}

func (m Money) Cents() int64 { return int64(m) }

func (m Money) Add(other Money) Money { return m + other }

// Major returns the amount in major units. cents/100 is the float closest
// to the exact decimal, so 30 cents is exactly the literal 0.30.
func (m Money) Major() float64 { return float64(m) / 100 }

// String renders the amount with exactly two fractional digits.
func (m Money) String() string {
	c := int64(m)
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// ShareRate is a fraction in [0, 1] held in basis points (1/10000).
type ShareRate struct {
	bps int64
}

// DefaultRevenueShare is the documented driver share of an order price.
var DefaultRevenueShare = ShareRate{bps: 4000}

// ParseShareRate parses a decimal fraction such as "0.40" or "1".
func ParseShareRate(s string) (ShareRate, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if s == "" || !allDigits(whole) || !allDigits(frac) || len(frac) > 4 || (whole == "" && frac == "") {
		return ShareRate{}, fmt.Errorf("%w: %q", ErrInvalidShareRate, s)
	}
	w := int64(0)
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return ShareRate{}, fmt.Errorf("%w: %q", ErrInvalidShareRate, s)
		}
		w = v
	}
	f := int64(0)
	for i := 0; i < 4; i++ {
		f *= 10
		if i < len(frac) {
			f += int64(frac[i] - '0')
		}
	}
	bps := w*10000 + f
	if w > 1 || bps > 10000 {
		return ShareRate{}, fmt.Errorf("%w: %q", ErrInvalidShareRate, s)
	}
	return ShareRate{bps: bps}, nil
}

// MustShareRate is ParseShareRate for constants; it panics on bad input.
func MustShareRate(s string) ShareRate {
	r, err := ParseShareRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r ShareRate) BasisPoints() int64 { return r.bps }

func (r ShareRate) String() string {
	return fmt.Sprintf("%d.%04d", r.bps/10000, r.bps%10000)
}

// Of returns the share of m rounded half-up (away from zero) to a whole cent.
func (r ShareRate) Of(m Money) Money {
	product := int64(m) * r.bps
	if product < 0 {
		return Money(-((-product + 5000) / 10000))
	}
	return Money((product + 5000) / 10000)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
