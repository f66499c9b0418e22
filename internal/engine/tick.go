package engine

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Tick is an immutable, single observed price sample for one symbol at
// one instant. It is constructed once at ingress and never mutated.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// NewTick normalizes symbol to uppercase and validates the result.
// Outer transport layers should call this rather than constructing a
// Tick literal so every tick reaching Engine.Enqueue is already
// boundary-checked.
func NewTick(symbol string, price decimal.Decimal, timestamp time.Time) (Tick, error) {
	t := Tick{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Price:     price,
		Timestamp: timestamp,
	}
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}
	return t, nil
}

// Validate checks the boundary constraints on a Tick: a non-empty
// symbol of at most 10 graphemes, and a strictly positive price.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: symbol must not be empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(t.Symbol) > 10 {
		return fmt.Errorf("%w: symbol %q exceeds 10 graphemes", ErrInvalidInput, t.Symbol)
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("%w: price must be strictly positive, got %s", ErrInvalidInput, t.Price.String())
	}
	return nil
}
