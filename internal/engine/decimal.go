package engine

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// decimalContext is shared by every score computation so results are reproducible.
var decimalContext = apd.BaseContext.WithPrecision(34)

// Decimal is an exact decimal used for composite scores and band edges.
type Decimal struct {
	value apd.Decimal
}

// NewDecimal parses s into a Decimal.
func NewDecimal(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal: %w", err)
	}
	return Decimal{value: d}, nil
}

// DecimalFromFloat converts f through its shortest decimal representation, so
// 0.3 becomes exactly 0.3 rather than the nearest binary fraction.
func DecimalFromFloat(f float64) (Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Decimal{}, fmt.Errorf("invalid decimal: %v", f)
	}
	return NewDecimal(strconv.FormatFloat(f, 'f', -1, 64))
}

func (d Decimal) String() string {
	return d.value.String()
}

func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Float64 returns the nearest float64.
func (d Decimal) Float64() float64 {
	f, err := d.value.Float64()
	if err != nil {
		return math.NaN()
	}
	return f
}

// Add returns the sum of d and other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = decimalContext.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Mul returns the product of d and other.
func (d Decimal) Mul(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = decimalContext.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Quo returns d divided by other. Callers must not divide by zero.
func (d Decimal) Quo(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = decimalContext.Quo(&result, &d.value, &other.value)
	var reduced apd.Decimal
	reduced.Reduce(&result)
	return Decimal{value: reduced}
}
