package engine

import (
	"errors"
	"fmt"
)

// ErrScoreOutOfBands means a composite fell outside every configured band.
// It points at a configuration problem rather than a bad request.
var ErrScoreOutOfBands = errors.New("composite score outside configured bands")

// Band maps a score interval to a category. Intervals are half open,
// [Min, Max), except the last band which also includes Max.
type Band struct {
	Min      float64 `yaml:"min" json:"min"`
	Max      float64 `yaml:"max" json:"max"`
	Category string  `yaml:"category" json:"category"`
	Severe   bool    `yaml:"severe" json:"severe"`
}

// Bands is a validated, ascending and contiguous band table.
type Bands struct {
	bands []Band
	mins  []Decimal
	max   Decimal
}

// NewBands validates bands: at least one, each non-empty with Min < Max, and
// every band starting exactly where the previous one ends.
func NewBands(bands []Band) (*Bands, error) {
	if len(bands) == 0 {
		return nil, errors.New("bands: at least one band is required")
	}
	b := &Bands{bands: append([]Band(nil), bands...), mins: make([]Decimal, len(bands))}
	seen := make(map[string]struct{}, len(bands))
	for i, band := range bands {
		if band.Category == "" {
			return nil, fmt.Errorf("bands[%d]: category is required", i)
		}
		if _, dup := seen[band.Category]; dup {
			return nil, fmt.Errorf("bands[%d]: duplicate category %q", i, band.Category)
		}
		seen[band.Category] = struct{}{}

		lo, err := DecimalFromFloat(band.Min)
		if err != nil {
			return nil, fmt.Errorf("bands[%d].min: %w", i, err)
		}
		hi, err := DecimalFromFloat(band.Max)
		if err != nil {
			return nil, fmt.Errorf("bands[%d].max: %w", i, err)
		}
		if lo.Cmp(hi) >= 0 {
			return nil, fmt.Errorf("bands[%d] %q: min %v must be below max %v", i, band.Category, band.Min, band.Max)
		}
		if i > 0 && bands[i-1].Max != band.Min {
			return nil, fmt.Errorf("bands[%d] %q: starts at %v but previous band ends at %v", i, band.Category, band.Min, bands[i-1].Max)
		}
		b.mins[i] = lo
		b.max = hi
	}
	return b, nil
}

// Classify returns the band containing score. A score equal to a shared
// boundary belongs to the higher band.
func (b *Bands) Classify(score Decimal) (Band, error) {
	last := len(b.bands) - 1
	if score.Cmp(b.max) > 0 {
		return Band{}, fmt.Errorf("%w: %s", ErrScoreOutOfBands, score)
	}
	for i := last; i >= 0; i-- {
		if score.Cmp(b.mins[i]) >= 0 {
			return b.bands[i], nil
		}
	}
	return Band{}, fmt.Errorf("%w: %s", ErrScoreOutOfBands, score)
}

// List returns a copy of the band table.
func (b *Bands) List() []Band {
	return append([]Band(nil), b.bands...)
}
