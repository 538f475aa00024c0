// ABOUTME: Device capability snapshot
// ABOUTME: Read-only list of physical formats a device advertised at a point in time
package audio

import "time"

// Catalog is a snapshot of a device's advertised formats
type Catalog struct {
	Device       string
	Formats      []PhysicalFormat
	NominalRates []float64
	CapturedAt   time.Time
}

// Rates returns the distinct sample rates in catalog order
func (c Catalog) Rates() []float64 {
	seen := make(map[float64]bool, len(c.Formats))
	var rates []float64
	for _, f := range c.Formats {
		if seen[f.SampleRate] {
			continue
		}
		seen[f.SampleRate] = true
		rates = append(rates, f.SampleRate)
	}
	return rates
}

// Contains reports whether the exact format is advertised
func (c Catalog) Contains(format PhysicalFormat) bool {
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Best negotiates against this snapshot
func (c Catalog) Best(stat StreamStat) (PhysicalFormat, bool) {
	return BestFormat(stat, c.Formats)
}
