// ABOUTME: Format negotiation between decoder readings and device capabilities
// ABOUTME: Independent nearest-rate and nearest-depth searches, then exact intersection
package audio

import "math"

// BestFormat picks the catalog entry matching a decoder reading.
//
// The nearest sample rate and the nearest bit depth are searched
// independently (first minimal element wins on ties), then the catalog is
// filtered to entries carrying both exactly. When the two winners come from
// entries that never combine, there is no safe match and ok is false.
func BestFormat(stat StreamStat, catalog []PhysicalFormat) (PhysicalFormat, bool) {
	if len(catalog) == 0 {
		return PhysicalFormat{}, false
	}

	rate := float64(stat.SampleRate)
	nearestRate := catalog[0]
	for _, f := range catalog[1:] {
		if math.Abs(f.SampleRate-rate) < math.Abs(nearestRate.SampleRate-rate) {
			nearestRate = f
		}
	}

	nearestDepth := catalog[0]
	for _, f := range catalog[1:] {
		if absInt(f.BitsPerChannel-stat.BitDepth) < absInt(nearestDepth.BitsPerChannel-stat.BitDepth) {
			nearestDepth = f
		}
	}

	for _, f := range catalog {
		if f.SampleRate == nearestRate.SampleRate && f.BitsPerChannel == nearestDepth.BitsPerChannel {
			return f, true
		}
	}

	return PhysicalFormat{}, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
