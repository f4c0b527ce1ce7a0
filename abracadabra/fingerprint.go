package abracadabra

import "github.com/ofinucan7/abracadabra/models"

const (
	freqBits  = 9
	deltaBits = 14

	maxFreqField  = 1<<freqBits - 1
	maxDeltaField = 1<<deltaBits - 1
)

// PackHash packs an anchor bin, a target bin, and their frame delta into
// a 32-bit address laid out [anchor:9 | target:9 | delta:14]. Fields
// saturate at their width instead of wrapping, so out-of-range relations
// collapse onto the field ceiling rather than aliasing unrelated ones.
// The layout is frozen per database (see hashLayoutVersion).
func PackHash(anchorBin, targetBin uint16, deltaFrames uint32) uint32 {
	a := uint32(anchorBin)
	if a > maxFreqField {
		a = maxFreqField
	}
	b := uint32(targetBin)
	if b > maxFreqField {
		b = maxFreqField
	}
	d := deltaFrames
	if d > maxDeltaField {
		d = maxDeltaField
	}
	return a<<(freqBits+deltaBits) | b<<deltaBits | d
}

// UnpackHash reverses PackHash. Saturated fields unpack to the field
// ceiling, not the original value.
func UnpackHash(hash uint32) (anchorBin, targetBin uint16, deltaFrames uint32) {
	anchorBin = uint16(hash >> (freqBits + deltaBits) & maxFreqField)
	targetBin = uint16(hash >> deltaBits & maxFreqField)
	deltaFrames = hash & maxDeltaField
	return
}

// Pairs combines peaks into hash records. Each anchor is paired with up
// to FanOut later peaks whose frame distance falls inside
// [MinDeltaFrames, MaxDeltaFrames], taken in ascending (frame, bin)
// order. The peak slice must already be in that order, which is what
// extractPeaks produces. Emission order is anchors first, then pairing
// order, so two runs over the same peaks are bitwise identical.
func Pairs(peaks []Peak, p Params) []models.Fingerprint {
	var fps []models.Fingerprint
	for i, anchor := range peaks {
		emitted := 0
		for j := i + 1; j < len(peaks) && emitted < p.FanOut; j++ {
			target := peaks[j]
			delta := target.Frame - anchor.Frame
			if delta < uint32(p.MinDeltaFrames) {
				continue
			}
			if delta > uint32(p.MaxDeltaFrames) {
				break
			}
			fps = append(fps, models.Fingerprint{
				Hash:       PackHash(anchor.Bin, target.Bin, delta),
				AnchorTime: anchor.Frame,
			})
			emitted++
		}
	}
	return fps
}
