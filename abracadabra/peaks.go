package abracadabra

import "sort"

// Peak is a local maximum of the log-magnitude spectrogram. Frame counts
// hops from the start of the track; Bin is the FFT bin index. Mag only
// lives long enough to drive the density cap and is never persisted.
type Peak struct {
	Frame uint32
	Bin   uint16
	Mag   float64
}

// extractPeaks scans a log-magnitude spectrogram for landmark peaks.
//
// A bin survives when it is strictly greater than every neighbor within
// +/-TimeNeighborhood frames and +/-FreqNeighborhood bins, and strictly
// greater than the Percentile-th magnitude of its segment (the
// spectrogram is cut into PercentileWindow-frame segments; each frame
// uses its segment's threshold). Survivors are then capped to
// PeakDensity per second, loudest first, ties broken by lower bin and
// then lower frame. Output is ordered by (frame, bin).
func extractPeaks(spec [][]float64, p Params) []Peak {
	if len(spec) == 0 || len(spec[0]) == 0 {
		return []Peak{}
	}

	nFrames := len(spec)
	nBins := len(spec[0])

	segment := p.PercentileWindow
	if segment <= 0 || segment > nFrames {
		segment = nFrames
	}

	var candidates []Peak
	for segStart := 0; segStart < nFrames; segStart += segment {
		segEnd := segStart + segment
		if segEnd > nFrames {
			segEnd = nFrames
		}
		threshold := percentile(spec[segStart:segEnd], p.Percentile)

		for t := segStart; t < segEnd; t++ {
			frame := spec[t]
			for f := 0; f < nBins; f++ {
				mag := frame[f]
				if mag <= threshold {
					continue
				}
				if !isLocalMax(spec, t, f, p.TimeNeighborhood, p.FreqNeighborhood) {
					continue
				}
				candidates = append(candidates, Peak{Frame: uint32(t), Bin: uint16(f), Mag: mag})
			}
		}
	}

	capped := capDensity(candidates, p)

	sort.Slice(capped, func(i, j int) bool {
		if capped[i].Frame == capped[j].Frame {
			return capped[i].Bin < capped[j].Bin
		}
		return capped[i].Frame < capped[j].Frame
	})
	return capped
}

// isLocalMax reports whether spec[t][f] strictly dominates its
// neighborhood.
func isLocalMax(spec [][]float64, t, f, dtMax, dfMax int) bool {
	v := spec[t][f]
	for dt := -dtMax; dt <= dtMax; dt++ {
		tt := t + dt
		if tt < 0 || tt >= len(spec) {
			continue
		}
		row := spec[tt]
		for df := -dfMax; df <= dfMax; df++ {
			ff := f + df
			if ff < 0 || ff >= len(row) || (dt == 0 && df == 0) {
				continue
			}
			if row[ff] >= v {
				return false
			}
		}
	}
	return true
}

// percentile computes the pth percentile over every bin of the given
// frames: the sorted value at index floor(pct/100 * (n-1)).
func percentile(frames [][]float64, pct float64) float64 {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	if n == 0 {
		return 0
	}
	flat := make([]float64, 0, n)
	for _, f := range frames {
		flat = append(flat, f...)
	}
	sort.Float64s(flat)

	rank := int(pct / 100 * float64(n-1))
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return flat[rank]
}

// capDensity keeps at most PeakDensity peaks per second of audio,
// preferring louder peaks; ties go to the lower bin, then the earlier
// frame.
func capDensity(peaks []Peak, p Params) []Peak {
	if p.PeakDensity <= 0 {
		return peaks
	}

	framesPerSec := float64(p.SampleRate) / float64(p.HopSize)
	buckets := make(map[uint32][]Peak)
	for _, pk := range peaks {
		sec := uint32(float64(pk.Frame) / framesPerSec)
		buckets[sec] = append(buckets[sec], pk)
	}

	kept := make([]Peak, 0, len(peaks))
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Mag != bucket[j].Mag {
				return bucket[i].Mag > bucket[j].Mag
			}
			if bucket[i].Bin != bucket[j].Bin {
				return bucket[i].Bin < bucket[j].Bin
			}
			return bucket[i].Frame < bucket[j].Frame
		})
		if len(bucket) > p.PeakDensity {
			bucket = bucket[:p.PeakDensity]
		}
		kept = append(kept, bucket...)
	}
	return kept
}
