package abracadabra

import (
	"sort"

	"github.com/ofinucan7/abracadabra/models"
)

// candidate is one track's best temporal alignment against the query.
type candidate struct {
	trackID uint32
	score   uint32
	offset  int64 // frames; t_reference - t_query at the histogram mode
}

// scoreAlignment builds the per-track offset histogram and returns every
// track whose mode reaches minSupport.
//
// A genuine match piles many postings onto a single offset delta while
// chance hash collisions scatter uniformly, so the histogram mode is the
// score. Iteration order over maps is randomized, hence results are
// fully ordered afterwards: score descending, then track id ascending.
func scoreAlignment(query []models.Fingerprint, postings map[uint32][]models.Couple, minSupport int) []candidate {
	type bins = map[int64]uint32
	trackBins := make(map[uint32]bins)

	for _, fp := range query {
		for _, c := range postings[fp.Hash] {
			delta := int64(c.AnchorTime) - int64(fp.AnchorTime)
			b := trackBins[c.TrackID]
			if b == nil {
				b = make(bins)
				trackBins[c.TrackID] = b
			}
			b[delta]++
		}
	}

	var out []candidate
	for trackID, b := range trackBins {
		var best candidate
		best.trackID = trackID
		for delta, count := range b {
			if count > best.score || (count == best.score && delta < best.offset) {
				best.score = count
				best.offset = delta
			}
		}
		if int(best.score) >= minSupport {
			out = append(out, best)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].trackID < out[j].trackID
	})
	return out
}

// topK cuts ranked candidates to k entries, keeping everything tied with
// the kth score, so the result may run longer than k.
func topK(ranked []candidate, k int) []candidate {
	if k <= 0 || len(ranked) <= k {
		return ranked
	}
	cut := k
	boundary := ranked[k-1].score
	for cut < len(ranked) && ranked[cut].score == boundary {
		cut++
	}
	return ranked[:cut]
}
