package abracadabra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofinucan7/abracadabra/models"
)

// query builds n fingerprints with distinct hashes at consecutive
// anchor frames.
func query(n int) []models.Fingerprint {
	fps := make([]models.Fingerprint, n)
	for i := range fps {
		fps[i] = models.Fingerprint{Hash: uint32(1000 + i), AnchorTime: uint32(i)}
	}
	return fps
}

// alignedPostings answers every query hash with one posting for trackID
// shifted by a constant frame offset.
func alignedPostings(fps []models.Fingerprint, trackID uint32, offset int64) map[uint32][]models.Couple {
	postings := make(map[uint32][]models.Couple, len(fps))
	for _, fp := range fps {
		postings[fp.Hash] = append(postings[fp.Hash], models.Couple{
			TrackID:    trackID,
			AnchorTime: uint32(int64(fp.AnchorTime) + offset),
		})
	}
	return postings
}

func TestScoreAlignmentEmptyInputs(t *testing.T) {
	tests := []struct {
		name     string
		query    []models.Fingerprint
		postings map[uint32][]models.Couple
	}{
		{"nil query and postings", nil, nil},
		{"query without postings", query(10), map[uint32][]models.Couple{}},
		{"postings without query", nil, alignedPostings(query(10), 1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, scoreAlignment(tt.query, tt.postings, 5))
		})
	}
}

func TestScoreAlignmentPerfectMatch(t *testing.T) {
	fps := query(20)
	cands := scoreAlignment(fps, alignedPostings(fps, 7, 0), 5)

	require.Len(t, cands, 1)
	assert.Equal(t, uint32(7), cands[0].trackID)
	assert.Equal(t, uint32(20), cands[0].score)
	assert.Equal(t, int64(0), cands[0].offset)
}

func TestScoreAlignmentShiftedMatch(t *testing.T) {
	fps := query(20)
	cands := scoreAlignment(fps, alignedPostings(fps, 7, 431), 5)

	require.Len(t, cands, 1)
	assert.Equal(t, uint32(20), cands[0].score)
	assert.Equal(t, int64(431), cands[0].offset, "offset histogram mode is the alignment")
}

func TestScoreAlignmentMinSupportGate(t *testing.T) {
	fps := query(4) // only 4 aligned votes possible
	cands := scoreAlignment(fps, alignedPostings(fps, 7, 0), 5)
	assert.Empty(t, cands)
}

func TestScoreAlignmentScatteredCollisionsScoreLow(t *testing.T) {
	fps := query(30)
	// every hash hits the same track but at incoherent offsets, the way
	// chance collisions do
	postings := make(map[uint32][]models.Couple, len(fps))
	for i, fp := range fps {
		postings[fp.Hash] = []models.Couple{{TrackID: 3, AnchorTime: uint32(i * 97)}}
	}
	cands := scoreAlignment(fps, postings, 5)
	assert.Empty(t, cands, "uniformly scattered offsets never reach min support")
}

func TestScoreAlignmentRankingAndTieBreak(t *testing.T) {
	fps := query(30)

	postings := alignedPostings(fps, 9, 0) // 30 votes for track 9
	for _, fp := range fps[:12] {          // 12 votes each for tracks 5 and 2
		postings[fp.Hash] = append(postings[fp.Hash],
			models.Couple{TrackID: 5, AnchorTime: fp.AnchorTime + 50},
			models.Couple{TrackID: 2, AnchorTime: fp.AnchorTime + 80},
		)
	}

	cands := scoreAlignment(fps, postings, 5)
	require.Len(t, cands, 3)
	assert.Equal(t, uint32(9), cands[0].trackID)
	assert.Equal(t, uint32(2), cands[1].trackID, "equal scores order by lower track id")
	assert.Equal(t, uint32(5), cands[2].trackID)
}

func TestTopKIncludesBoundaryTies(t *testing.T) {
	ranked := []candidate{
		{trackID: 1, score: 10},
		{trackID: 2, score: 8},
		{trackID: 3, score: 8},
		{trackID: 4, score: 8},
		{trackID: 5, score: 2},
	}

	got := topK(ranked, 2)
	require.Len(t, got, 4, "ties at the boundary ride along")
	assert.Equal(t, uint32(10), got[0].score)
	for _, c := range got[1:] {
		assert.Equal(t, uint32(8), c.score)
	}

	assert.Len(t, topK(ranked, 5), 5)
	assert.Len(t, topK(ranked, 0), 5, "k<=0 keeps everything")
}
