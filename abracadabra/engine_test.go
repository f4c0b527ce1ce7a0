package abracadabra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofinucan7/abracadabra/models"
)

// memoryIndex is an in-process Index with the same staging semantics as
// the persistent stores: nothing is visible to Lookup before commit.
type memoryIndex struct {
	mu        sync.Mutex
	nextID    uint32
	tracks    map[uint32]models.Track
	committed map[uint32]bool
	bySource  map[string]uint32
	staged    map[uint32][]models.Fingerprint
	postings  map[uint32][]models.Couple
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		tracks:    map[uint32]models.Track{},
		committed: map[uint32]bool{},
		bySource:  map[string]uint32{},
		staged:    map[uint32][]models.Fingerprint{},
		postings:  map[uint32][]models.Couple{},
	}
}

func (m *memoryIndex) BeginIngest(_ context.Context, track models.Track) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySource[track.SourceRef]; ok && m.committed[id] {
		return id, true, nil
	}
	m.nextID++
	id := m.nextID
	track.ID = id
	m.tracks[id] = track
	m.bySource[track.SourceRef] = id
	return id, false, nil
}

func (m *memoryIndex) AppendFingerprints(_ context.Context, trackID uint32, fps []models.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[trackID] = append(m.staged[trackID], fps...)
	return nil
}

func (m *memoryIndex) CommitIngest(_ context.Context, trackID uint32, frameCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range m.staged[trackID] {
		m.postings[fp.Hash] = append(m.postings[fp.Hash], models.Couple{
			TrackID:    trackID,
			AnchorTime: fp.AnchorTime,
		})
	}
	delete(m.staged, trackID)
	track := m.tracks[trackID]
	track.FrameCount = frameCount
	m.tracks[trackID] = track
	m.committed[trackID] = true
	return nil
}

func (m *memoryIndex) AbortIngest(_ context.Context, trackID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, trackID)
	if !m.committed[trackID] {
		delete(m.bySource, m.tracks[trackID].SourceRef)
		delete(m.tracks, trackID)
	}
	return nil
}

func (m *memoryIndex) Lookup(_ context.Context, hashes []uint32) (map[uint32][]models.Couple, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uint32][]models.Couple{}
	for _, h := range hashes {
		if couples, ok := m.postings[h]; ok {
			out[h] = append([]models.Couple(nil), couples...)
		}
	}
	return out, nil
}

func (m *memoryIndex) TrackByID(_ context.Context, id uint32) (models.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.committed[id] {
		return models.Track{}, fmt.Errorf("unknown track %d", id)
	}
	return m.tracks[id], nil
}

func (m *memoryIndex) visiblePostings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, couples := range m.postings {
		n += len(couples)
	}
	return n
}

// sweep synthesizes a chirp with light noise, the standard reference
// signal for recognition tests.
func sweep(durSec float64, f0, f1 float64, sampleRate int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	n := int(durSec * float64(sampleRate))
	out := make([]float64, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		phase := 2 * math.Pi * (f0*t + (f1-f0)*t*t/(2*durSec))
		out[i] = 0.8*math.Sin(phase) + 0.1*(rng.Float64()*2-1)
	}
	return out
}

func noise(durSec float64, sampleRate int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, int(durSec*float64(sampleRate)))
	for i := range out {
		out[i] = rng.Float64()*2 - 1
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(idx Index) *Engine {
	return NewEngine(DefaultParams(), idx, discardLogger())
}

func TestEngineSelfRecognition(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)
	ctx := context.Background()

	reference := sweep(30, 200, 4000, p.SampleRate, 42)
	trackID, fpCount, err := engine.Ingest(ctx, Samples(reference), models.Track{
		Title: "reference", Artist: "synthetic", SourceRef: "ref-42",
	})
	require.NoError(t, err)
	require.Greater(t, fpCount, 0)

	// a 10 s window starting on a frame boundary near 10 s in
	startFrame := 430
	start := startFrame * p.HopSize
	snippet := reference[start : start+10*p.SampleRate]

	result, err := engine.Recognize(ctx, Samples(snippet), RecognizeOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusOk, result.Status)
	require.NotEmpty(t, result.Results)

	top := result.Results[0]
	assert.Equal(t, trackID, top.TrackID)
	assert.Equal(t, "reference", top.Title)
	assert.GreaterOrEqual(t, int(top.Score), p.MinSupport)

	wantOffset := float64(startFrame) * p.FrameDuration()
	assert.InDelta(t, wantOffset, top.OffsetSeconds, 2*p.FrameDuration(),
		"alignment offset should point at the window start")
}

func TestEngineEmptyStoreNoPhantom(t *testing.T) {
	p := DefaultParams()
	engine := newTestEngine(newMemoryIndex())

	result, err := engine.Recognize(context.Background(),
		Samples(noise(5, p.SampleRate, 7)), RecognizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmpty, result.Status)
	assert.Empty(t, result.Results)
}

func TestEngineUnknownQueryStaysEmpty(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)
	ctx := context.Background()

	_, _, err := engine.Ingest(ctx, Samples(sweep(20, 200, 4000, p.SampleRate, 42)),
		models.Track{Title: "reference", SourceRef: "ref"})
	require.NoError(t, err)

	result, err := engine.Recognize(ctx, Samples(noise(10, p.SampleRate, 7)), RecognizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmpty, result.Status)
}

func TestEngineSilenceQueryIsEmptyNotError(t *testing.T) {
	p := DefaultParams()
	engine := newTestEngine(newMemoryIndex())

	result, err := engine.Recognize(context.Background(),
		Samples(make([]float64, p.SampleRate)), RecognizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmpty, result.Status)
}

func TestEngineTwoTrackDiscrimination(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)
	ctx := context.Background()

	upID, _, err := engine.Ingest(ctx, Samples(sweep(20, 200, 4000, p.SampleRate, 42)),
		models.Track{Title: "up", SourceRef: "up"})
	require.NoError(t, err)
	_, _, err = engine.Ingest(ctx, Samples(sweep(20, 4000, 200, p.SampleRate, 43)),
		models.Track{Title: "down", SourceRef: "down"})
	require.NoError(t, err)

	reference := sweep(20, 200, 4000, p.SampleRate, 42)
	start := 215 * p.HopSize // a frame boundary near 5 s in
	snippet := reference[start : start+10*p.SampleRate]
	result, err := engine.Recognize(ctx, Samples(snippet), RecognizeOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusOk, result.Status)
	require.NotEmpty(t, result.Results)
	assert.Equal(t, upID, result.Results[0].TrackID)
	if len(result.Results) > 1 {
		assert.Less(t, result.Results[1].Score, result.Results[0].Score)
	}
}

func TestEngineDuplicateSourceSkipped(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)
	ctx := context.Background()

	samples := sweep(10, 200, 4000, p.SampleRate, 42)
	firstID, firstCount, err := engine.Ingest(ctx, Samples(samples),
		models.Track{Title: "once", SourceRef: "same-source"})
	require.NoError(t, err)
	require.Greater(t, firstCount, 0)
	before := idx.visiblePostings()

	secondID, secondCount, err := engine.Ingest(ctx, Samples(samples),
		models.Track{Title: "once", SourceRef: "same-source"})
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)
	assert.Zero(t, secondCount)
	assert.Equal(t, before, idx.visiblePostings(), "re-ingest must not duplicate rows")
}

// failingIndex fails AppendFingerprints after a number of calls.
type failingIndex struct {
	*memoryIndex
	appendsLeft int
	aborted     []uint32
}

func (f *failingIndex) AppendFingerprints(ctx context.Context, trackID uint32, fps []models.Fingerprint) error {
	if f.appendsLeft == 0 {
		return errors.New("disk full")
	}
	f.appendsLeft--
	return f.memoryIndex.AppendFingerprints(ctx, trackID, fps)
}

func (f *failingIndex) AbortIngest(ctx context.Context, trackID uint32) error {
	f.aborted = append(f.aborted, trackID)
	return f.memoryIndex.AbortIngest(ctx, trackID)
}

func TestEngineIngestAbortsOnStorageError(t *testing.T) {
	p := DefaultParams()
	idx := &failingIndex{memoryIndex: newMemoryIndex(), appendsLeft: 0}
	engine := newTestEngine(idx)

	_, _, err := engine.Ingest(context.Background(),
		Samples(sweep(10, 200, 4000, p.SampleRate, 42)),
		models.Track{Title: "doomed", SourceRef: "doomed"})
	require.Error(t, err)
	assert.Len(t, idx.aborted, 1, "failed ingest must abort its staged state")
	assert.Zero(t, idx.visiblePostings())
}

func TestEngineIngestCancellation(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := engine.Ingest(ctx, Samples(sweep(10, 200, 4000, p.SampleRate, 42)),
		models.Track{Title: "cancelled", SourceRef: "cancelled"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, idx.visiblePostings())
}

func TestEngineRecognizeDeadlinePartial(t *testing.T) {
	p := DefaultParams()
	idx := newMemoryIndex()
	engine := newTestEngine(idx)
	ctx := context.Background()

	reference := sweep(20, 200, 4000, p.SampleRate, 42)
	_, _, err := engine.Ingest(ctx, Samples(reference),
		models.Track{Title: "reference", SourceRef: "ref"})
	require.NoError(t, err)

	result, err := engine.Recognize(ctx, Samples(reference[:10*p.SampleRate]),
		RecognizeOptions{Deadline: time.Nanosecond})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, result.Status,
		"an exhausted budget reports partial, never an error")
}
