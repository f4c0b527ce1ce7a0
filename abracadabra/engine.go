package abracadabra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ofinucan7/abracadabra/models"
)

const (
	// fingerprints staged per AppendFingerprints call during ingest
	ingestBatchSize = 5000
	// hashes per Lookup call during recognition
	lookupBatchSize = 1000
)

// Index is the slice of the store the engine needs. Staged rows must
// stay invisible to Lookup until CommitIngest, and BeginIngest must be
// idempotent on SourceRef.
type Index interface {
	BeginIngest(ctx context.Context, track models.Track) (trackID uint32, existing bool, err error)
	AppendFingerprints(ctx context.Context, trackID uint32, fps []models.Fingerprint) error
	CommitIngest(ctx context.Context, trackID uint32, frameCount uint32) error
	AbortIngest(ctx context.Context, trackID uint32) error
	Lookup(ctx context.Context, hashes []uint32) (map[uint32][]models.Couple, error)
	TrackByID(ctx context.Context, id uint32) (models.Track, error)
}

// SampleSource yields successive chunks of mono PCM at the engine's
// sample rate. It returns io.EOF when the stream ends. Chunks are owned
// by the source and consumed before the next call.
type SampleSource interface {
	NextChunk() ([]float64, error)
}

type sliceSource struct {
	samples []float64
	done    bool
}

func (s *sliceSource) NextChunk() ([]float64, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.samples, nil
}

// Samples wraps an in-memory buffer as a SampleSource.
func Samples(samples []float64) SampleSource {
	return &sliceSource{samples: samples}
}

// RecognizeOptions tune one query. Zero values fall back to the engine
// parameters; Deadline zero means no time budget.
type RecognizeOptions struct {
	TopK       int
	MinSupport int
	Deadline   time.Duration
}

// Engine ties the extraction pipeline to an index store. It is safe for
// concurrent use: every ingest and query builds its own extractor, and
// the store carries its own concurrency contract.
type Engine struct {
	p   Params
	idx Index
	log *slog.Logger
}

func NewEngine(p Params, idx Index, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{p: p, idx: idx, log: log}
}

// Params returns the engine's build parameters.
func (e *Engine) Params() Params { return e.p }

// drain pulls the whole source through a fresh extractor, checking for
// cancellation between chunks.
func (e *Engine) drain(ctx context.Context, src SampleSource) (*Extractor, error) {
	ext := NewExtractor(e.p)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := src.NextChunk()
		if errors.Is(err, io.EOF) {
			return ext, nil
		}
		if err != nil {
			return nil, err
		}
		ext.Write(chunk)
	}
}

// Ingest fingerprints a reference track and commits it atomically. A
// source_ref already committed is skipped and its existing id returned
// with zero new fingerprints. Any failure past BeginIngest, including
// cancellation, aborts the staged state and leaves the index as if the
// ingest never started.
func (e *Engine) Ingest(ctx context.Context, src SampleSource, info models.Track) (trackID uint32, fpCount int, err error) {
	ext, err := e.drain(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	peaks, err := ext.Peaks()
	if err != nil {
		return 0, 0, err
	}
	fps := Pairs(peaks, e.p)
	e.log.Debug("extracted fingerprints", "source", info.SourceRef, "peaks", len(peaks), "fingerprints", len(fps))

	trackID, existing, err := e.idx.BeginIngest(ctx, info)
	if err != nil {
		return 0, 0, err
	}
	if existing {
		e.log.Info("track already indexed, skipping", "trackId", trackID, "source", info.SourceRef)
		return trackID, 0, nil
	}

	abort := func(cause error) (uint32, int, error) {
		if abortErr := e.idx.AbortIngest(context.WithoutCancel(ctx), trackID); abortErr != nil {
			e.log.Error("failed to abort ingest", "trackId", trackID, "error", abortErr)
		}
		return 0, 0, cause
	}

	for start := 0; start < len(fps); start += ingestBatchSize {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return abort(ctxErr)
		}
		end := start + ingestBatchSize
		if end > len(fps) {
			end = len(fps)
		}
		if err := e.idx.AppendFingerprints(ctx, trackID, fps[start:end]); err != nil {
			return abort(err)
		}
	}

	if err := e.idx.CommitIngest(ctx, trackID, ext.FrameCount()); err != nil {
		return abort(err)
	}
	return trackID, len(fps), nil
}

// Recognize matches a query snippet against the index and returns the
// ranked candidates. No peaks or no candidate reaching min support is the
// StatusEmpty outcome, not an error. When the deadline runs out the best
// scoring over the postings fetched so far comes back as StatusPartial.
// Cancellation discards all partial state and returns the context error.
func (e *Engine) Recognize(ctx context.Context, src SampleSource, opts RecognizeOptions) (models.RecognizeResult, error) {
	topk := opts.TopK
	if topk <= 0 {
		topk = e.p.TopK
	}
	minSupport := opts.MinSupport
	if minSupport <= 0 {
		minSupport = e.p.MinSupport
	}

	ext, err := e.drain(ctx, src)
	if err != nil {
		return models.RecognizeResult{}, err
	}
	peaks, err := ext.Peaks()
	if err != nil {
		return models.RecognizeResult{}, err
	}
	if len(peaks) == 0 {
		return models.RecognizeResult{Status: models.StatusEmpty, Results: []models.Match{}}, nil
	}
	fps := Pairs(peaks, e.p)
	if len(fps) == 0 {
		return models.RecognizeResult{Status: models.StatusEmpty, Results: []models.Match{}}, nil
	}

	var cutoff time.Time
	if opts.Deadline > 0 {
		cutoff = time.Now().Add(opts.Deadline)
	}

	hashes := uniqueHashes(fps)
	postings := make(map[uint32][]models.Couple, len(hashes))
	partial := false
	for start := 0; start < len(hashes); start += lookupBatchSize {
		if err := ctx.Err(); err != nil {
			return models.RecognizeResult{}, err
		}
		if !cutoff.IsZero() && time.Now().After(cutoff) {
			partial = true
			e.log.Warn("query deadline exceeded, scoring fetched postings only",
				"fetched", start, "total", len(hashes))
			break
		}
		end := start + lookupBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch, err := e.idx.Lookup(ctx, hashes[start:end])
		if err != nil {
			return models.RecognizeResult{}, err
		}
		for h, couples := range batch {
			postings[h] = couples
		}
	}

	ranked := topK(scoreAlignment(fps, postings, minSupport), topk)

	results := make([]models.Match, 0, len(ranked))
	for _, c := range ranked {
		track, err := e.idx.TrackByID(ctx, c.trackID)
		if err != nil {
			return models.RecognizeResult{}, err
		}
		results = append(results, models.Match{
			TrackID:       c.trackID,
			Title:         track.Title,
			Artist:        track.Artist,
			Score:         c.score,
			OffsetSeconds: float64(c.offset) * e.p.FrameDuration(),
		})
	}

	status := models.StatusOk
	switch {
	case partial:
		status = models.StatusPartial
	case len(results) == 0:
		status = models.StatusEmpty
	}
	return models.RecognizeResult{
		Status:            status,
		Results:           results,
		QueryFingerprints: len(fps),
	}, nil
}

// uniqueHashes keeps first-occurrence order so lookup batches track the
// query's own time order.
func uniqueHashes(fps []models.Fingerprint) []uint32 {
	seen := make(map[uint32]struct{}, len(fps))
	out := make([]uint32, 0, len(fps))
	for _, fp := range fps {
		if _, ok := seen[fp.Hash]; ok {
			continue
		}
		seen[fp.Hash] = struct{}{}
		out = append(out, fp.Hash)
	}
	return out
}
