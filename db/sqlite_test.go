package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofinucan7/abracadabra/models"
)

func testHeader() SchemaHeader {
	return SchemaHeader{
		"layout_version": "1",
		"sample_rate":    "22050",
		"window_size":    "2048",
		"hop_size":       "512",
		"window":         "hann",
	}
}

func openTestClient(t *testing.T, path string) *SQLiteClient {
	t.Helper()
	c, err := NewSQLiteClient(path, testHeader())
	require.NoError(t, err)
	return c
}

func testFingerprints(n int, base uint32) []models.Fingerprint {
	fps := make([]models.Fingerprint, n)
	for i := range fps {
		fps[i] = models.Fingerprint{Hash: base + uint32(i), AnchorTime: uint32(i * 3)}
	}
	return fps
}

func hashesOf(fps []models.Fingerprint) []uint32 {
	hashes := make([]uint32, len(fps))
	for i, fp := range fps {
		hashes[i] = fp.Hash
	}
	return hashes
}

func TestStagedFingerprintsAreInvisible(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	id, existing, err := c.BeginIngest(ctx, models.Track{Title: "a", Artist: "b", SourceRef: "src-1"})
	require.NoError(t, err)
	require.False(t, existing)

	fps := testFingerprints(100, 5000)
	require.NoError(t, c.AppendFingerprints(ctx, id, fps))

	postings, err := c.Lookup(ctx, hashesOf(fps))
	require.NoError(t, err)
	assert.Empty(t, postings, "no lookup may observe uncommitted fingerprints")

	require.NoError(t, c.CommitIngest(ctx, id, 300))

	postings, err = c.Lookup(ctx, hashesOf(fps))
	require.NoError(t, err)
	assert.Len(t, postings, 100)
	assert.Equal(t, []models.Couple{{TrackID: id, AnchorTime: 0}}, postings[5000])

	track, err := c.TrackByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), track.FrameCount)
}

func TestAbortIngestDiscardsEverything(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	id, _, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "src-1"})
	require.NoError(t, err)
	fps := testFingerprints(50, 9000)
	require.NoError(t, c.AppendFingerprints(ctx, id, fps))
	require.NoError(t, c.AbortIngest(ctx, id))

	postings, err := c.Lookup(ctx, hashesOf(fps))
	require.NoError(t, err)
	assert.Empty(t, postings)

	_, err = c.TrackByID(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownTrack)

	n, err := c.TotalTracks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBeginIngestIdempotentBySourceRef(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	id, _, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "shared"})
	require.NoError(t, err)
	require.NoError(t, c.AppendFingerprints(ctx, id, testFingerprints(10, 100)))
	require.NoError(t, c.CommitIngest(ctx, id, 40))

	again, existing, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "shared"})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, id, again)

	total, err := c.TotalFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total, "idempotent begin must not duplicate rows")
}

func TestBeginIngestReplacesCrashLeftover(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	stale, _, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "src"})
	require.NoError(t, err)
	require.NoError(t, c.AppendFingerprints(ctx, stale, testFingerprints(20, 100)))

	// same source begins again without commit or abort
	fresh, existing, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "src"})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, stale, fresh, "the stale id is burned")

	require.NoError(t, c.AppendFingerprints(ctx, fresh, testFingerprints(5, 100)))
	require.NoError(t, c.CommitIngest(ctx, fresh, 15))

	total, err := c.TotalFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total, "only the fresh ingest's rows survive")
}

func TestCommitWithoutPendingIngestFails(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	err := c.CommitIngest(ctx, 12345, 10)
	assert.ErrorIs(t, err, ErrUnknownTrack)

	id, _, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "src"})
	require.NoError(t, err)
	require.NoError(t, c.CommitIngest(ctx, id, 10))
	assert.ErrorIs(t, c.CommitIngest(ctx, id, 10), ErrUnknownTrack, "double commit is rejected")
}

func TestSchemaMismatchOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c := openTestClient(t, path)
	require.NoError(t, c.Close())

	other := testHeader()
	other["window_size"] = "4096"
	_, err := NewSQLiteClient(path, other)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCrashRecoveryDropsUncommittedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c := openTestClient(t, path)
	ctx := context.Background()

	done, _, err := c.BeginIngest(ctx, models.Track{Title: "done", SourceRef: "done"})
	require.NoError(t, err)
	require.NoError(t, c.AppendFingerprints(ctx, done, testFingerprints(10, 100)))
	require.NoError(t, c.CommitIngest(ctx, done, 30))

	crashed, _, err := c.BeginIngest(ctx, models.Track{Title: "crashed", SourceRef: "crashed"})
	require.NoError(t, err)
	crashedFPs := testFingerprints(40, 70000)
	require.NoError(t, c.AppendFingerprints(ctx, crashed, crashedFPs))
	require.NoError(t, c.Close()) // process dies before commit

	c = openTestClient(t, path)
	defer c.Close()

	postings, err := c.Lookup(ctx, hashesOf(crashedFPs))
	require.NoError(t, err)
	assert.Empty(t, postings)

	tracks, err := c.ListTracks(ctx)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "done", tracks[0].Title)

	total, err := c.TotalFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestLookupSpansChunks(t *testing.T) {
	c := openTestClient(t, filepath.Join(t.TempDir(), "test.db"))
	defer c.Close()
	ctx := context.Background()

	id, _, err := c.BeginIngest(ctx, models.Track{Title: "big", SourceRef: "big"})
	require.NoError(t, err)
	fps := testFingerprints(2*sqliteLookupChunk+17, 1)
	require.NoError(t, c.AppendFingerprints(ctx, id, fps))
	require.NoError(t, c.CommitIngest(ctx, id, 5000))

	postings, err := c.Lookup(ctx, hashesOf(fps))
	require.NoError(t, err)
	assert.Len(t, postings, len(fps))
}

func TestDeleteAllKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c := openTestClient(t, path)
	ctx := context.Background()

	id, _, err := c.BeginIngest(ctx, models.Track{Title: "a", SourceRef: "src"})
	require.NoError(t, err)
	require.NoError(t, c.AppendFingerprints(ctx, id, testFingerprints(10, 100)))
	require.NoError(t, c.CommitIngest(ctx, id, 30))
	require.NoError(t, c.DeleteAll(ctx))

	n, err := c.TotalTracks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, c.Close())

	// same header still opens the wiped database
	c = openTestClient(t, path)
	assert.NoError(t, c.Close())
}
