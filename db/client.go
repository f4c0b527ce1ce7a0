package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ofinucan7/abracadabra/models"
	"github.com/ofinucan7/abracadabra/utils"
)

// ErrSchemaMismatch means a database's stored header disagrees with the
// build parameters of the binary opening it. Such a database must not be
// read or written.
var ErrSchemaMismatch = errors.New("database header does not match build parameters")

// ErrUnknownTrack is returned for lookups of ids the store never
// committed.
var ErrUnknownTrack = errors.New("unknown track id")

// SchemaHeader is the flattened parameter set a database is bound to,
// written once at creation and verified on every open.
type SchemaHeader map[string]string

// Client is the persistent inverted index. Implementations allow any
// number of concurrent Lookup calls alongside in-flight ingests; a
// Lookup never observes fingerprints that were not committed. Distinct
// track ids may ingest in parallel, but callers must not drive one
// track id from two goroutines.
type Client interface {
	// BeginIngest reserves an id for the track. It is idempotent on
	// SourceRef: a source already committed returns its id with
	// existing=true and nothing staged.
	BeginIngest(ctx context.Context, track models.Track) (trackID uint32, existing bool, err error)
	// AppendFingerprints stages a batch for the track. Safe to call
	// repeatedly; nothing becomes visible before CommitIngest.
	AppendFingerprints(ctx context.Context, trackID uint32, fps []models.Fingerprint) error
	// CommitIngest atomically promotes every staged row of the track.
	CommitIngest(ctx context.Context, trackID uint32, frameCount uint32) error
	// AbortIngest discards staged rows and burns the track id.
	AbortIngest(ctx context.Context, trackID uint32) error
	// Lookup returns committed postings for each hash that has any.
	Lookup(ctx context.Context, hashes []uint32) (map[uint32][]models.Couple, error)

	TrackByID(ctx context.Context, id uint32) (models.Track, error)
	ListTracks(ctx context.Context) ([]models.Track, error)
	TotalTracks(ctx context.Context) (int, error)
	TotalFingerprints(ctx context.Context) (int64, error)
	// DeleteAll clears every track and posting but keeps the header.
	DeleteAll(ctx context.Context) error
	Close() error
}

// NewDBClient opens the backend selected by DB_TYPE (sqlite or mongo)
// and verifies the schema header against it.
func NewDBClient(header SchemaHeader) (Client, error) {
	dbType := utils.GetEnv("DB_TYPE", "sqlite")
	switch dbType {
	case "sqlite":
		return NewSQLiteClient(utils.GetEnv("DB_PATH", "db/fingerprints.db"), header)
	case "mongo":
		uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
		name := utils.GetEnv("MONGO_DB", "abracadabra")
		return NewMongoClient(uri, name, header)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q (want sqlite or mongo)", dbType)
	}
}
