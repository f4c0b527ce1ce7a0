package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdobak/go-xerrors"

	"github.com/ofinucan7/abracadabra/models"
	"github.com/ofinucan7/abracadabra/utils"
)

// sqlite keeps hot lookups batched under its parameter limit
const sqliteLookupChunk = 500

// SQLiteClient stores the inverted index in a single sqlite file.
// Ingests stage into a side table that Lookup never reads; commit moves
// the rows over in one transaction, so queries see all of a track's
// fingerprints or none of them.
type SQLiteClient struct {
	db *sql.DB
	// sqlite serializes writers anyway; the mutex keeps our own
	// transactions from deadlocking on the shared connection pool.
	writeMu sync.Mutex
}

func NewSQLiteClient(path string, header SchemaHeader) (*SQLiteClient, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := utils.CreateFolder(dir); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.New("failed to open sqlite database", err)
	}

	c := &SQLiteClient{db: db}
	if err := c.setup(header); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteClient) setup(header SchemaHeader) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			title       TEXT NOT NULL,
			artist      TEXT NOT NULL,
			source_ref  TEXT NOT NULL UNIQUE,
			frame_count INTEGER NOT NULL DEFAULT 0,
			committed   INTEGER NOT NULL DEFAULT 0,
			ingested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			hash        INTEGER NOT NULL,
			track_id    INTEGER NOT NULL,
			anchor_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_hash ON fingerprints(hash)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_track ON fingerprints(track_id)`,
		`CREATE TABLE IF NOT EXISTS staged_fingerprints (
			hash        INTEGER NOT NULL,
			track_id    INTEGER NOT NULL,
			anchor_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_staged_track ON staged_fingerprints(track_id)`,
	}
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return xerrors.New("failed to create schema", err)
		}
	}

	if err := c.verifyHeader(header); err != nil {
		return err
	}

	// crash recovery: staged rows and uncommitted tracks from a previous
	// process are unreachable by design, drop them so their state can't
	// leak into a later commit
	if _, err := c.db.Exec(`DELETE FROM staged_fingerprints`); err != nil {
		return xerrors.New("failed to clear stale staged rows", err)
	}
	if _, err := c.db.Exec(`DELETE FROM tracks WHERE committed = 0`); err != nil {
		return xerrors.New("failed to clear uncommitted tracks", err)
	}
	return nil
}

// verifyHeader installs the header into an empty meta table, or checks
// every field against what a previous build recorded.
func (c *SQLiteClient) verifyHeader(header SchemaHeader) error {
	rows, err := c.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return xerrors.New("failed to read meta table", err)
	}
	stored := SchemaHeader{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return xerrors.New("failed to scan meta row", err)
		}
		stored[k] = v
	}
	if err := rows.Close(); err != nil {
		return xerrors.New("failed to read meta table", err)
	}

	if len(stored) == 0 {
		tx, err := c.db.Begin()
		if err != nil {
			return xerrors.New("failed to write header", err)
		}
		for k, v := range header {
			if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
				tx.Rollback()
				return xerrors.New("failed to write header", err)
			}
		}
		return tx.Commit()
	}

	for k, want := range header {
		if got, ok := stored[k]; !ok || got != want {
			return fmt.Errorf("%w: %s is %q, build expects %q", ErrSchemaMismatch, k, stored[k], want)
		}
	}
	return nil
}

func (c *SQLiteClient) BeginIngest(ctx context.Context, track models.Track) (uint32, bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var (
		id        uint32
		committed int
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, committed FROM tracks WHERE source_ref = ?`, track.SourceRef).
		Scan(&id, &committed)
	switch {
	case err == nil && committed == 1:
		return id, true, nil
	case err == nil:
		// leftover from an ingest that never finished in this process;
		// discard it and burn the id
		if err := c.abortLocked(ctx, id); err != nil {
			return 0, false, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, xerrors.New("failed to query track by source_ref", err)
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tracks (title, artist, source_ref) VALUES (?, ?, ?)`,
		track.Title, track.Artist, track.SourceRef)
	if err != nil {
		return 0, false, xerrors.New("failed to insert track", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, false, xerrors.New("failed to read new track id", err)
	}
	return uint32(newID), false, nil
}

func (c *SQLiteClient) AppendFingerprints(ctx context.Context, trackID uint32, fps []models.Fingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.New("failed to begin staging transaction", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO staged_fingerprints (hash, track_id, anchor_time) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return xerrors.New("failed to prepare staging insert", err)
	}
	for _, fp := range fps {
		if _, err := stmt.ExecContext(ctx, int64(fp.Hash), int64(trackID), int64(fp.AnchorTime)); err != nil {
			stmt.Close()
			tx.Rollback()
			return xerrors.New("failed to stage fingerprint", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (c *SQLiteClient) CommitIngest(ctx context.Context, trackID uint32, frameCount uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.New("failed to begin commit transaction", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tracks SET committed = 1, frame_count = ? WHERE id = ? AND committed = 0`,
		int64(frameCount), int64(trackID))
	if err != nil {
		tx.Rollback()
		return xerrors.New("failed to mark track committed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: %d has no pending ingest", ErrUnknownTrack, trackID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fingerprints (hash, track_id, anchor_time)
		 SELECT hash, track_id, anchor_time FROM staged_fingerprints WHERE track_id = ?`,
		int64(trackID)); err != nil {
		tx.Rollback()
		return xerrors.New("failed to promote staged fingerprints", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_fingerprints WHERE track_id = ?`, int64(trackID)); err != nil {
		tx.Rollback()
		return xerrors.New("failed to clear staged fingerprints", err)
	}
	return tx.Commit()
}

func (c *SQLiteClient) AbortIngest(ctx context.Context, trackID uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.abortLocked(ctx, trackID)
}

func (c *SQLiteClient) abortLocked(ctx context.Context, trackID uint32) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.New("failed to begin abort transaction", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_fingerprints WHERE track_id = ?`, int64(trackID)); err != nil {
		tx.Rollback()
		return xerrors.New("failed to discard staged fingerprints", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tracks WHERE id = ? AND committed = 0`, int64(trackID)); err != nil {
		tx.Rollback()
		return xerrors.New("failed to discard uncommitted track", err)
	}
	return tx.Commit()
}

func (c *SQLiteClient) Lookup(ctx context.Context, hashes []uint32) (map[uint32][]models.Couple, error) {
	out := make(map[uint32][]models.Couple)
	for start := 0; start < len(hashes); start += sqliteLookupChunk {
		end := start + sqliteLookupChunk
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = int64(h)
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT hash, track_id, anchor_time FROM fingerprints WHERE hash IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, xerrors.New("fingerprint lookup failed", err)
		}
		for rows.Next() {
			var hash, trackID, anchor int64
			if err := rows.Scan(&hash, &trackID, &anchor); err != nil {
				rows.Close()
				return nil, xerrors.New("failed to scan posting", err)
			}
			out[uint32(hash)] = append(out[uint32(hash)], models.Couple{
				TrackID:    uint32(trackID),
				AnchorTime: uint32(anchor),
			})
		}
		if err := rows.Close(); err != nil {
			return nil, xerrors.New("fingerprint lookup failed", err)
		}
	}
	return out, nil
}

func (c *SQLiteClient) TrackByID(ctx context.Context, id uint32) (models.Track, error) {
	var t models.Track
	var frameCount int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id, title, artist, source_ref, frame_count FROM tracks WHERE id = ? AND committed = 1`,
		int64(id)).Scan(&t.ID, &t.Title, &t.Artist, &t.SourceRef, &frameCount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Track{}, fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	if err != nil {
		return models.Track{}, xerrors.New("failed to load track", err)
	}
	t.FrameCount = uint32(frameCount)
	return t, nil
}

func (c *SQLiteClient) ListTracks(ctx context.Context) ([]models.Track, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, artist, source_ref, frame_count FROM tracks WHERE committed = 1 ORDER BY id`)
	if err != nil {
		return nil, xerrors.New("failed to list tracks", err)
	}
	defer rows.Close()

	var tracks []models.Track
	for rows.Next() {
		var t models.Track
		var frameCount int64
		if err := rows.Scan(&t.ID, &t.Title, &t.Artist, &t.SourceRef, &frameCount); err != nil {
			return nil, xerrors.New("failed to scan track", err)
		}
		t.FrameCount = uint32(frameCount)
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

func (c *SQLiteClient) TotalTracks(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracks WHERE committed = 1`).Scan(&n)
	if err != nil {
		return 0, xerrors.New("failed to count tracks", err)
	}
	return n, nil
}

func (c *SQLiteClient) TotalFingerprints(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&n)
	if err != nil {
		return 0, xerrors.New("failed to count fingerprints", err)
	}
	return n, nil
}

func (c *SQLiteClient) DeleteAll(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, table := range []string{"fingerprints", "staged_fingerprints", "tracks"} {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return xerrors.New("failed to clear table "+table, err)
		}
	}
	return nil
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}
