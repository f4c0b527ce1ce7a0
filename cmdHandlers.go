package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/buger/jsonparser"
	"github.com/schollz/progressbar/v3"

	"github.com/ofinucan7/abracadabra/abracadabra"
	"github.com/ofinucan7/abracadabra/db"
	"github.com/ofinucan7/abracadabra/models"
	"github.com/ofinucan7/abracadabra/utils"
	"github.com/ofinucan7/abracadabra/wav"
)

// seconds of audio fingerprinted per ffmpeg extraction during ingest
const ingestChunkSec = 300

var log = utils.Logger()

// openEngine loads the build parameters and opens the store, verifying
// the database header against them.
func openEngine() (*abracadabra.Engine, db.Client, error) {
	params, err := abracadabra.LoadParams(utils.GetEnv("PARAMS_FILE", "abracadabra.yaml"))
	if err != nil {
		return nil, nil, err
	}
	store, err := db.NewDBClient(db.SchemaHeader(params.Header()))
	if err != nil {
		return nil, nil, err
	}
	return abracadabra.NewEngine(params, store, log), store, nil
}

// cancelOnSignal returns a context that ends on SIGINT/SIGTERM so an
// interrupted ingest aborts its staged rows instead of leaking them.
func cancelOnSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func find(filePath string, topk, minSupport int, deadline time.Duration) int {
	engine, store, err := openEngine()
	if err != nil {
		return reportOpenError(err)
	}
	defer store.Close()

	ctx, cancel := cancelOnSignal()
	defer cancel()

	log.Info("[find] fingerprinting query", "file", filePath)
	src, err := wav.NewChunkSource(filePath, engine.Params().SampleRate, ingestChunkSec)
	if err != nil {
		fmt.Printf("error reading audio: %v\n", err)
		return exitCorruptInput
	}

	start := time.Now()
	result, err := engine.Recognize(ctx, src, abracadabra.RecognizeOptions{
		TopK:       topk,
		MinSupport: minSupport,
		Deadline:   deadline,
	})
	switch {
	case errors.Is(err, abracadabra.ErrCorruptInput):
		fmt.Println("error: query audio is corrupt")
		return exitCorruptInput
	case err != nil:
		fmt.Printf("error finding matches: %v\n", err)
		return exitDatabaseError
	}

	if result.Status == models.StatusEmpty {
		fmt.Printf("\nno match found (%d query fingerprints, search took %s)\n",
			result.QueryFingerprints, time.Since(start))
		return exitNoMatch
	}

	if result.Status == models.StatusPartial {
		fmt.Println("note: deadline hit, results are best-effort")
	}
	fmt.Println("matches:")
	for _, m := range result.Results {
		fmt.Printf("\t- %s by %s, score %d, offset %.2fs\n", m.Title, m.Artist, m.Score, m.OffsetSeconds)
	}
	fmt.Printf("\nsearch took: %s\n", time.Since(start))

	top := result.Results[0]
	fmt.Printf("\nfinal prediction: %s by %s (score %d)\n", top.Title, top.Artist, top.Score)
	return exitMatch
}

func save(path, manifest string) int {
	engine, store, err := openEngine()
	if err != nil {
		return reportOpenError(err)
	}
	defer store.Close()

	ctx, cancel := cancelOnSignal()
	defer cancel()

	var entries []manifestEntry
	if manifest != "" {
		entries, err = loadManifest(manifest)
		if err != nil {
			fmt.Printf("error reading manifest: %v\n", err)
			return exitUsage
		}
	} else {
		entries, err = collectFiles(path)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return exitUsage
		}
	}
	if len(entries) == 0 {
		fmt.Println("nothing to index")
		return exitMatch
	}

	failed := processEntriesConcurrently(ctx, engine, entries)
	if failed > 0 {
		return exitDatabaseError
	}
	return exitMatch
}

// manifestEntry is one track to index: a local file plus optional
// metadata overrides.
type manifestEntry struct {
	File   string
	Title  string
	Artist string
}

// loadManifest parses a JSON array of {file, title, artist} objects.
func loadManifest(path string) ([]manifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []manifestEntry
	var parseErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		file, err := jsonparser.GetString(value, "file")
		if err != nil {
			parseErr = fmt.Errorf("manifest entry missing \"file\": %s", value)
			return
		}
		title, _ := jsonparser.GetString(value, "title")
		artist, _ := jsonparser.GetString(value, "artist")
		entries = append(entries, manifestEntry{File: file, Title: title, Artist: artist})
	})
	if err != nil {
		return nil, err
	}
	return entries, parseErr
}

func collectFiles(path string) ([]manifestEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []manifestEntry{{File: path}}, nil
	}

	var entries []manifestEntry
	err = filepath.Walk(path, func(fp string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch filepath.Ext(fp) {
		case ".wav", ".mp3", ".m4a", ".flac", ".ogg":
			entries = append(entries, manifestEntry{File: fp})
		}
		return nil
	})
	return entries, err
}

func processEntriesConcurrently(ctx context.Context, engine *abracadabra.Engine, entries []manifestEntry) (failed int) {
	maxWorkers := runtime.NumCPU() / 2
	if maxWorkers > len(entries) {
		maxWorkers = len(entries)
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	bar := progressbar.Default(int64(len(entries)), "indexing")

	jobs := make(chan manifestEntry, len(entries))
	results := make(chan error, len(entries))

	for w := 0; w < maxWorkers; w++ {
		go func() {
			for entry := range jobs {
				results <- saveEntry(ctx, engine, entry)
				bar.Add(1)
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)

	success := 0
	for range entries {
		if err := <-results; err != nil {
			fmt.Printf("\nerror: %v\n", err)
			failed++
		} else {
			success++
		}
	}

	fmt.Printf("\nprocessed %d files: %d successful, %d failed\n", len(entries), success, failed)
	return failed
}

func saveEntry(ctx context.Context, engine *abracadabra.Engine, entry manifestEntry) error {
	title, artist := entry.Title, entry.Artist
	if title == "" || artist == "" {
		if meta, err := wav.GetMetadata(entry.File); err == nil {
			if title == "" {
				title = meta.Title
			}
			if artist == "" {
				artist = meta.Artist
			}
		}
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(entry.File), filepath.Ext(entry.File))
	}
	if artist == "" {
		artist = "unknown"
	}

	src, err := wav.NewChunkSource(entry.File, engine.Params().SampleRate, ingestChunkSec)
	if err != nil {
		return fmt.Errorf("failed to read %q: %v", entry.File, err)
	}

	trackID, fpCount, err := engine.Ingest(ctx, src, models.Track{
		Title:     title,
		Artist:    artist,
		SourceRef: utils.GenerateTrackKey(title, artist),
	})
	if err != nil {
		return fmt.Errorf("failed to index %q: %v", entry.File, err)
	}

	if fpCount == 0 {
		log.Info("[save] already indexed", "title", title, "artist", artist, "trackId", trackID)
	} else {
		log.Info("[save] indexed", "title", title, "artist", artist, "trackId", trackID, "fingerprints", fpCount)
	}
	return nil
}

func erase() int {
	_, store, err := openEngine()
	if err != nil {
		return reportOpenError(err)
	}
	defer store.Close()

	if err := store.DeleteAll(context.Background()); err != nil {
		fmt.Printf("error clearing database: %v\n", err)
		return exitDatabaseError
	}
	fmt.Println("database cleared")
	return exitMatch
}

func stats() int {
	_, store, err := openEngine()
	if err != nil {
		return reportOpenError(err)
	}
	defer store.Close()

	ctx := context.Background()
	totalTracks, err := store.TotalTracks(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return exitDatabaseError
	}
	totalFP, err := store.TotalFingerprints(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return exitDatabaseError
	}

	fmt.Printf("tracks:       %d\n", totalTracks)
	fmt.Printf("fingerprints: %d\n", totalFP)
	return exitMatch
}

func reportOpenError(err error) int {
	if errors.Is(err, db.ErrSchemaMismatch) {
		fmt.Printf("error: %v\n", err)
		fmt.Println("the database was built with different parameters; rebuild it or match the build")
		return exitDatabaseError
	}
	fmt.Printf("error opening database: %v\n", err)
	return exitDatabaseError
}
