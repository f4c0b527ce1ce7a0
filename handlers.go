package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ofinucan7/abracadabra/abracadabra"
	"github.com/ofinucan7/abracadabra/db"
	"github.com/ofinucan7/abracadabra/models"
	"github.com/ofinucan7/abracadabra/utils"
	"github.com/ofinucan7/abracadabra/wav"
)

const maxUploadSize = 500 << 20 // 500 MB

// server holds the long-lived engine and store behind the HTTP API.
type server struct {
	engine *abracadabra.Engine
	store  db.Client
}

func serve(port string) int {
	engine, store, err := openEngine()
	if err != nil {
		return reportOpenError(err)
	}
	defer store.Close()

	s := &server{engine: engine, store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/index", s.handleIndex)
	mux.HandleFunc("/api/match", s.handleMatch)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/entries", s.handleEntries)

	handler := requestLogger(corsMiddleware(mux))

	log.Info("starting server", "port", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Error("server error", "error", err)
		return exitDatabaseError
	}
	return exitMatch
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)

		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info("[http]", "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "took", time.Since(start).String())
		}
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	log.Warn("[http] request failed", "status", status, "reason", msg)
	writeJSON(w, status, map[string]string{"error": msg})
}

// saveUploadedFile spools the multipart upload to tmp and returns its
// path.
func saveUploadedFile(r *http.Request) (string, string, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", fmt.Errorf("no file provided: %v", err)
	}
	defer file.Close()

	if err := utils.CreateFolder("tmp"); err != nil {
		return "", "", err
	}

	tmpPath := filepath.Join("tmp", fmt.Sprintf("upload_%d_%s", time.Now().UnixNano(), header.Filename))
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", "", fmt.Errorf("failed to write file: %v", err)
	}
	return tmpPath, header.Filename, nil
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return
	}

	tmpPath, filename, err := saveUploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmpPath)

	title := r.FormValue("title")
	artist := r.FormValue("artist")
	if title == "" || artist == "" {
		if meta, err := wav.GetMetadata(tmpPath); err == nil {
			if title == "" {
				title = meta.Title
			}
			if artist == "" {
				artist = meta.Artist
			}
		}
	}
	if title == "" {
		title = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	if artist == "" {
		artist = "unknown"
	}

	src, err := wav.NewChunkSource(tmpPath, s.engine.Params().SampleRate, ingestChunkSec)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable audio: %v", err))
		return
	}

	trackID, fpCount, err := s.engine.Ingest(r.Context(), src, models.Track{
		Title:     title,
		Artist:    artist,
		SourceRef: utils.GenerateTrackKey(title, artist),
	})
	switch {
	case errors.Is(err, abracadabra.ErrCorruptInput):
		writeError(w, http.StatusUnprocessableEntity, "audio is corrupt")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info("[index] completed", "title", title, "trackId", trackID, "fingerprints", fpCount)
	writeJSON(w, http.StatusOK, map[string]any{
		"trackId":      trackID,
		"title":        title,
		"artist":       artist,
		"fingerprints": fpCount,
		"alreadyKnown": fpCount == 0,
	})
}

func (s *server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid form")
		return
	}

	tmpPath, _, err := saveUploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmpPath)

	opts := abracadabra.RecognizeOptions{}
	if v := r.FormValue("topk"); v != "" {
		opts.TopK, _ = strconv.Atoi(v)
	}
	if v := r.FormValue("deadlineMs"); v != "" {
		ms, _ := strconv.Atoi(v)
		opts.Deadline = time.Duration(ms) * time.Millisecond
	}

	src, err := wav.NewChunkSource(tmpPath, s.engine.Params().SampleRate, ingestChunkSec)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable audio: %v", err))
		return
	}

	start := time.Now()
	result, err := s.engine.Recognize(r.Context(), src, opts)
	switch {
	case errors.Is(err, abracadabra.ErrCorruptInput):
		writeError(w, http.StatusUnprocessableEntity, "audio is corrupt")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info("[match] completed", "status", string(result.Status),
		"results", len(result.Results), "took", time.Since(start).String())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             result.Status,
		"matches":            result.Results,
		"searchTimeMs":       time.Since(start).Milliseconds(),
		"sampleFingerprints": result.QueryFingerprints,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	totalTracks, err := s.store.TotalTracks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	totalFP, err := s.store.TotalFingerprints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totalTracks":       totalTracks,
		"totalFingerprints": totalFP,
	})
}

func (s *server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tracks, err := s.store.ListTracks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	type entry struct {
		ID     uint32 `json:"id"`
		Title  string `json:"title"`
		Artist string `json:"artist"`
	}
	entries := make([]entry, 0, len(tracks))
	for _, t := range tracks {
		entries = append(entries, entry{ID: t.ID, Title: t.Title, Artist: t.Artist})
	}
	writeJSON(w, http.StatusOK, entries)
}
