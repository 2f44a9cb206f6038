package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/cloudreg/align"
	"github.com/rs/zerolog/log"
)

// newHTTPServer creates the results server. store may be nil, in which case
// records are served from the tracker's latest run only.
func newHTTPServer(tracker *align.RunTracker, store *align.RecordStore, outputDir string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("remote", r.RemoteAddr).Msg("[HTTP] /health")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasRun    bool      `json:"hasRun"`
			HasStore  bool      `json:"hasStore"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasRun:    tracker.Latest() != nil,
			HasStore:  store != nil,
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/api/runs/latest", func(w http.ResponseWriter, r *http.Request) {
		snap := tracker.Latest()
		if snap == nil {
			http.Error(w, "No run available", http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "Record store not configured", http.StatusServiceUnavailable)
			return
		}
		runs, err := store.ListRuns()
		if err != nil {
			log.Error().Err(err).Msg("Listing runs")
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []align.RunInfo{}
		}
		writeJSON(w, runs)
	})

	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run")
		snap := tracker.Latest()
		if runID == "" {
			if snap == nil {
				http.Error(w, "No run available", http.StatusNotFound)
				return
			}
			runID = snap.RunID
		}

		var records []*align.Record
		switch {
		case store != nil:
			var err error
			records, err = store.ListByRun(runID)
			if err != nil {
				log.Error().Err(err).Str("run", runID).Msg("Listing records")
				http.Error(w, "Failed to list records", http.StatusInternalServerError)
				return
			}
		case snap != nil && snap.RunID == runID:
			records = snap.Records
		default:
			http.Error(w, "Unknown run", http.StatusNotFound)
			return
		}
		if records == nil {
			records = []*align.Record{}
		}
		writeJSON(w, records)
	})

	// Renders are served from disk when present, otherwise drawn from the
	// stored scene PLY.
	mux.HandleFunc("/renders/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/renders/")
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		id := strings.TrimSuffix(name, "."+ext)
		if !validSampleID(id) || (ext != "svg" && ext != "png") {
			http.NotFound(w, r)
			return
		}

		if path := renderPath(outputDir, id, ext); fileExists(path) {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, path)
			return
		}

		scene, err := align.ReadScenePLY(plyPath(outputDir, id))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			log.Error().Err(err).Str("sample", id).Msg("Reading scene PLY")
			http.Error(w, "Failed to read scene", http.StatusInternalServerError)
			return
		}

		renderer := align.NewSceneRenderer(scene)
		w.Header().Set("Cache-Control", "no-cache")
		if ext == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
			err = renderer.RenderToSVG(w)
		} else {
			renderer.Title = []string{id}
			w.Header().Set("Content-Type", "image/png")
			err = renderer.RenderToPNG(w)
		}
		if err != nil {
			log.Error().Err(err).Str("sample", id).Msg("Rendering scene")
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Encoding JSON response")
	}
}

// validSampleID rejects IDs that could escape the output directory
func validSampleID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
