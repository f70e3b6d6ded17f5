package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/export"
)

func exportTrackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchKey := chi.URLParam(r, "batch")
		tag := chi.URLParam(r, "tag")

		ds, err := cfg.Service.ExportTrack(r.Context(), batchKey, tag)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		writeDataset(w, export.FileName(batchKey, tag), ds)
	}
}

func exportTracksHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchKey := chi.URLParam(r, "batch")
		q := r.URL.Query()

		status, err := curation.ParseExportStatusFilter(q.Get("status_filter"))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		tags, err := curation.ParseTrackTags(q.Get("track_tags"))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		ds, err := cfg.Service.ExportTracks(r.Context(), batchKey, curation.ExportQuery{Status: status, Tags: tags})
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		writeDataset(w, export.FileName(batchKey, string(status)), ds)
	}
}

// writeDataset sends ds as a JSON attachment.
func writeDataset(w http.ResponseWriter, filename string, ds *export.Dataset) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	WriteJSON(w, http.StatusOK, ds)
}
