package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
)

const maxBodyBytes = 1 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Resolver == nil {
		cfg.Resolver = passthroughResolver{}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	if cfg.Media != nil {
		r.Get("/media/*", mediaHandler(cfg))
		r.Head("/media/*", mediaHandler(cfg))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthToken, cfg.Logger))
		r.Use(IdentityMiddleware())

		r.Get("/batches", listBatchesHandler(cfg))

		r.Route("/batches/{batch}", func(r chi.Router) {
			r.Get("/frames", listFramesHandler(cfg))
			r.Get("/frames/{index}", getFrameHandler(cfg))
			r.Get("/frames/{index}/history", frameHistoryHandler(cfg))
			r.Post("/frames/{index}/save", saveFrameHandler(cfg))

			r.Get("/tracks", listTracksHandler(cfg))
			r.Get("/tracks/export", exportTracksHandler(cfg))
			r.Get("/tracks/{tag}/frames", trackFramesHandler(cfg))
			r.Get("/tracks/{tag}/samples", trackSamplesHandler(cfg))
			r.Post("/tracks/{tag}/abandon", trackActionHandler(cfg, cfg.Service.AbandonTrack))
			r.Post("/tracks/{tag}/accept", trackActionHandler(cfg, cfg.Service.AcceptTrack))
			r.Post("/tracks/{tag}/recover", trackActionHandler(cfg, cfg.Service.RecoverTrack))
			r.Post("/tracks/{tag}/complete", trackCompleteHandler(cfg, cfg.Service.CompleteTrack))
			r.Post("/tracks/{tag}/uncomplete", trackCompleteHandler(cfg, cfg.Service.UncompleteTrack))
			r.Post("/tracks/{tag}/class", trackClassHandler(cfg))
			r.Post("/tracks/{tag}/person-down", trackPersonDownHandler(cfg))
			r.Get("/tracks/{tag}/export", exportTrackHandler(cfg))
		})

		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.ServeWS)
		}
	})

	return r
}

type passthroughResolver struct{}

func (passthroughResolver) URL(uri string) string { return uri }

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Version:   cfg.Version,
			UptimeS:   uptime,
			Namespace: cfg.Namespace,
			Domain:    cfg.Domain,
		})
	}
}

func mediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := chi.URLParam(r, "*")
		if err := cfg.Media.ServeFile(w, r, rel); err != nil {
			cfg.Logger.Error("media error", "error", err, "path", rel)
		}
	}
}

func listBatchesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeIncomplete, err := boolQuery(r, "include_incomplete")
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		batches, err := cfg.Service.ListBatches(r.Context(), includeIncomplete)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := BatchesResponse{Batches: make([]BatchResponse, len(batches))}
		for i, b := range batches {
			resp.Batches[i] = BatchToResponse(b)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchKey := chi.URLParam(r, "batch")
		skip, err := intQuery(r, "skip", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		limit, err := intQuery(r, "limit", curation.DefaultFrameLimit)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		frames, err := cfg.Service.ListFrames(r.Context(), batchKey, skip, limit)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := FramesResponse{
			BatchKey: batchKey,
			Skip:     skip,
			Limit:    limit,
			Frames:   make([]FrameResponse, len(frames)),
		}
		for i, f := range frames {
			resp.Frames[i] = FrameToResponse(f, cfg.Resolver)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := frameIndex(w, r)
		if !ok {
			return
		}

		detail, err := cfg.Service.GetFrame(r.Context(), chi.URLParam(r, "batch"), index)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := FrameDetailResponse{
			BatchKey:    detail.BatchKey,
			Frame:       FrameToResponse(detail.Frame, cfg.Resolver),
			Annotations: annotationsToResponse(detail.Annotations, cfg.Resolver),
			Tracks:      make([]FrameTrackResponse, len(detail.Tracks)),
		}
		for i, t := range detail.Tracks {
			resp.Tracks[i] = FrameTrackToResponse(t)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func frameHistoryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := frameIndex(w, r)
		if !ok {
			return
		}
		batchKey := chi.URLParam(r, "batch")

		judgments, err := cfg.Service.FrameHistory(r.Context(), batchKey, index)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := FrameHistoryResponse{
			BatchKey:   batchKey,
			FrameIndex: index,
			Judgments:  make([]JudgmentResponse, len(judgments)),
		}
		for i, j := range judgments {
			resp.Judgments[i] = JudgmentToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func saveFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := frameIndex(w, r)
		if !ok {
			return
		}

		var req SaveFrameRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.FrameVersion == nil {
			WriteError(w, http.StatusBadRequest, "frame_version is required", "BAD_REQUEST")
			return
		}

		save := curation.FrameSave{
			FrameVersion: *req.FrameVersion,
			Overrides:    make([]curation.AnnotationOverride, len(req.Annotations)),
			User:         reviewer(r, req.User),
			Note:         req.Note,
		}
		for i, a := range req.Annotations {
			save.Overrides[i] = curation.AnnotationOverride{
				AnnotationID: a.AnnotationID,
				Status:       curation.AnnotationStatus(a.Status),
				PersonDown:   a.PersonDown,
			}
		}

		result, err := cfg.Service.SaveFrame(r.Context(), chi.URLParam(r, "batch"), index, save)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, SaveFrameResponse{
			FrameVersion:       result.FrameVersion,
			UpdatedAnnotations: result.UpdatedAnnotations,
		})
	}
}

func frameIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		WriteError(w, http.StatusBadRequest, "invalid frame index", "BAD_REQUEST")
		return 0, false
	}
	return index, true
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return v, nil
}
