package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
)

type transitionFunc func(ctx context.Context, batchKey, tag string, act curation.TrackAction) (*curation.TransitionResult, error)

type completionFunc func(ctx context.Context, batchKey, tag, user string) (*curation.CompletionResult, error)

func listTracksHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchKey := chi.URLParam(r, "batch")

		tracks, err := cfg.Service.ListTracks(r.Context(), batchKey)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := TracksResponse{BatchKey: batchKey, Tracks: make([]TrackResponse, len(tracks))}
		for i, t := range tracks {
			resp.Tracks[i] = TrackToResponse(t)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func trackFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		blur, err := curation.ParseBlurFilter(r.URL.Query().Get("blur"))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		frames, err := cfg.Service.TrackFrames(r.Context(), chi.URLParam(r, "batch"), tag, blur)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := TrackFramesResponse{TrackTag: tag, Frames: make([]TrackFrameResponse, len(frames))}
		for i, tf := range frames {
			resp.Frames[i] = TrackFrameResponse{
				Frame:          FrameToResponse(tf.Frame, cfg.Resolver),
				Annotations:    annotationsToResponse(tf.Annotations, cfg.Resolver),
				Pending:        tf.Pending,
				Accepted:       tf.Accepted,
				Rejected:       tf.Rejected,
				AbandonedCount: tf.AbandonedCount,
				Completed:      tf.Completed,
				Abandoned:      tf.InAbandonedRange,
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func trackSamplesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		limit, err := intQuery(r, "limit", curation.DefaultSampleLimit)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		blur, err := curation.ParseBlurFilter(r.URL.Query().Get("blur"))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		samples, err := cfg.Service.TrackSamples(r.Context(), chi.URLParam(r, "batch"), tag, limit, blur)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := TrackSamplesResponse{TrackTag: tag, Samples: make([]TrackSampleResponse, len(samples))}
		for i, s := range samples {
			ann := AnnotationToResponse(s.Annotation, cfg.Resolver)
			resp.Samples[i] = TrackSampleResponse{
				Annotation: ann,
				FrameID:    s.Frame.ID,
				FrameIndex: s.Frame.Index,
				ImageURL:   cfg.Resolver.URL(s.Frame.GCSURI),
				PatchURL:   ann.PatchURL,
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func trackActionHandler(cfg ServerConfig, apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackActionRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.FromFrameIndex == nil {
			WriteError(w, http.StatusBadRequest, "from_frame_index is required", "BAD_REQUEST")
			return
		}
		blur, err := curation.ParseBlurFilter(req.Blur)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		act := curation.TrackAction{
			FromFrame: *req.FromFrameIndex,
			User:      reviewer(r, req.User),
			Reason:    req.Reason,
			Blur:      blur,
		}

		result, err := apply(r.Context(), chi.URLParam(r, "batch"), chi.URLParam(r, "tag"), act)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, TrackActionResponse{
			UpdatedAnnotations: result.UpdatedAnnotations,
			TrackStatus:        string(result.TrackStatus),
		})
	}
}

func trackCompleteHandler(cfg ServerConfig, apply completionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackCompleteRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		result, err := apply(r.Context(), chi.URLParam(r, "batch"), chi.URLParam(r, "tag"), reviewer(r, req.User))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, TrackCompleteResponse{
			TrackStatus:       string(result.TrackStatus),
			ManuallyCompleted: result.ManuallyCompleted,
		})
	}
}

func trackClassHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackClassRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		class, err := curation.ParseTrackClass(req.PrimaryClass)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		tag := chi.URLParam(r, "tag")
		changed, err := cfg.Service.SetPrimaryClass(r.Context(), chi.URLParam(r, "batch"), tag, class, reviewer(r, req.User))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, TrackUpdateResponse{TrackTag: tag, Changed: changed})
	}
}

func trackPersonDownHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrackPersonDownRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.PersonDown == nil {
			WriteError(w, http.StatusBadRequest, "person_down is required", "BAD_REQUEST")
			return
		}

		tag := chi.URLParam(r, "tag")
		changed, err := cfg.Service.SetPersonDown(r.Context(), chi.URLParam(r, "batch"), tag, *req.PersonDown, reviewer(r, req.User))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, TrackUpdateResponse{TrackTag: tag, Changed: changed})
	}
}
