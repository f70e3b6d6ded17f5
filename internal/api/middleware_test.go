package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/logging"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware(t *testing.T) {
	handler := AuthMiddleware("secret", logging.Discard())(okHandler)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "missing header", target: "/batches", want: http.StatusUnauthorized},
		{name: "wrong scheme", target: "/batches", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "wrong token", target: "/batches", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer token", target: "/batches", header: "Bearer secret", want: http.StatusOK},
		{name: "query token", target: "/ws?batch=b1&access_token=secret", want: http.StatusOK},
		{name: "wrong query token", target: "/ws?batch=b1&access_token=nope", header: "Bearer secret", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	handler := AuthMiddleware("", logging.Discard())(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/batches", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestIdentityMiddleware(t *testing.T) {
	var got string
	handler := IdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = reviewer(r, "")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-User", "fallback")
	req.Header.Set("X-Forwarded-Email", "alice@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice@example.com", got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-Request-Email", "bob@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "bob@example.com", got)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, got)
}

func TestReviewer_PrefersExplicitUser(t *testing.T) {
	handler := IdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "carol", reviewer(r, "  carol "))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Email", "alice@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 8)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "upstream-id", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{fmt.Errorf("batch: %w", curation.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("frame 2: %w", curation.ErrVersionConflict), http.StatusConflict, "VERSION_CONFLICT"},
		{fmt.Errorf("bbox: %w", curation.ErrInvalidInput), http.StatusBadRequest, "BAD_REQUEST"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(rr, httptest.NewRequest(http.MethodGet, "/", nil), logging.Discard(), tt.err)
			require.Equal(t, tt.want, rr.Code)
			resp := decodeInto[ErrorResponse](t, rr)
			assert.Equal(t, tt.code, resp.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "disk on fire")
			}
		})
	}
}

func TestWriteServiceError_LogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "info")

	req := httptest.NewRequest(http.MethodGet, "/batches", nil)
	req = req.WithContext(context.WithValue(req.Context(), RequestIDKey, "req-42"))
	writeServiceError(httptest.NewRecorder(), req, logger, errors.New("disk on fire"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request failed", entry["msg"])
	assert.Equal(t, "req-42", entry["request_id"])
}

func TestLoggingMiddleware_TagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestIDMiddleware()(LoggingMiddleware(logging.New(&buf, "info"))(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "upstream-id", entry["request_id"])
	assert.EqualValues(t, http.StatusOK, entry["status"])
}
