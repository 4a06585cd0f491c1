package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/roundtrip/internal/server/handlers"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantCode   string
	}{
		{
			name:       "passes through",
			handler:    func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "string panic",
			handler:    func(http.ResponseWriter, *http.Request) { panic("snapshot exploded") },
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name:       "error panic",
			handler:    func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode == "" {
				return
			}
			var body handlers.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Contains(t, body.Error.Message, "panic:")
		})
	}
}

func TestRecovery_AbortHandlerRepanics(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRecovery_CarriesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-Id", "rt-42")
	rec := httptest.NewRecorder()
	chimw.RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("x") }))).ServeHTTP(rec, req)

	var body handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rt-42", body.Error.RequestID)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/health", fields["path"])
	assert.EqualValues(t, http.StatusAccepted, fields["status"])
}
