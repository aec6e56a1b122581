package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/testutil"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestIdentityMiddleware(t *testing.T) {
	var seen string
	handler := identityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		user   string
		status int
		want   string
	}{
		{"header present", "/v1/runs", "alice", http.StatusOK, "alice"},
		{"missing header", "/v1/runs", "", http.StatusUnauthorized, ""},
		{"header too long", "/v1/runs", strings.Repeat("x", maxUserIDLen+1), http.StatusBadRequest, ""},
		{"health is exempt", "/health", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.Header.Set(UserHeader, tt.user)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "caller-chosen", seen)
	assert.Equal(t, "caller-chosen", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized IDs are replaced with a UUID")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
	assert.NotContains(t, env.Error.Message, "boom")
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Goal string `json:"goal"`
	}

	tests := []struct {
		name     string
		payload  string
		maxBytes int64
		status   int
		empty    bool
	}{
		{"valid", `{"goal":"x"}`, 1024, http.StatusOK, false},
		{"empty", ``, 1024, 0, true},
		{"unknown field", `{"goal":"x","extra":1}`, 1024, http.StatusBadRequest, false},
		{"malformed", `{"goal":`, 1024, http.StatusBadRequest, false},
		{"too large", `{"goal":"` + strings.Repeat("x", 100) + `"}`, 16, http.StatusRequestEntityTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			rec := httptest.NewRecorder()
			var b body
			err := decodeJSON(rec, req, &b, tt.maxBytes)
			switch {
			case tt.empty:
				assert.ErrorIs(t, err, errEmptyBody)
			case tt.status == http.StatusOK:
				require.NoError(t, err)
				assert.Equal(t, "x", b.Goal)
			default:
				require.Error(t, err)
				handleDecodeError(rec, req, err)
				assert.Equal(t, tt.status, rec.Code)
			}
		})
	}
}

func TestStatusWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	sw.Flush()
	assert.Equal(t, http.StatusTeapot, sw.statusCode)
	assert.Equal(t, rec, sw.Unwrap())
}
