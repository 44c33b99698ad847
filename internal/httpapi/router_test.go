package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/store"
)

// newTestHandler builds the full handler stack with persistence disabled.
func newTestHandler(cfg RouterConfig, streams *StreamRegistry, calls CallCreator) http.Handler {
	return NewRouter(cfg, log.New(io.Discard, "", 0), store.New(nil), eventlog.New(nil), streams, calls)
}

func TestHandleRoot(t *testing.T) {
	h := newTestHandler(RouterConfig{}, nil, nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/", nil)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse body: %v", err)
			}
			if body["message"] != "Twilio Media Stream Server is running!" {
				t.Errorf("message = %q, want running banner", body["message"])
			}
			if body["status"] != "ok" {
				t.Errorf("status = %q, want %q", body["status"], "ok")
			}
		})
	}

	t.Run("POST with unexpected body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"anything": "goes"}`))
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestHandleHealthz(t *testing.T) {
	streams := NewStreamRegistry()
	if !streams.Add() {
		t.Fatal("Add should succeed on a fresh registry")
	}
	defer streams.Done()

	h := newTestHandler(RouterConfig{}, streams, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want %q", body["status"], "ok")
	}
	if n, ok := body["active_streams"].(float64); !ok || n != 1 {
		t.Errorf("active_streams = %v, want 1", body["active_streams"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestHandler(RouterConfig{}, nil, nil)

	t.Run("generated when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-ID should be set on the response")
		}
	})

	t.Run("passed through when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "rid-123")
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-ID"); got != "rid-123" {
			t.Errorf("X-Request-ID = %q, want %q", got, "rid-123")
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(RouterConfig{}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/make-outgoing-call", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestUnknownPath(t *testing.T) {
	h := newTestHandler(RouterConfig{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
