package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerEmitsRequestFields(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"ok", http.MethodGet, "/health", http.StatusOK},
		{"created", http.MethodPost, "/signal/call", http.StatusCreated},
		{"not found", http.MethodGet, "/missing", http.StatusNotFound},
		{"unavailable", http.MethodGet, "/health", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			wrapped := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("parse log entry: %v", err)
			}
			if entry["method"] != tt.method {
				t.Errorf("expected method %s, got %v", tt.method, entry["method"])
			}
			if entry["path"] != tt.path {
				t.Errorf("expected path %s, got %v", tt.path, entry["path"])
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("expected status %d, got %v", tt.status, entry["status"])
			}
			if entry["message"] != "request handled" {
				t.Errorf("unexpected message %v", entry["message"])
			}
			if _, ok := entry["duration"]; !ok {
				t.Error("log entry should carry a duration field")
			}
		})
	}
}

func TestLoggerDefaultStatus(t *testing.T) {
	// A handler that never calls WriteHeader still logs 200.
	var buf bytes.Buffer
	wrapped := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("implicit status should log as 200, got %v", entry["status"])
	}
}
