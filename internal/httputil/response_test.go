package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "owner is required") }, http.StatusBadRequest, "owner is required"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "beacon not registered") }, http.StatusNotFound, "beacon not registered"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db locked") }, http.StatusInternalServerError, "db locked"},
		{"method", func(w http.ResponseWriter) { MethodNotAllowed(w) }, http.StatusMethodNotAllowed, "method not allowed"},
		{"custom", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "exists") }, http.StatusConflict, "exists"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %s, want application/json", ct)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error != tt.msg {
				t.Errorf("error = %q, want %q", resp.Error, tt.msg)
			}
		})
	}
}

func TestMethodNotAllowedSetsAllow(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodGet, http.MethodPost)

	got := rec.Header().Values("Allow")
	if len(got) != 2 || got[0] != http.MethodGet || got[1] != http.MethodPost {
		t.Errorf("Allow = %v, want [GET POST]", got)
	}
}

func TestWriteJSONSuccess(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]bool{"present": true})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp["present"] {
		t.Errorf("present = false, want true")
	}

	rec = httptest.NewRecorder()
	WriteJSONCreated(rec, map[string]string{"owner": "alice"})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	type body struct {
		Owner string `json:"owner"`
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "valid", input: `{"owner":"alice"}`, want: "alice"},
		{name: "empty", input: ``, wantErr: "empty"},
		{name: "malformed", input: `{"owner":`, wantErr: "invalid JSON body"},
		{name: "unknown field", input: `{"owner":"alice","pin":1234}`, wantErr: "invalid JSON body"},
		{name: "trailing object", input: `{"owner":"alice"}{"owner":"bob"}`, wantErr: "single JSON object"},
		{name: "too large", input: `{"owner":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/beacons", strings.NewReader(tt.input))
			rec := httptest.NewRecorder()

			var got body
			err := DecodeJSONBody(rec, req, &got)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Owner != tt.want {
				t.Errorf("owner = %q, want %q", got.Owner, tt.want)
			}
		})
	}
}
