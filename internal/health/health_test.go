package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acoustio/beamline/internal/health"
)

type reply struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func get(t *testing.T, handler http.Handler, path string) (int, reply) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	var body reply
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "session", Check: func(context.Context) error {
			return errors.New("session failed")
		}},
	).Register(mux)

	code, body := get(t, mux, "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
}

func TestReadyzVerdicts(t *testing.T) {
	pass := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		sessionErr error
		archiveErr error
		wantCode   int
		wantStatus string
	}{
		{"all pass", nil, nil, http.StatusOK, "ok"},
		{"session down", errors.New("acquisition session failed"), nil, http.StatusServiceUnavailable, "fail"},
		{"archive unreachable", nil, errors.New("dial tcp: connection refused"), http.StatusServiceUnavailable, "fail"},
		{"everything down", errors.New("failed"), errors.New("refused"), http.StatusServiceUnavailable, "fail"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			session, archive := pass, pass
			if tc.sessionErr != nil {
				session = func(context.Context) error { return tc.sessionErr }
			}
			if tc.archiveErr != nil {
				archive = func(context.Context) error { return tc.archiveErr }
			}

			mux := http.NewServeMux()
			health.New(
				health.Checker{Name: "session", Check: session},
				health.Checker{Name: "archive", Check: archive},
			).Register(mux)

			code, body := get(t, mux, "/readyz")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantStatus)
			}

			wantSession := "ok"
			if tc.sessionErr != nil {
				wantSession = "fail: " + tc.sessionErr.Error()
			}
			if body.Checks["session"] != wantSession {
				t.Errorf("session verdict = %q, want %q", body.Checks["session"], wantSession)
			}
			wantArchive := "ok"
			if tc.archiveErr != nil {
				wantArchive = "fail: " + tc.archiveErr.Error()
			}
			if body.Checks["archive"] != wantArchive {
				t.Errorf("archive verdict = %q, want %q", body.Checks["archive"], wantArchive)
			}
		})
	}
}

func TestReadyzWithoutCheckers(t *testing.T) {
	mux := http.NewServeMux()
	health.New().Register(mux)

	code, body := get(t, mux, "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
}

func TestReadyzHonoursRequestCancellation(t *testing.T) {
	h := health.New(
		health.Checker{Name: "archive", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
