package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type fakeLink struct{ up atomic.Bool }

func (f *fakeLink) Connected() bool { return f.up.Load() }

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body result
	if rec.Code != http.StatusNotFound {
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
	}
	return rec, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	rec, body := serve(t, New(nil), "/healthz")

	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", rec.Code, body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	pass := func(context.Context) error { return nil }
	refuse := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{"no checkers", nil, http.StatusOK, nil},
		{
			"all pass",
			[]Checker{{Name: "session", Check: pass}, {Name: "player", Check: pass}},
			http.StatusOK,
			map[string]string{"session": "ok", "player": "ok"},
		},
		{
			"one fails",
			[]Checker{{Name: "session", Check: refuse}, {Name: "player", Check: pass}},
			http.StatusServiceUnavailable,
			map[string]string{"session": "fail: connection refused", "player": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := serve(t, New(tt.checkers), "/readyz")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_FollowsConnection(t *testing.T) {
	t.Parallel()
	link := &fakeLink{}
	h := New([]Checker{Connected("session", link)})

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || body.Checks["session"] != "fail: not connected" {
		t.Errorf("disconnected: got %d %v", rec.Code, body.Checks)
	}

	link.up.Store(true)
	if rec, _ := serve(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("connected: status = %d, want 200", rec.Code)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStatsz(t *testing.T) {
	t.Parallel()
	if rec, _ := serve(t, New(nil), "/statsz"); rec.Code != http.StatusNotFound {
		t.Errorf("without stats: status = %d, want 404", rec.Code)
	}

	h := New(nil, WithStats(func() any {
		return map[string]int{"sent": 7}
	}))
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/statsz", nil))

	var got map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || got["sent"] != 7 {
		t.Errorf("got %d %v", rec.Code, got)
	}
}
