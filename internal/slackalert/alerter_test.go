package slackalert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/barstat/progressd/internal/perr"
)

func newTestAlerter(t *testing.T, handler http.HandlerFunc) (*Alerter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := NewAlerter("xoxb-test", "#alerts")
	a.apiURL = srv.URL
	return a, srv
}

func TestPostDriftAlert_SendsExpectedPayload(t *testing.T) {
	var captured map[string]any
	a, srv := newTestAlerter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("missing/incorrect auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	pe := perr.Drift("step name mismatch", perr.DriftDetail{
		Position: 2, ExpectedName: "upload", ActualName: "uplaod", Reason: "name",
	})

	if err := a.PostDriftAlert(context.Background(), "sub1", "upload", "trace1", pe); err != nil {
		t.Fatalf("PostDriftAlert: %v", err)
	}

	if captured["channel"] != "#alerts" {
		t.Errorf("expected channel #alerts, got %v", captured["channel"])
	}
}

func TestPostDriftAlert_RateLimited(t *testing.T) {
	var calls int32
	a, srv := newTestAlerter(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	pe := perr.Drift("step name mismatch", perr.DriftDetail{Position: 1})
	if err := a.PostDriftAlert(context.Background(), "sub1", "upload", "trace1", pe); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := a.PostDriftAlert(context.Background(), "sub1", "upload", "trace2", pe); err != nil {
		t.Fatalf("second post: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call due to rate limiting, got %d", got)
	}
}

func TestAlertOnDrift_IgnoresNonDriftErrors(t *testing.T) {
	var calls int32
	a, srv := newTestAlerter(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	a.AlertOnDrift(context.Background(), "sub1", "upload", "trace1", perr.New(perr.KindValidation, "nope"))

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no alert for non-drift error, got %d calls", got)
	}
}
