package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/barstat/progressd/internal/clock"
	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/entitlements"
	"github.com/barstat/progressd/internal/hotstore"
	"github.com/barstat/progressd/internal/intake"
	"github.com/barstat/progressd/internal/jobqueue"
	"github.com/barstat/progressd/internal/predictor"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/subscribe"
)

func testBar() schema.BarSchema {
	return schema.BarSchema{
		Bar: schema.ProgressBar{ID: "pbar_1", OwnerSub: "sub1", Name: "upload", SamplingMaxCount: 100, Version: 1},
		Default: schema.StepSpec{
			OneOffTechnique: schema.TechniqueArithmeticMean,
		},
		Steps: []schema.StepSpec{
			{Position: 1, Name: "s1", OneOffTechnique: schema.TechniqueArithmeticMean},
		},
	}
}

type fakeSchemaStore struct{ bs schema.BarSchema }

func (f *fakeSchemaStore) GetBarSchema(_ context.Context, ownerSub, barName string) (schema.BarSchema, error) {
	if f.bs.Bar.OwnerSub == ownerSub && f.bs.Bar.Name == barName {
		return f.bs, nil
	}
	return schema.BarSchema{}, schema.ErrNotFound
}

func setupServer(t *testing.T) *Server {
	t.Helper()
	bs := testBar()
	registry := schema.NewRegistry(&fakeSchemaStore{bs: bs})
	hot := hotstore.NewMemoryAdapter()
	jobs := jobqueue.NewMemoryQueue(10)
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0).UTC())
	machine := intake.New(hot, registry, clk, entitlements.AllowAll{}, jobs, intake.DefaultConfig())
	store := durable.NewMemoryStore()
	engine := predictor.New(store, clk, time.Minute)
	fabric := subscribe.New(hot, time.Minute)

	return NewServer(machine, engine, registry, fabric, nil, 8700)
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupServer(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestStartStep_AcceptsFreshTrace(t *testing.T) {
	srv := setupServer(t)

	payload, _ := json.Marshal(startRequest{StepName: "s1", Timestamp: "2023-11-14T22:13:20Z"})
	req := httptest.NewRequest("POST", "/api/v1/owners/sub1/bars/upload/traces/trace1/steps/1/start", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartStep_SchemaDriftReturnsBadRequest(t *testing.T) {
	srv := setupServer(t)

	payload, _ := json.Marshal(startRequest{StepName: "wrong-name", Timestamp: "2023-11-14T22:13:20Z"})
	req := httptest.NewRequest("POST", "/api/v1/owners/sub1/bars/upload/traces/trace1/steps/1/start", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["kind"] != "schema_drift" {
		t.Errorf("expected schema_drift kind, got %v", body["kind"])
	}
}

func TestEstimateWhole_NoSamplesYetReturnsNotOK(t *testing.T) {
	srv := setupServer(t)

	req := httptest.NewRequest("GET", "/api/v1/owners/sub1/bars/upload/estimate/whole", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["CanonicalOK"] != false {
		t.Errorf("expected CanonicalOK false with no retained samples, got %v", body["CanonicalOK"])
	}
}

func TestEstimateStep_UnknownBarReturnsNotFound(t *testing.T) {
	srv := setupServer(t)

	req := httptest.NewRequest("GET", "/api/v1/owners/sub1/bars/does-not-exist/estimate/steps/1", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}
