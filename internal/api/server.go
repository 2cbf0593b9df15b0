// Package api is the HTTP transport for the core: thin handlers that
// decode a request, call into the intake machine or predictor engine,
// and encode the result. No business logic lives here.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/barstat/progressd/internal/intake"
	"github.com/barstat/progressd/internal/perr"
	"github.com/barstat/progressd/internal/predictor"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/slackalert"
	"github.com/barstat/progressd/internal/stepevents"
	"github.com/barstat/progressd/internal/subscribe"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the progressd HTTP API.
type Server struct {
	machine  *intake.Machine
	engine   *predictor.Engine
	registry *schema.Registry
	fabric   *subscribe.Fabric
	alerter  *slackalert.Alerter

	router chi.Router
	port   int
}

// NewServer wires the HTTP routes onto their collaborators, following
// the teacher's chi-router-with-versioned-prefix layout.
func NewServer(machine *intake.Machine, engine *predictor.Engine, registry *schema.Registry, fabric *subscribe.Fabric, alerter *slackalert.Alerter, port int) *Server {
	srv := &Server{machine: machine, engine: engine, registry: registry, fabric: fabric, alerter: alerter, port: port}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Route("/owners/{owner}/bars/{bar}/traces/{trace}", func(r chi.Router) {
			r.Post("/steps/{position}/start", srv.handleStart)
			r.Post("/steps/{position}/progress", srv.handleProgress)
			r.Post("/steps/{position}/finish", srv.handleFinish)
			r.Get("/subscribe", srv.handleSubscribeTrace)
		})

		r.Route("/owners/{owner}/bars/{bar}", func(r chi.Router) {
			r.Get("/estimate/whole", srv.handleEstimateWhole)
			r.Get("/estimate/steps/{position}", srv.handleEstimateStep)
			r.Get("/subscribe", srv.handleSubscribeBar)
		})
	})

	srv.router = r
	return srv
}

// Start serves the API until the process is killed or ListenAndServe errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the underlying chi router for tests that want to drive
// requests through httptest without binding a real listener.
func (s *Server) Router() chi.Router { return s.router }

type startRequest struct {
	StepName   string `json:"step_name"`
	Iterations *int   `json:"iterations,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type progressRequest struct {
	Iteration int    `json:"iteration"`
	Timestamp string `json:"timestamp,omitempty"`
}

type finishRequest struct {
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	owner, bar, trace := chi.URLParam(r, "owner"), chi.URLParam(r, "bar"), chi.URLParam(r, "trace")
	position, ok := positionParam(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	ts, ok := parseTimestamp(w, req.Timestamp)
	if !ok {
		return
	}

	evt := stepevents.Start(position, req.StepName, req.Iterations, ts)
	if err := s.machine.BeginStep(r.Context(), owner, bar, trace, evt); err != nil {
		s.alerter.AlertOnDrift(r.Context(), owner, bar, trace, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	owner, bar, trace := chi.URLParam(r, "owner"), chi.URLParam(r, "bar"), chi.URLParam(r, "trace")
	position, ok := positionParam(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	ts, ok := parseTimestamp(w, req.Timestamp)
	if !ok {
		return
	}

	evt := stepevents.Progress(position, req.Iteration, ts)
	if err := s.machine.ProgressStep(r.Context(), owner, bar, trace, evt); err != nil {
		s.alerter.AlertOnDrift(r.Context(), owner, bar, trace, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	owner, bar, trace := chi.URLParam(r, "owner"), chi.URLParam(r, "bar"), chi.URLParam(r, "trace")
	position, ok := positionParam(w, r)
	if !ok {
		return
	}

	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	ts, ok := parseTimestamp(w, req.Timestamp)
	if !ok {
		return
	}

	evt := stepevents.Finish(position, ts)
	if err := s.machine.FinishStep(r.Context(), owner, bar, trace, evt); err != nil {
		s.alerter.AlertOnDrift(r.Context(), owner, bar, trace, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func positionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "position")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func parseTimestamp(w http.ResponseWriter, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Now().UTC(), true
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timestamp must be RFC3339"})
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func (s *Server) handleEstimateWhole(w http.ResponseWriter, r *http.Request) {
	owner, bar := chi.URLParam(r, "owner"), chi.URLParam(r, "bar")
	bs, err := s.registry.Resolve(r.Context(), owner, bar)
	if err != nil {
		writeErr(w, err)
		return
	}
	est, err := s.engine.EstimateWhole(r.Context(), bs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleEstimateStep(w http.ResponseWriter, r *http.Request) {
	owner, bar := chi.URLParam(r, "owner"), chi.URLParam(r, "bar")
	position, ok := positionParam(w, r)
	if !ok {
		return
	}

	var iterations *int
	if q := r.URL.Query().Get("iterations"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "iterations must be an integer"})
			return
		}
		iterations = &n
	}

	bs, err := s.registry.Resolve(r.Context(), owner, bar)
	if err != nil {
		writeErr(w, err)
		return
	}
	est, err := s.engine.EstimateStep(r.Context(), bs, position, iterations)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// handleSubscribeTrace streams notifications for one trace as
// newline-delimited JSON over a chunked response. The spec's contract
// (§4.G) is "push updates to subscribers"; ndjson-over-chunked-HTTP is
// the simplest idiomatic fit without introducing a websocket dependency
// none of the example repos carry.
func (s *Server) handleSubscribeTrace(w http.ResponseWriter, r *http.Request) {
	owner, bar, trace := chi.URLParam(r, "owner"), chi.URLParam(r, "bar"), chi.URLParam(r, "trace")
	sub, err := s.fabric.SubscribeTrace(r.Context(), owner, bar, trace)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()
	s.streamSubscription(w, r, sub)
}

func (s *Server) handleSubscribeBar(w http.ResponseWriter, r *http.Request) {
	owner, bar := chi.URLParam(r, "owner"), chi.URLParam(r, "bar")
	sub, err := s.fabric.SubscribeBar(r.Context(), owner, bar)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()
	s.streamSubscription(w, r, sub)
}

type subscriptionEvent struct {
	OwnerSub string `json:"owner_sub"`
	BarName  string `json:"bar_name"`
	TraceUID string `json:"trace_uid"`
	Lagged   bool   `json:"lagged"`
}

func (s *Server) streamSubscription(w http.ResponseWriter, r *http.Request, sub *subscribe.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			_ = enc.Encode(subscriptionEvent{OwnerSub: n.OwnerSub, BarName: n.BarName, TraceUID: n.TraceUID, Lagged: sub.Lagged()})
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "progressd",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	pe, ok := perr.As(err)
	if !ok {
		slog.Error("unclassified error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch pe.Kind {
	case perr.KindNoSuchBar:
		status = http.StatusNotFound
	case perr.KindValidation, perr.KindSchemaDrift:
		status = http.StatusBadRequest
	case perr.KindConflict:
		status = http.StatusConflict
	case perr.KindRateLimited:
		status = http.StatusTooManyRequests
	case perr.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"error": pe.Message, "kind": string(pe.Kind)}
	if pe.Drift != nil {
		body["drift"] = pe.Drift
	}
	writeJSON(w, status, body)
}
