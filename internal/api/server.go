package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seongjin71/hankook-logistics-agent/internal/audit"
	"github.com/seongjin71/hankook-logistics-agent/internal/bus"
	"github.com/seongjin71/hankook-logistics-agent/internal/contracts"
	"github.com/seongjin71/hankook-logistics-agent/internal/decider"
	"github.com/seongjin71/hankook-logistics-agent/internal/httpx"
	"github.com/seongjin71/hankook-logistics-agent/internal/monitor"
	"github.com/seongjin71/hankook-logistics-agent/internal/orchestrator"
)

// Server is the control surface: pending approvals, manual anomaly triggers,
// the live event feed and operational introspection.
type Server struct {
	bus  *bus.Bus
	mon  *monitor.Monitor
	orch *orchestrator.Orchestrator
	dec  *decider.Decider
	sink audit.Sink
	hub  *Hub
	log  *slog.Logger
}

func NewServer(b *bus.Bus, mon *monitor.Monitor, orch *orchestrator.Orchestrator, dec *decider.Decider, sink audit.Sink, log *slog.Logger) *Server {
	s := &Server{
		bus:  b,
		mon:  mon,
		orch: orch,
		dec:  dec,
		sink: sink,
		hub:  NewHub(log),
		log:  log,
	}

	for _, topic := range contracts.Topics {
		topic := topic
		b.Subscribe(topic, func(_ context.Context, _ string, payload json.RawMessage) {
			s.hub.Broadcast(topic, payload)
		})
	}

	return s
}

// Hub returns the websocket broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "control-tower", "durable_log": s.bus.Durable()})
	})

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.hub.handleWebSocket)

	router.Get("/v1/actions/pending", s.handlePendingActions)
	router.Post("/v1/actions/{id}/approve", s.handleApprove)
	router.Post("/v1/actions/{id}/reject", s.handleReject)
	router.Get("/v1/events/recent", s.handleRecentEvents)
	router.Post("/v1/anomalies", s.handleManualAnomaly)
	router.Get("/v1/state", s.handleState)

	return router
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	records, err := s.dec.Pending(r.Context())
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.dec.Approve(r.Context(), id)
	if err != nil {
		writeResolveError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	outcome, err := s.dec.Reject(r.Context(), id, body.Reason)
	if err != nil {
		writeResolveError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = contracts.TopicAnomalyDetected
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	messages := s.bus.Recent(topic, limit)
	if messages == nil {
		messages = []bus.Message{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"topic": topic, "items": messages})
}

// handleManualAnomaly lets an operator inject an anomaly and runs the full
// pipeline inline, returning the analysis, scoring and decisions.
func (s *Server) handleManualAnomaly(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        string             `json:"type"`
		Severity    contracts.Severity `json:"severity"`
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Payload     map[string]any     `json:"payload"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if body.Type == "" || body.Title == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "type and title are required"})
		return
	}
	if body.Severity == "" {
		body.Severity = contracts.SeverityWarning
	}

	rec, err := s.sink.Log(r.Context(), audit.Entry{
		AgentRole:   audit.RoleMonitor,
		Phase:       audit.PhaseObserve,
		EventType:   body.Type,
		Severity:    body.Severity,
		Title:       body.Title,
		Description: body.Description,
		Payload:     body.Payload,
	})
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	ev := contracts.AnomalyEvent{
		Type:        body.Type,
		Severity:    body.Severity,
		Title:       body.Title,
		Description: body.Description,
		EventID:     rec.ID,
		Payload:     body.Payload,
		Source:      contracts.SourceManual,
	}

	result, err := s.orch.RunPipeline(r.Context(), ev)
	if err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "event_id": rec.ID})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := s.mon.State().Capture(time.Now().UTC())
	httpx.WriteJSON(w, http.StatusOK, view)
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		httpx.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "action not found"})
	case errors.Is(err, audit.ErrNotPending):
		httpx.WriteJSON(w, http.StatusConflict, map[string]any{"error": "action is not pending approval"})
	default:
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
