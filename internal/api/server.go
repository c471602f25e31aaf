// Package api provides the HTTP observability surface of the immunet node:
// health, status, anomaly and statistics history, the learned tree and
// Prometheus metrics. The API only reads engine state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/app/behavior"
	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/health"
	"github.com/tutu-network/immunet/internal/infra/dispatch"
	"github.com/tutu-network/immunet/internal/infra/selection"
	"github.com/tutu-network/immunet/internal/infra/sqlite"
	"github.com/tutu-network/immunet/internal/logging"
)

// Server is the immunet HTTP API server.
type Server struct {
	nodeID  string
	version string
	mode    domain.Mode
	started time.Time

	engine  *selection.Engine
	monitor *behavior.Monitor
	pool    *dispatch.Pool
	db      *sqlite.DB
	checker *health.Checker
	log     zerolog.Logger

	metricsEnabled bool
}

// Deps are the components the API reports on. Checker may be nil.
type Deps struct {
	NodeID  string
	Version string
	Mode    domain.Mode
	Engine  *selection.Engine
	Monitor *behavior.Monitor
	Pool    *dispatch.Pool
	DB      *sqlite.DB
	Checker *health.Checker
	Log     zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	return &Server{
		nodeID:  d.NodeID,
		version: d.Version,
		mode:    d.Mode,
		started: time.Now(),
		engine:  d.Engine,
		monitor: d.Monitor,
		pool:    d.Pool,
		db:      d.DB,
		checker: d.Checker,
		log:     d.Log.With().Str("component", "api").Logger(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})
		r.Get("/anomalies/packets", s.handlePackAnomalies)
		r.Get("/anomalies/stats", s.handleStatAnomalies)
		r.Get("/stats", s.handleStats)
		r.Get("/stats/history", s.handleStatHistory)
		r.Get("/tree", s.handleTree)
		r.Get("/detectors", s.handleDetectors)
		r.Get("/snapshots", s.handleSnapshots)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil || s.checker.IsHealthy() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "unhealthy",
		"checks": s.checker.Statuses(),
	})
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	NodeID        string                    `json:"node_id"`
	Version       string                    `json:"version"`
	Mode          domain.Mode               `json:"mode"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Patterns      int                       `json:"patterns"`
	Detectors     int                       `json:"detectors"`
	Analyzers     []dispatch.AnalyzerStatus `json:"analyzers"`
	Pending       int                       `json:"pending_packets"`
	PackAnomalies int                       `json:"pack_anomalies"`
	StatAnomalies int                       `json:"stat_anomalies"`
	Health        []health.Status           `json:"health,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		NodeID:        s.nodeID,
		Version:       s.version,
		Mode:          s.mode,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Patterns:      s.engine.PatternCount(),
		Detectors:     s.engine.DetectorCount(),
	}
	if s.pool != nil {
		resp.Analyzers = s.pool.Status()
		for _, a := range resp.Analyzers {
			resp.Pending += a.Pending
		}
	}
	pack, stat, err := s.db.CountAnomalies()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.PackAnomalies, resp.StatAnomalies = pack, stat
	if s.checker != nil {
		resp.Health = s.checker.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePackAnomalies(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListPackAnomalies(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": nonNil(list)})
}

// statAnomalyView adds the rendered description to a stored anomaly.
type statAnomalyView struct {
	domain.StatAnomaly
	Kind        string `json:"kind"`
	Statistic   string `json:"statistic"`
	Description string `json:"description"`
}

func (s *Server) handleStatAnomalies(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListStatAnomalies(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]statAnomalyView, 0, len(list))
	for _, a := range list {
		views = append(views, statAnomalyView{
			StatAnomaly: a,
			Kind:        a.Kind.String(),
			Statistic:   a.Label(),
			Description: a.Description(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": views})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"current": s.monitor.Current()}
	if last, ok := s.monitor.Last(); ok {
		resp["last"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListStatSnapshots(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": nonNil(list)})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Tree())
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	dets := s.engine.Detectors()
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		out = append(out, string(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     s.engine.DetectorCount(),
		"patterns":  s.engine.PatternCount(),
		"detectors": out,
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListSnapshots(queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": nonNil(list)})
}

// queryLimit reads ?limit=, returning 0 (store default) when absent or bad.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
