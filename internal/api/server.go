package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examguard/internal/alerts"
	"examguard/internal/config"
	"examguard/internal/incidents"
	"examguard/internal/metrics"
	"examguard/internal/model"
	"examguard/internal/session"
	"examguard/internal/storage"
)

type EngineStatus interface {
	Sessions() []string
	Uptime() time.Duration
}

type Deps struct {
	Config    *config.Manager
	Store     storage.Store
	Sessions  *session.Manager
	Escalator *incidents.Escalator
	Recent    *alerts.Store
	Snapshots *metrics.Store
	Engine    EngineStatus
	Logger    *slog.Logger
	Version   string
}

// Server is the proctor and operator surface. It performs no authorization.
type Server struct {
	Deps
}

type statusResponse struct {
	Status         string          `json:"status"`
	Time           string          `json:"time"`
	Version        string          `json:"version"`
	ConfigPath     string          `json:"config_path"`
	Uptime         string          `json:"uptime"`
	ActiveSessions int             `json:"active_sessions"`
	Ingest         ingestStatus    `json:"ingest"`
	API            apiStatus       `json:"api"`
	Storage        storageStatus   `json:"storage"`
	Detection      detectionStatus `json:"detection"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type detectionStatus struct {
	Backend     string `json:"backend"`
	WindowSize  int    `json:"window_size"`
	MaxParallel int    `json:"max_parallel"`
	Timeout     string `json:"timeout"`
}

func New(deps Deps) *Server {
	return &Server{Deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("POST /sessions/{id}/submit", s.handleSubmitSession)
	mux.HandleFunc("POST /sessions/{id}/terminate", s.handleTerminateSession)
	mux.HandleFunc("GET /sessions/{id}/alerts", s.handleSessionAlerts)
	mux.HandleFunc("GET /sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("POST /alerts/{id}/ack", s.handleAckAlert)
	mux.HandleFunc("GET /incidents", s.handleIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("POST /incidents/{id}/status", s.handleIncidentStatus)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, server *Server, logger *slog.Logger) *http.Server {
	if cfg == nil || server == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Detection: detectionStatus{
			Backend:     cfg.Detection.Backend,
			WindowSize:  cfg.Detection.WindowSize,
			MaxParallel: cfg.Detection.MaxParallel,
			Timeout:     cfg.Detection.Timeout.String(),
		},
	}
	if s.Engine != nil {
		resp.Uptime = s.Engine.Uptime().Round(time.Second).String()
		resp.ActiveSessions = len(s.Engine.Sessions())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.NewSession
	if !decodeBody(w, r, &req, false) {
		return
	}
	sess, err := s.Sessions.Schedule(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	report, err := s.Sessions.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BiometricVerified bool `json:"biometric_verified"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	sess, err := s.Sessions.Start(r.Context(), r.PathValue("id"), req.BiometricVerified)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubmitSession(w http.ResponseWriter, r *http.Request) {
	d, err := s.Sessions.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeDisposition(w, d)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	d, err := s.Sessions.Terminate(r.Context(), r.PathValue("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeDisposition(w, d)
}

// writeDisposition answers 202 when the decision was made but could not be stored.
func writeDisposition(w http.ResponseWriter, d session.Disposition) {
	status := http.StatusOK
	if !d.Persisted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, d)
}

func (s *Server) handleSessionAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{
		UnacknowledgedOnly: q.Get("unacknowledged") == "true",
		Limit:              queryInt(q.Get("limit")),
	}
	if v := q.Get("severity"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			sev := model.AlertSeverity(strings.TrimSpace(raw))
			if sev.Rank() == 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			filter.Severities = append(filter.Severities, sev)
		}
	}
	id := r.PathValue("id")
	if _, err := s.Store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.Store.ListAlerts(r.Context(), id, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Snapshots.Get(r.PathValue("id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	all := s.Snapshots.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var list []model.Alert
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.Recent.Since(ts)
	} else {
		list = s.Recent.List(queryInt(r.URL.Query().Get("limit")))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProctorID string `json:"proctor_id"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.ProctorID = strings.TrimSpace(req.ProctorID)
	if req.ProctorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "proctor_id required"})
		return
	}
	alert, err := s.Store.AcknowledgeAlert(r.Context(), r.PathValue("id"), req.ProctorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Recent.MarkAcknowledged(alert.ID, alert.AcknowledgedBy)
	if s.Logger != nil {
		s.Logger.Info("alert acknowledged", "alert_id", alert.ID, "session_id", alert.SessionID, "proctor_id", alert.AcknowledgedBy)
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Store.ListIncidents(r.Context(), q.Get("session_id"), queryInt(q.Get("limit")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.Store.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.IncidentStatus `json:"status"`
		Note   string               `json:"note"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	inc, err := s.Escalator.Transition(r.Context(), r.PathValue("id"), req.Status, strings.TrimSpace(req.Note))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.Snapshots.Clear()
		s.Recent.Clear()
	case "alerts":
		s.Recent.Clear()
	case "metrics":
		s.Snapshots.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvariantViolation):
		status = http.StatusConflict
	case errors.Is(err, model.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError && s.Logger != nil {
		s.Logger.Error("api request failed", "err", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// decodeBody reads a JSON object into dst. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func queryInt(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
