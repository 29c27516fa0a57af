package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/gateway"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/orchestrator"
	"github.com/c360/semgate/registry"
)

func (s *Server) record(key string) health.Record {
	if rec, ok := s.deps.Cache.Get(key); ok {
		return rec
	}
	return health.Unknown(key)
}

// handleHealth aggregates the latest probe of every service. Any critical
// service unhealthy makes the gateway unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	services := s.deps.Registry.List()
	subs := make([]health.Status, 0, len(services)+1)
	for _, d := range services {
		subs = append(subs, health.FromRecord(d.Key, d.Critical, s.record(d.Key)))
	}
	if s.deps.NATS != nil {
		if s.deps.NATS.IsHealthy() {
			subs = append(subs, health.NewHealthy("nats", "Connected"))
		} else {
			subs = append(subs, health.NewUnhealthy("nats", "Disconnected"))
		}
	}

	report := health.Aggregate("semgate", subs)
	status := http.StatusOK
	if report.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	gateway.WriteJSON(w, status, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness is ready when every critical service passed its last probe.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	var waiting []string
	for _, key := range s.deps.Registry.Critical() {
		if !s.record(key).Healthy() {
			waiting = append(waiting, key)
		}
	}
	if len(waiting) > 0 {
		gateway.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":   false,
			"waiting": waiting,
		})
		return
	}
	gateway.WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, s.deps.Collector.Snapshot())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Collector.Reset()
	s.logger.Info("request metrics reset")
	gateway.WriteJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// serviceView is one entry of GET /services.
type serviceView struct {
	Key      string                  `json:"key"`
	Name     string                  `json:"name"`
	Category registry.Category       `json:"category"`
	Critical bool                    `json:"critical"`
	Prefix   string                  `json:"prefix,omitempty"`
	Health   health.Record           `json:"health"`
	Metrics  *health.ServiceSnapshot `json:"metrics,omitempty"`
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	services := s.deps.Registry.List()
	out := make([]serviceView, 0, len(services))
	for _, d := range services {
		v := serviceView{
			Key:      d.Key,
			Name:     d.Name,
			Category: d.Category,
			Critical: d.Critical,
			Prefix:   d.Prefix,
			Health:   s.record(d.Key),
		}
		if s.deps.Tracker != nil {
			if snap, ok := s.deps.Tracker.Snapshot(d.Key, now); ok {
				v.Metrics = &snap
			}
		}
		out = append(out, v)
	}
	gateway.WriteJSON(w, http.StatusOK, map[string]any{
		"services": out,
		"count":    len(out),
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.deps.Registry.Has(key) {
		gateway.WriteError(w, http.StatusNotFound, "service not found")
		return
	}
	rec, ok := s.deps.Cache.Get(key)
	if !ok {
		gateway.WriteError(w, http.StatusNotFound, "no health data yet")
		return
	}
	gateway.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.deps.Registry.Has(key) {
		gateway.WriteError(w, http.StatusNotFound, "service not found")
		return
	}
	if s.deps.Tracker == nil {
		gateway.WriteError(w, http.StatusNotFound, "no metrics yet")
		return
	}
	snap, ok := s.deps.Tracker.Snapshot(key, s.clock.Now())
	if !ok {
		gateway.WriteError(w, http.StatusNotFound, "no metrics yet")
		return
	}
	gateway.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, _ *http.Request) {
	states := s.deps.Orchestrator.StatusAll()
	gateway.WriteJSON(w, http.StatusOK, map[string]any{
		"services":  states,
		"count":     len(states),
		"timestamp": s.clock.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Status(r.PathValue("key"))
	if err != nil {
		gateway.WriteError(w, http.StatusNotFound, "service not found")
		return
	}
	gateway.WriteJSON(w, http.StatusOK, st)
}

type actionRequest struct {
	Action string `json:"action"`
}

type actionResponse struct {
	orchestrator.Outcome
	Error string `json:"error,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req actionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		gateway.WriteError(w, http.StatusBadRequest, "body must be {\"action\": \"start|stop|restart\"}")
		return
	}

	out, err := s.deps.Orchestrator.Perform(r.Context(), key, req.Action)
	if err == nil {
		gateway.WriteJSON(w, http.StatusOK, actionResponse{Outcome: out})
		return
	}

	status := actionStatus(err)
	switch status {
	case http.StatusNotFound:
		gateway.WriteError(w, status, "service not found")
	case http.StatusBadRequest:
		gateway.WriteError(w, status, "action must be one of start, stop, restart")
	case http.StatusConflict:
		gateway.WriteError(w, status, "another action is in progress for this service")
	default:
		msg := "action failed"
		if status == http.StatusGatewayTimeout {
			msg = "action timed out"
		}
		gateway.WriteJSON(w, status, actionResponse{Outcome: out, Error: msg})
	}
}

// actionStatus maps a Perform error to its HTTP status.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrActionInProgress):
		return http.StatusConflict
	case errors.Is(err, errors.ErrActionTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Reset(r.Context(), r.PathValue("key"))
	switch {
	case errors.Is(err, errors.ErrServiceNotFound):
		gateway.WriteError(w, http.StatusNotFound, "service not found")
	case err != nil:
		s.logger.Error("reset circuit", "service", r.PathValue("key"), "error", err)
		gateway.WriteError(w, http.StatusInternalServerError, "reset failed")
	default:
		gateway.WriteJSON(w, http.StatusOK, map[string]any{
			"reset": true,
			"state": st,
		})
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			gateway.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	alerts := s.deps.Alerts.History(limit)
	gateway.WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}
