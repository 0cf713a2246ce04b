package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/ingest"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/services"
	"github.com/vigilstack/gchealth/internal/storage/sqlite"
	"github.com/vigilstack/gchealth/internal/utils"
)

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady handles GET /readyz. Ready means the engine is running and
// at least one alarm is loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	loaded := len(s.service.AlarmStates())
	ready := s.service.Ready() && loaded > 0

	var reasons []string
	if !s.service.Ready() {
		reasons = append(reasons, "engine not running")
	}
	if loaded == 0 {
		reasons = append(reasons, "no alarms loaded")
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, ReadyResponse{
		Ready:        ready,
		AlarmsLoaded: loaded,
		Reasons:      reasons,
	})
}

// handleSamples handles POST /api/v1/samples. The payload may be a bare
// sample array, a {"samples": [...]} object, or a single sample. Invalid
// samples are rejected individually; the response is 202 as long as the
// payload itself decodes.
func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	samples, err := ingest.DecodeBatch(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	accepted, rejected := s.service.IngestSamples(samples)
	respondJSON(w, http.StatusAccepted, IngestResponse{Accepted: accepted, Rejected: rejected})
}

// handleAlarmList handles GET /api/v1/alarms.
func (s *Server) handleAlarmList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, AlarmListResponse{Alarms: s.service.AlarmStates()})
}

// handleAlarm handles GET /api/v1/alarms/{id} and
// POST /api/v1/alarms/{id}/evaluate.
func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms/")

	if id, found := strings.CutSuffix(path, "/evaluate"); found {
		s.handleEvaluate(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if path == "" {
		respondError(w, http.StatusBadRequest, "alarm id required")
		return
	}
	state, ok := s.service.AlarmState(path)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown alarm: %s", path))
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id == "" {
		respondError(w, http.StatusBadRequest, "alarm id required")
		return
	}
	if _, ok := s.service.AlarmState(id); !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown alarm: %s", id))
		return
	}

	transitions, err := s.service.EvaluateNow(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("evaluation failed: %v", err))
		return
	}
	if transitions == nil {
		transitions = []models.StateTransition{}
	}
	respondJSON(w, http.StatusOK, EvaluateResponse{AlarmID: id, Transitions: transitions})
}

// handleWindow handles GET /api/v1/windows. The series family comes from
// namespace, metric, and repeated dim=name=value parameters; stat defaults
// to avg and period to 1m. The response is the statistic over the last
// closed period.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sel := models.Selector{Namespace: q.Get("namespace"), MetricName: q.Get("metric")}
	if sel.Namespace == "" || sel.MetricName == "" {
		respondError(w, http.StatusBadRequest, "namespace and metric are required")
		return
	}
	for _, raw := range q["dim"] {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid dim %q, expected name=value", raw))
			return
		}
		if sel.Dimensions == nil {
			sel.Dimensions = make(map[string]string)
		}
		sel.Dimensions[name] = value
	}

	stat := models.StatAvg
	if v := q.Get("stat"); v != "" {
		stat = models.Statistic(v)
	}
	period := time.Minute
	if v := q.Get("period"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid period: %v", err))
			return
		}
		period = d
	}

	window, err := s.service.WindowValue(sel, stat, period)
	if errors.Is(err, aggregate.ErrInsufficientData) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, window)
}

// handleEpisodes handles GET /api/v1/episodes. active=true restricts the
// listing to episodes that have not yet cleared.
func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid active: %v", err))
			return
		}
		activeOnly = b
	}

	episodes := s.service.Episodes(activeOnly)
	if episodes == nil {
		episodes = []models.Episode{}
	}
	respondJSON(w, http.StatusOK, EpisodeListResponse{Episodes: episodes})
}

// handleEvents handles GET /api/v1/events backed by the history store.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := sqlite.EventFilter{
		RuleID:         q.Get("ruleId"),
		Classification: q.Get("classification"),
	}
	if v := q.Get("since"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	events, err := s.service.Events(r.Context(), filter)
	if err != nil {
		s.respondHistoryError(w, err)
		return
	}
	if events == nil {
		events = []models.RCAEvent{}
	}
	respondJSON(w, http.StatusOK, EventListResponse{Events: events})
}

// handleTransitions handles GET /api/v1/transitions backed by the history
// store.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := sqlite.TransitionFilter{
		AlarmID: q.Get("alarmId"),
		State:   models.StateValue(q.Get("state")),
	}
	if v := q.Get("since"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	transitions, err := s.service.Transitions(r.Context(), filter)
	if err != nil {
		s.respondHistoryError(w, err)
		return
	}
	if transitions == nil {
		transitions = []models.StateTransition{}
	}
	respondJSON(w, http.StatusOK, TransitionListResponse{Transitions: transitions})
}

// handlePatterns handles GET /api/v1/patterns.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	patterns, err := s.service.Patterns(r.Context())
	if err != nil {
		s.respondHistoryError(w, err)
		return
	}
	if patterns == nil {
		patterns = []models.EpisodePattern{}
	}
	respondJSON(w, http.StatusOK, PatternListResponse{Patterns: patterns})
}

// handleDispatchFailures handles GET /api/v1/dispatch/failures.
func (s *Server) handleDispatchFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	failures, err := s.service.DispatchFailures(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failures == nil {
		failures = []models.DispatchFailure{}
	}
	respondJSON(w, http.StatusOK, DispatchFailureResponse{Failures: failures})
}

// handleReload handles POST /api/v1/config/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.service.ReloadConfig(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("reload failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, ReloadResponse{Status: "reloaded", ReloadedAt: time.Now().UTC()})
}

func (s *Server) respondHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrHistoryDisabled) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
