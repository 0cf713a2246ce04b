package api

import (
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

// HealthResponse answers liveness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse answers readiness probes.
type ReadyResponse struct {
	Ready        bool     `json:"ready"`
	AlarmsLoaded int      `json:"alarmsLoaded"`
	Reasons      []string `json:"reasons,omitempty"`
}

// IngestResponse reports the outcome of a sample batch push. Rejected
// samples are listed individually; the rest of the batch is stored.
type IngestResponse struct {
	Accepted int                      `json:"accepted"`
	Rejected []models.SampleRejection `json:"rejected,omitempty"`
}

// AlarmListResponse wraps the current state of every configured alarm.
type AlarmListResponse struct {
	Alarms []models.AlarmState `json:"alarms"`
}

// EvaluateResponse carries the transitions produced by an on-demand
// evaluation, empty when the alarm settled without moving.
type EvaluateResponse struct {
	AlarmID     string                   `json:"alarmId"`
	Transitions []models.StateTransition `json:"transitions"`
}

// EpisodeListResponse wraps correlation episodes.
type EpisodeListResponse struct {
	Episodes []models.Episode `json:"episodes"`
}

// EventListResponse wraps journaled RCA events.
type EventListResponse struct {
	Events []models.RCAEvent `json:"events"`
}

// TransitionListResponse wraps journaled alarm transitions.
type TransitionListResponse struct {
	Transitions []models.StateTransition `json:"transitions"`
}

// PatternListResponse wraps mined episode patterns.
type PatternListResponse struct {
	Patterns []models.EpisodePattern `json:"patterns"`
}

// DispatchFailureResponse wraps notifications that exhausted their
// delivery retries.
type DispatchFailureResponse struct {
	Failures []models.DispatchFailure `json:"failures"`
}

// ReloadResponse acknowledges a config reload.
type ReloadResponse struct {
	Status     string    `json:"status"`
	ReloadedAt time.Time `json:"reloadedAt"`
}

// ErrorResponse carries a machine-readable error message.
type ErrorResponse struct {
	Error string `json:"error"`
}
