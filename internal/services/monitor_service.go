// Package services exposes the engine's operations to transport layers
// as one facade, keeping handlers free of orchestration detail.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/alarm"
	"github.com/vigilstack/gchealth/internal/correlate"
	"github.com/vigilstack/gchealth/internal/dispatch"
	"github.com/vigilstack/gchealth/internal/ingest"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/storage/sqlite"
	"github.com/vigilstack/gchealth/internal/utils"
)

// ErrHistoryDisabled signals a history query against an engine running
// without persistence.
var ErrHistoryDisabled = errors.New("history persistence disabled")

// Engine is the part of the evaluation engine the service drives.
type Engine interface {
	EvaluateNow(ctx context.Context, alarmID string) ([]models.StateTransition, error)
	Reload(ctx context.Context) error
	Ready() bool
}

// MonitorService is the operations facade behind the HTTP API.
type MonitorService struct {
	logger     *slog.Logger
	intake     *ingest.Intake
	evaluator  *alarm.Evaluator
	correlator *correlate.Correlator
	windows    *aggregate.Aggregator
	dispatcher *dispatch.Dispatcher
	history    *sqlite.Store
	engine     Engine
	now        func() time.Time
	latencies  *utils.LatencyTracker
}

// NewMonitorService constructs the service facade. history may be nil
// when persistence is disabled.
func NewMonitorService(
	logger *slog.Logger,
	intake *ingest.Intake,
	evaluator *alarm.Evaluator,
	correlator *correlate.Correlator,
	windows *aggregate.Aggregator,
	dispatcher *dispatch.Dispatcher,
	history *sqlite.Store,
	engine Engine,
) *MonitorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitorService{
		logger:     logger,
		intake:     intake,
		evaluator:  evaluator,
		correlator: correlator,
		windows:    windows,
		dispatcher: dispatcher,
		history:    history,
		engine:     engine,
		now:        time.Now,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// IngestSamples validates and stores a batch, reporting per-sample
// rejections without failing the rest.
func (s *MonitorService) IngestSamples(samples []models.Sample) (int, []models.SampleRejection) {
	start := time.Now()
	accepted, rejections := s.intake.Ingest(ingest.SourceHTTP, samples)
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("ingest latency",
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("batches", count))
	}
	return accepted, rejections
}

// AlarmStates returns the current state of every alarm, sorted by id.
func (s *MonitorService) AlarmStates() []models.AlarmState {
	return s.evaluator.States()
}

// AlarmState returns one alarm's state.
func (s *MonitorService) AlarmState(alarmID string) (models.AlarmState, bool) {
	return s.evaluator.State(alarmID)
}

// EvaluateNow forces an immediate evaluation of one alarm outside its
// schedule.
func (s *MonitorService) EvaluateNow(ctx context.Context, alarmID string) ([]models.StateTransition, error) {
	if s.engine == nil {
		return nil, errors.New("engine not configured")
	}
	return s.engine.EvaluateNow(ctx, alarmID)
}

// WindowValue computes the most recently closed window for a series
// family.
func (s *MonitorService) WindowValue(sel models.Selector, stat models.Statistic, period time.Duration) (models.Window, error) {
	periodStart := utils.LastClosedPeriodStart(s.now(), period)
	return s.windows.Evaluate(sel, stat, periodStart, period)
}

// Episodes lists correlation episodes, newest first.
func (s *MonitorService) Episodes(activeOnly bool) []models.Episode {
	if activeOnly {
		return s.correlator.ActiveEpisodes()
	}
	return s.correlator.Episodes()
}

// Events queries the persisted RCA event history.
func (s *MonitorService) Events(ctx context.Context, filter sqlite.EventFilter) ([]models.RCAEvent, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	events, err := s.history.QueryEvents(ctx, filter)
	if err != nil {
		return nil, utils.NewAppError("events.query", "history query failed", err)
	}
	return events, nil
}

// Transitions queries the persisted transition journal.
func (s *MonitorService) Transitions(ctx context.Context, filter sqlite.TransitionFilter) ([]models.StateTransition, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	trs, err := s.history.QueryTransitions(ctx, filter)
	if err != nil {
		return nil, utils.NewAppError("transitions.query", "history query failed", err)
	}
	return trs, nil
}

// Patterns returns the mined recurring-episode patterns.
func (s *MonitorService) Patterns(ctx context.Context) ([]models.EpisodePattern, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	patterns, err := s.history.QueryPatterns(ctx)
	if err != nil {
		return nil, utils.NewAppError("patterns.query", "history query failed", err)
	}
	return patterns, nil
}

// DispatchFailures lists recent exhausted deliveries, preferring the
// persisted journal and falling back to the in-memory ring.
func (s *MonitorService) DispatchFailures(ctx context.Context, limit int) ([]models.DispatchFailure, error) {
	if s.history != nil {
		failures, err := s.history.QueryDispatchFailures(ctx, limit)
		if err != nil {
			return nil, utils.NewAppError("dispatch.failures", "history query failed", err)
		}
		return failures, nil
	}
	if s.dispatcher == nil {
		return nil, nil
	}
	failures := s.dispatcher.Failures()
	if limit > 0 && len(failures) > limit {
		failures = failures[len(failures)-limit:]
	}
	return failures, nil
}

// ReloadConfig rebuilds and swaps the alarm and rule packs.
func (s *MonitorService) ReloadConfig(ctx context.Context) error {
	if s.engine == nil {
		return errors.New("engine not configured")
	}
	if err := s.engine.Reload(ctx); err != nil {
		return utils.NewAppError("config.reload", "pack reload failed", err)
	}
	return nil
}

// Ready reports whether packs are loaded and the engine is running.
func (s *MonitorService) Ready() bool {
	return s.engine != nil && s.engine.Ready()
}

// IngestLatencyP95 returns the rolling p95 latency of ingest batches.
func (s *MonitorService) IngestLatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
