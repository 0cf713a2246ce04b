// Package alarm runs the per-alarm state machines. Each configured alarm
// owns a machine with states OK, ALARM and INSUFFICIENT_DATA and an
// outcome ring covering the last evaluationPeriods closed periods. A
// machine moves to ALARM when at least datapointsToAlarm of the recorded
// outcomes breach, back to OK only when none breach, and otherwise keeps
// its current state. Machines never share mutable state, so alarms
// evaluate independently and concurrently.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/rules"
	"github.com/vigilstack/gchealth/internal/utils"
)

var (
	// ErrUnknownAlarm reports an alarm id absent from the active generation.
	ErrUnknownAlarm = errors.New("unknown alarm")
	// ErrEvaluationTimeout reports an evaluation cycle abandoned because its
	// context expired. The skipped periods are retried on the next tick.
	ErrEvaluationTimeout = errors.New("evaluation budget exceeded")
)

// WindowSource supplies window aggregates for alarm evaluation. It must
// return an error satisfying errors.Is(err, aggregate.ErrInsufficientData)
// when zero samples fall inside the requested window.
type WindowSource interface {
	Evaluate(sel models.Selector, stat models.Statistic, periodStart time.Time, periodLength time.Duration) (models.Window, error)
}

// machine is the mutable evaluation state of one alarm. All fields are
// guarded by mu; per-alarm evaluations are strictly sequential while
// distinct alarms run concurrently.
type machine struct {
	mu sync.Mutex

	cfg    rules.AlarmConfig
	state  models.StateValue
	reason string

	// ring holds recorded outcomes oldest first, true meaning breach,
	// capped at cfg.EvaluationPeriods. Periods skipped under the ignore
	// policy never enter the ring.
	ring        []bool
	consecutive int

	lastProcessedPeriod time.Time
	lastEvaluatedAt     time.Time
	lastTransitionAt    time.Time
}

func newMachine(cfg rules.AlarmConfig) *machine {
	return &machine{
		cfg:    cfg,
		state:  models.StateInsufficientData,
		reason: "awaiting first evaluation",
	}
}

func (m *machine) record(breach bool) {
	m.ring = append(m.ring, breach)
	if n := m.cfg.EvaluationPeriods; len(m.ring) > n {
		m.ring = m.ring[len(m.ring)-n:]
	}
	if breach {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
}

func (m *machine) breachCount() int {
	n := 0
	for _, b := range m.ring {
		if b {
			n++
		}
	}
	return n
}

func (m *machine) snapshot() models.AlarmState {
	ring := make([]bool, len(m.ring))
	copy(ring, m.ring)
	return models.AlarmState{
		AlarmID:             m.cfg.ID,
		State:               m.state,
		Reason:              m.reason,
		ConsecutiveBreaches: m.consecutive,
		RecentOutcomes:      ring,
		LastEvaluatedAt:     m.lastEvaluatedAt,
		LastTransitionAt:    m.lastTransitionAt,
		LastPeriodStart:     m.lastProcessedPeriod,
	}
}

// Evaluator owns one machine per alarm in the active configuration
// generation and scores closed periods against their thresholds.
type Evaluator struct {
	source WindowSource
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	machines map[string]*machine
}

// New builds an Evaluator with no alarms. Call ApplyGeneration to
// install the active configuration.
func New(source WindowSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		source:   source,
		logger:   logger,
		now:      time.Now,
		machines: make(map[string]*machine),
	}
}

// ApplyGeneration swaps the alarm set to the given generation. Machines
// whose behavioural fingerprint is unchanged keep their state and ring,
// so a reload does not reset healthy alarms; reconfigured alarms restart
// from INSUFFICIENT_DATA and alarms absent from the generation are
// removed.
func (e *Evaluator) ApplyGeneration(gen *rules.Generation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	preserved, reset := 0, 0
	seen := make(map[string]struct{}, len(gen.Alarms))
	for _, cfg := range gen.Alarms {
		seen[cfg.ID] = struct{}{}
		if m, ok := e.machines[cfg.ID]; ok {
			m.mu.Lock()
			if m.cfg.Fingerprint() == cfg.Fingerprint() {
				// Description and severity edits apply without a reset.
				m.cfg = cfg
				m.mu.Unlock()
				preserved++
				continue
			}
			m.mu.Unlock()
			reset++
		}
		e.machines[cfg.ID] = newMachine(cfg)
	}
	removed := 0
	for id := range e.machines {
		if _, ok := seen[id]; !ok {
			delete(e.machines, id)
			removed++
		}
	}
	e.logger.Info("alarm generation applied",
		"generation", gen.Version,
		"alarms", len(gen.Alarms),
		"preserved", preserved,
		"reset", reset,
		"removed", removed)
}

// AlarmIDs returns the ids of all active alarms, sorted.
func (e *Evaluator) AlarmIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.machines))
	for id := range e.machines {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// State returns a snapshot of one alarm's state.
func (e *Evaluator) State(id string) (models.AlarmState, bool) {
	e.mu.RLock()
	m := e.machines[id]
	e.mu.RUnlock()
	if m == nil {
		return models.AlarmState{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(), true
}

// States returns snapshots of every alarm, sorted by id.
func (e *Evaluator) States() []models.AlarmState {
	ids := e.AlarmIDs()
	out := make([]models.AlarmState, 0, len(ids))
	for _, id := range ids {
		if st, ok := e.State(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Restore reinstates a checkpointed state for an alarm. It only applies
// when the alarm exists in the active generation and the checkpoint was
// taken under a configuration with the same behavioural fingerprint;
// otherwise the machine keeps its fresh INSUFFICIENT_DATA state.
func (e *Evaluator) Restore(st models.AlarmState, fingerprint string) bool {
	if st.State == "" {
		return false
	}
	e.mu.RLock()
	m := e.machines[st.AlarmID]
	e.mu.RUnlock()
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Fingerprint() != fingerprint {
		return false
	}
	ring := make([]bool, len(st.RecentOutcomes))
	copy(ring, st.RecentOutcomes)
	if n := m.cfg.EvaluationPeriods; len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	m.state = st.State
	m.reason = st.Reason
	m.ring = ring
	m.consecutive = st.ConsecutiveBreaches
	m.lastProcessedPeriod = st.LastPeriodStart
	m.lastEvaluatedAt = st.LastEvaluatedAt
	m.lastTransitionAt = st.LastTransitionAt
	return true
}

// EvaluateAlarm scores every closed period the alarm has not yet
// processed, up to the most recently closed one, and returns the state
// transitions that resulted. Periods further back than evaluationPeriods
// are skipped since the outcome ring could not retain them anyway. A nil
// transition slice means the state did not change.
//
// When ctx expires mid-cycle the remaining periods are abandoned and
// ErrEvaluationTimeout is returned alongside any transitions already
// emitted; the unprocessed periods are picked up on the next tick.
func (e *Evaluator) EvaluateAlarm(ctx context.Context, id string) ([]models.StateTransition, error) {
	e.mu.RLock()
	m := e.machines[id]
	e.mu.RUnlock()
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlarm, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	now := e.now()
	latest := utils.LastClosedPeriodStart(now, cfg.Period)
	start := latest
	if !m.lastProcessedPeriod.IsZero() {
		next := m.lastProcessedPeriod.Add(cfg.Period)
		if next.After(latest) {
			// The latest closed period is already scored.
			return nil, nil
		}
		start = next
	}
	if horizon := time.Duration(cfg.EvaluationPeriods-1) * cfg.Period; latest.Sub(start) > horizon {
		start = latest.Add(-horizon)
	}

	var out []models.StateTransition
	for p := start; !p.After(latest); p = p.Add(cfg.Period) {
		tr, err := e.scorePeriod(ctx, m, cfg, p, now)
		if tr != nil {
			out = append(out, *tr)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// scorePeriod evaluates one closed period with m.mu held. The context is
// re-checked after the window computation so an over-budget aggregation
// abandons the cycle without mutating the machine.
func (e *Evaluator) scorePeriod(ctx context.Context, m *machine, cfg rules.AlarmConfig, periodStart, now time.Time) (*models.StateTransition, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: alarm %s", ErrEvaluationTimeout, cfg.ID)
	}
	w, err := e.source.Evaluate(cfg.Metric, cfg.Statistic, periodStart, cfg.Period)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: alarm %s", ErrEvaluationTimeout, cfg.ID)
	}

	switch {
	case err == nil:
		breach := cfg.Comparison.Breaches(w.Value, cfg.Threshold)
		return e.recordAndSettle(m, cfg, periodStart, now, breach, w.Value, true), nil

	case errors.Is(err, aggregate.ErrInsufficientData):
		switch cfg.TreatMissingData {
		case models.MissingBreaching:
			return e.recordAndSettle(m, cfg, periodStart, now, true, 0, false), nil
		case models.MissingNotBreaching:
			return e.recordAndSettle(m, cfg, periodStart, now, false, 0, false), nil
		case models.MissingIgnore:
			// The period is consumed but the ring and state stay as they are.
			m.lastProcessedPeriod = periodStart
			m.lastEvaluatedAt = now
			e.logger.Debug("empty period ignored", "alarm", cfg.ID, "period_start", periodStart)
			return nil, nil
		default:
			m.lastProcessedPeriod = periodStart
			m.lastEvaluatedAt = now
			reason := fmt.Sprintf("no data for period starting %s", periodStart.UTC().Format(time.RFC3339))
			return e.settle(m, cfg, models.StateInsufficientData, reason, periodStart, now), nil
		}

	default:
		// A broken source or a configuration problem surfaces as
		// INSUFFICIENT_DATA with the cause in the reason, never as a
		// silent OK.
		m.lastProcessedPeriod = periodStart
		m.lastEvaluatedAt = now
		e.logger.Warn("window evaluation failed", "alarm", cfg.ID, "period_start", periodStart, "error", err)
		return e.settle(m, cfg, models.StateInsufficientData, "evaluation failed: "+err.Error(), periodStart, now), nil
	}
}

func (e *Evaluator) recordAndSettle(m *machine, cfg rules.AlarmConfig, periodStart, now time.Time, breach bool, value float64, haveValue bool) *models.StateTransition {
	m.record(breach)
	m.lastProcessedPeriod = periodStart
	m.lastEvaluatedAt = now

	breaches := m.breachCount()
	next := m.state
	switch {
	case breaches >= cfg.DatapointsToAlarm:
		next = models.StateAlarm
	case breaches == 0:
		next = models.StateOK
	}

	reason := fmt.Sprintf("%d of last %d datapoints %s %g", breaches, len(m.ring), cfg.Comparison, cfg.Threshold)
	switch {
	case haveValue:
		reason += fmt.Sprintf("; latest value %g", value)
	case breach:
		reason += "; empty period scored as breaching"
	default:
		reason += "; empty period scored as compliant"
	}
	return e.settle(m, cfg, next, reason, periodStart, now)
}

// settle updates the reason and, when the state changed, flips the
// machine and returns the transition. Unchanged evaluations return nil
// so downstream stages only ever see real changes.
func (e *Evaluator) settle(m *machine, cfg rules.AlarmConfig, next models.StateValue, reason string, periodStart, now time.Time) *models.StateTransition {
	m.reason = reason
	if next == m.state {
		return nil
	}
	tr := &models.StateTransition{
		AlarmID:     cfg.ID,
		From:        m.state,
		To:          next,
		At:          now,
		Reason:      reason,
		Severity:    transitionSeverity(cfg, next),
		Namespace:   cfg.Metric.Namespace,
		MetricName:  cfg.Metric.MetricName,
		PeriodStart: periodStart,
	}
	m.state = next
	m.lastTransitionAt = now
	e.logger.Info("alarm state changed",
		"alarm", cfg.ID,
		"from", tr.From,
		"to", tr.To,
		"reason", reason)
	return tr
}

// transitionSeverity carries the configured severity only into ALARM;
// recoveries and data gaps notify at low severity.
func transitionSeverity(cfg rules.AlarmConfig, to models.StateValue) models.Severity {
	if to == models.StateAlarm {
		return cfg.Severity
	}
	return models.SeverityLow
}
