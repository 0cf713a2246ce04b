// Package correlate matches the joint state of alarms and metric trends
// against correlation rules and turns each match into a root-cause
// diagnosis. Emission is edge triggered: a rule fires once when its
// condition assembles, opening an episode that stays open until every
// contributing signal has cleared. A condition persisting across many
// ticks therefore produces exactly one event.
package correlate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/rules"
)

// WindowHistory supplies window aggregates for trend checks and evidence
// capture. Closed windows are cached upstream, so the lookups here are
// cheap even when several rules share a series.
type WindowHistory interface {
	Evaluate(sel models.Selector, stat models.Statistic, periodStart time.Time, periodLength time.Duration) (models.Window, error)
	LastWindows(sel models.Selector, stat models.Statistic, period time.Duration, k int) ([]models.Window, error)
}

// Correlator evaluates correlation rules against read-only alarm
// snapshots. It owns all episode state; nothing else mutates it.
type Correlator struct {
	windows WindowHistory
	advisor *Advisor
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu         sync.Mutex
	rules      []rules.RuleConfig
	alarms     map[string]rules.AlarmConfig
	watched    map[string]struct{}
	episodes   map[string]*models.Episode
	trendSince map[string]time.Time
}

// New builds a Correlator with no rules. Call ApplyGeneration to install
// the active configuration. A nil advisor disables advice lookup.
func New(windows WindowHistory, advisor *Advisor, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		windows:    windows,
		advisor:    advisor,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		alarms:     make(map[string]rules.AlarmConfig),
		watched:    make(map[string]struct{}),
		episodes:   make(map[string]*models.Episode),
		trendSince: make(map[string]time.Time),
	}
}

// ApplyGeneration swaps the rule set. Episodes of rules that survive the
// swap stay open; episodes and trend tracking of removed rules are
// dropped.
func (c *Correlator) ApplyGeneration(gen *rules.Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = gen.Rules
	c.alarms = make(map[string]rules.AlarmConfig, len(gen.Alarms))
	for _, a := range gen.Alarms {
		c.alarms[a.ID] = a
	}

	keepRules := make(map[string]struct{}, len(gen.Rules))
	keepSignals := make(map[string]struct{})
	watched := make(map[string]struct{})
	for _, r := range gen.Rules {
		keepRules[r.ID] = struct{}{}
		for _, s := range r.Signals {
			switch s.Kind {
			case models.SignalAlarm:
				watched[s.AlarmID] = struct{}{}
			case models.SignalTrend:
				keepSignals[s.ID] = struct{}{}
			}
		}
	}
	c.watched = watched
	for id := range c.episodes {
		if _, ok := keepRules[id]; !ok {
			delete(c.episodes, id)
		}
	}
	for id := range c.trendSince {
		if _, ok := keepSignals[id]; !ok {
			delete(c.trendSince, id)
		}
	}
	c.logger.Info("correlation generation applied", "generation", gen.Version, "rules", len(gen.Rules))
}

// WatchesAlarm reports whether any rule lists the alarm as a signal.
// The engine consults it to decide if a state transition warrants an
// immediate correlation pass.
func (c *Correlator) WatchesAlarm(alarmID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[alarmID]
	return ok
}

// signalStatus is one signal's outcome during a tick.
type signalStatus struct {
	cfg    rules.SignalConfig
	active bool
	since  time.Time
	state  models.AlarmState
}

// Tick re-evaluates every rule against the given alarm snapshots and
// returns the events of episodes that opened during this pass. Rules not
// yet evaluated when ctx expires are picked up on the next tick.
func (c *Correlator) Tick(ctx context.Context, states []models.AlarmState) []models.RCAEvent {
	byID := make(map[string]models.AlarmState, len(states))
	for _, st := range states {
		byID[st.AlarmID] = st
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	trendMemo := make(map[string]bool)
	var events []models.RCAEvent
	for i := range c.rules {
		if ctx.Err() != nil {
			break
		}
		rule := c.rules[i]
		statuses := make([]signalStatus, len(rule.Signals))
		for j, sig := range rule.Signals {
			statuses[j] = c.evalSignal(sig, byID, now, trendMemo)
		}
		if ev := c.settleRule(rule, statuses, now); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

// evalSignal resolves one signal. Alarm signals take their trigger time
// from the snapshot's last transition; trend signals are timestamped on
// the tick where the trend first held. trendMemo keeps a signal shared
// by several rules from being recomputed within one tick.
func (c *Correlator) evalSignal(sig rules.SignalConfig, states map[string]models.AlarmState, now time.Time, trendMemo map[string]bool) signalStatus {
	st := signalStatus{cfg: sig}
	switch sig.Kind {
	case models.SignalAlarm:
		as, ok := states[sig.AlarmID]
		if ok && as.State == models.StateAlarm {
			st.active = true
			st.since = as.LastTransitionAt
			st.state = as
		}
	case models.SignalTrend:
		hold, ok := trendMemo[sig.ID]
		if !ok {
			hold = c.trendHolds(sig.Trend)
			trendMemo[sig.ID] = hold
		}
		if !hold {
			delete(c.trendSince, sig.ID)
			return st
		}
		if _, ok := c.trendSince[sig.ID]; !ok {
			c.trendSince[sig.ID] = now
		}
		st.active = true
		st.since = c.trendSince[sig.ID]
	}
	return st
}

// settleRule applies edge triggering. While an episode is open nothing
// fires; the episode closes only once every signal has cleared, so a
// single flapping signal cannot restart the rule mid-incident.
func (c *Correlator) settleRule(rule rules.RuleConfig, statuses []signalStatus, now time.Time) *models.RCAEvent {
	anyActive := false
	for _, s := range statuses {
		if s.active {
			anyActive = true
			break
		}
	}

	if ep := c.episodes[rule.ID]; ep != nil && ep.Active {
		if !anyActive {
			ep.Active = false
			ep.EndedAt = now
			c.logger.Info("episode closed",
				"rule", rule.ID,
				"episode", ep.EpisodeID,
				"duration", now.Sub(ep.StartedAt))
		}
		return nil
	}

	if !ruleSatisfied(rule, statuses) {
		return nil
	}
	event := c.buildEvent(rule, statuses, now)
	c.episodes[rule.ID] = &models.Episode{
		EpisodeID: event.EpisodeID,
		RuleID:    rule.ID,
		EventID:   event.EventID,
		StartedAt: now,
		Active:    true,
	}
	c.logger.Info("correlation rule fired",
		"rule", rule.ID,
		"classification", rule.Classification,
		"episode", event.EpisodeID,
		"confidence", event.Confidence)
	return &event
}

func ruleSatisfied(rule rules.RuleConfig, statuses []signalStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	switch rule.Combinator {
	case rules.CombineAll:
		for _, s := range statuses {
			if !s.active {
				return false
			}
		}
		return true
	case rules.CombineAny:
		for _, s := range statuses {
			if s.active {
				return true
			}
		}
		return false
	case rules.CombineSequence:
		for _, s := range statuses {
			if !s.active {
				return false
			}
		}
		// Signals must have triggered in declaration order, each within
		// the rolling window of its predecessor.
		for i := 1; i < len(statuses); i++ {
			gap := statuses[i].since.Sub(statuses[i-1].since)
			if gap < 0 || gap > rule.Within {
				return false
			}
		}
		return true
	}
	return false
}

func (c *Correlator) buildEvent(rule rules.RuleConfig, statuses []signalStatus, now time.Time) models.RCAEvent {
	active := 0
	evidence := make([]models.Evidence, 0, len(statuses))
	for _, s := range statuses {
		if !s.active {
			continue
		}
		active++
		evidence = append(evidence, c.evidenceFor(s))
	}
	event := models.RCAEvent{
		EventID:        c.newID(),
		RuleID:         rule.ID,
		EpisodeID:      c.newID(),
		Classification: rule.Classification,
		Severity:       rule.Severity,
		Confidence:     clamp(float64(active)/float64(len(rule.Signals)), 0, 1),
		TriggeredAt:    now,
		Evidence:       evidence,
	}
	event.Advice = c.advisor.Advise(event)
	return event
}

// evidenceFor captures what a signal looked like at firing time. Values
// come from the same closed windows the evaluator scored, so evidence
// never disagrees with the alarm states it cites.
func (c *Correlator) evidenceFor(s signalStatus) models.Evidence {
	ev := models.Evidence{SignalID: s.cfg.ID, Kind: s.cfg.Kind}
	switch s.cfg.Kind {
	case models.SignalAlarm:
		ev.Detail = s.state.Reason
		cfg, ok := c.alarms[s.cfg.AlarmID]
		if !ok {
			return ev
		}
		ev.Series = cfg.Metric.String()
		ev.PeriodStart = s.state.LastPeriodStart
		ev.PeriodEnd = s.state.LastPeriodStart.Add(cfg.Period)
		if w, err := c.windows.Evaluate(cfg.Metric, cfg.Statistic, s.state.LastPeriodStart, cfg.Period); err == nil {
			ev.Value = w.Value
		}
	case models.SignalTrend:
		t := s.cfg.Trend
		ev.Series = t.Metric.String()
		ev.Detail = trendDetail(t)
		if windows, err := c.windows.LastWindows(t.Metric, models.StatAvg, t.Period, t.Windows); err == nil && len(windows) > 0 {
			last := windows[len(windows)-1]
			ev.PeriodStart = last.PeriodStart
			ev.PeriodEnd = last.PeriodEnd
			ev.Value = last.Value
		}
	}
	return ev
}

// Episodes returns the most recent episode per rule, newest first.
func (c *Correlator) Episodes() []models.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Episode, 0, len(c.episodes))
	for _, ep := range c.episodes {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// ActiveEpisodes returns only the episodes still open.
func (c *Correlator) ActiveEpisodes() []models.Episode {
	all := c.Episodes()
	out := all[:0]
	for _, ep := range all {
		if ep.Active {
			out = append(out, ep)
		}
	}
	return out
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
