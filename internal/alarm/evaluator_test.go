package alarm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vigilstack/gchealth/internal/aggregate"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/rules"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves one window value per period start and reports
// insufficient data for periods it has no value for.
type fakeSource struct {
	values map[int64]float64
	err    error
	calls  int
}

func (f *fakeSource) Evaluate(sel models.Selector, stat models.Statistic, start time.Time, length time.Duration) (models.Window, error) {
	f.calls++
	if f.err != nil {
		return models.Window{}, f.err
	}
	v, ok := f.values[start.Unix()]
	if !ok {
		return models.Window{}, aggregate.ErrInsufficientData
	}
	return models.Window{
		Selector:    sel,
		PeriodStart: start,
		PeriodEnd:   start.Add(length),
		Statistic:   stat,
		Value:       v,
		SampleCount: 1,
	}, nil
}

func heapAlarm(datapoints, periods int, missing models.MissingDataPolicy) rules.AlarmConfig {
	return rules.AlarmConfig{
		ID:                "heap-used-ratio-high",
		Metric:            models.Selector{Namespace: "jvm", MetricName: "heap_used_ratio"},
		Statistic:         models.StatAvg,
		Comparison:        models.CompareGreater,
		Threshold:         0.8,
		Period:            300 * time.Second,
		EvaluationPeriods: periods,
		DatapointsToAlarm: datapoints,
		TreatMissingData:  missing,
		Severity:          models.SeverityHigh,
	}
}

// harness drives one alarm period by period against a synthetic clock.
// step feeds a window value for the period that is about to close, then
// advances the clock past its end and evaluates.
type harness struct {
	t      *testing.T
	ev     *Evaluator
	src    *fakeSource
	id     string
	period time.Duration
	clock  time.Time
}

func newHarness(t *testing.T, cfg rules.AlarmConfig) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		src:    &fakeSource{values: make(map[int64]float64)},
		id:     cfg.ID,
		period: cfg.Period,
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ev = New(h.src, discardLogger())
	h.ev.now = func() time.Time { return h.clock }
	h.ev.ApplyGeneration(&rules.Generation{Version: 1, Alarms: []rules.AlarmConfig{cfg}})
	return h
}

func (h *harness) step(value float64) []models.StateTransition {
	h.t.Helper()
	h.src.values[h.clock.Unix()] = value
	return h.stepEmpty()
}

func (h *harness) stepEmpty() []models.StateTransition {
	h.t.Helper()
	h.clock = h.clock.Add(h.period)
	trs, err := h.ev.EvaluateAlarm(context.Background(), h.id)
	if err != nil {
		h.t.Fatalf("EvaluateAlarm: %v", err)
	}
	return trs
}

func (h *harness) state() models.AlarmState {
	h.t.Helper()
	st, ok := h.ev.State(h.id)
	if !ok {
		h.t.Fatalf("alarm %s not tracked", h.id)
	}
	return st
}

func TestThreeOfThreeBreachesAlarmOnThirdEvaluation(t *testing.T) {
	h := newHarness(t, heapAlarm(3, 3, models.MissingNotBreaching))

	if trs := h.step(0.85); len(trs) != 0 {
		t.Fatalf("first breach emitted %d transitions, want none", len(trs))
	}
	if st := h.state(); st.State != models.StateInsufficientData {
		t.Fatalf("state after one breach = %s, want INSUFFICIENT_DATA", st.State)
	}
	if trs := h.step(0.82); len(trs) != 0 {
		t.Fatalf("second breach emitted %d transitions, want none", len(trs))
	}

	trs := h.step(0.90)
	if len(trs) != 1 {
		t.Fatalf("third breach emitted %d transitions, want 1", len(trs))
	}
	tr := trs[0]
	if tr.From != models.StateInsufficientData || tr.To != models.StateAlarm {
		t.Fatalf("transition %s -> %s, want INSUFFICIENT_DATA -> ALARM", tr.From, tr.To)
	}
	if !strings.Contains(tr.Reason, "3 of last 3 datapoints > 0.8") {
		t.Fatalf("reason %q does not describe 3 of 3 breaches", tr.Reason)
	}
	if tr.Severity != models.SeverityHigh {
		t.Fatalf("alarm transition severity = %s, want high", tr.Severity)
	}
	if st := h.state(); st.ConsecutiveBreaches != 3 {
		t.Fatalf("consecutive breaches = %d, want 3", st.ConsecutiveBreaches)
	}
}

func TestMixedOutcomesRetainOK(t *testing.T) {
	h := newHarness(t, heapAlarm(3, 3, models.MissingNotBreaching))

	if trs := h.step(0.5); len(trs) != 1 || trs[0].To != models.StateOK {
		t.Fatalf("compliant warmup did not move to OK: %+v", trs)
	}

	for _, v := range []float64{0.85, 0.70, 0.90} {
		if trs := h.step(v); len(trs) != 0 {
			t.Fatalf("value %g emitted a transition, want state retained", v)
		}
	}
	if st := h.state(); st.State != models.StateOK {
		t.Fatalf("state = %s, want OK retained with 2 of 3 breaching", st.State)
	}
}

func TestTwoOfThreeBreachesAlarm(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 3, models.MissingNotBreaching))

	h.step(0.5)
	h.step(0.85)
	h.step(0.70)
	trs := h.step(0.90)
	if len(trs) != 1 || trs[0].To != models.StateAlarm {
		t.Fatalf("expected OK -> ALARM on second breach within window, got %+v", trs)
	}
}

// The state machine must honour M-of-N strictly: ALARM only with at
// least datapointsToAlarm breaches recorded, OK only with none, and the
// current state retained in between.
func TestHysteresisBounds(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 4, models.MissingNotBreaching))

	type stepCase struct {
		value     float64
		wantState models.StateValue
	}
	steps := []stepCase{
		{0.9, models.StateInsufficientData}, // 1 breach, below M
		{0.5, models.StateInsufficientData},
		{0.9, models.StateAlarm}, // 2 breaches among last 4
		{0.9, models.StateAlarm},
		{0.5, models.StateAlarm},
		{0.5, models.StateAlarm}, // still 2 breaches in ring
		{0.5, models.StateAlarm}, // 1 breach left: neither ALARM nor OK, retain
		{0.5, models.StateOK},    // ring fully compliant
	}

	for i, s := range steps {
		trs := h.step(s.value)
		st := h.state()
		if st.State != s.wantState {
			t.Fatalf("step %d (value %g): state = %s, want %s", i, s.value, st.State, s.wantState)
		}
		breaches := 0
		for _, b := range st.RecentOutcomes {
			if b {
				breaches++
			}
		}
		for _, tr := range trs {
			if tr.To == models.StateAlarm && breaches < 2 {
				t.Fatalf("step %d: ALARM transition with %d breaches recorded", i, breaches)
			}
			if tr.To == models.StateOK && breaches != 0 {
				t.Fatalf("step %d: OK transition with %d breaches recorded", i, breaches)
			}
		}
	}
}

func TestMissingPolicyForcesInsufficientData(t *testing.T) {
	t.Run("from alarm", func(t *testing.T) {
		h := newHarness(t, heapAlarm(2, 3, models.MissingAsMissing))
		h.step(0.9)
		h.step(0.9)
		if st := h.state(); st.State != models.StateAlarm {
			t.Fatalf("setup: state = %s, want ALARM", st.State)
		}

		trs := h.stepEmpty()
		if len(trs) != 1 || trs[0].To != models.StateInsufficientData {
			t.Fatalf("first empty period: got %+v, want transition to INSUFFICIENT_DATA", trs)
		}
		if !strings.Contains(trs[0].Reason, "no data for period starting") {
			t.Fatalf("reason %q does not name the empty period", trs[0].Reason)
		}

		if trs := h.stepEmpty(); len(trs) != 0 {
			t.Fatalf("second empty period re-emitted a transition: %+v", trs)
		}
		st := h.state()
		if st.State != models.StateInsufficientData {
			t.Fatalf("state = %s, want INSUFFICIENT_DATA", st.State)
		}
		// The outcome ring survives the forced state so recovery picks up
		// where the data left off.
		if len(st.RecentOutcomes) != 2 {
			t.Fatalf("ring length = %d, want 2 preserved outcomes", len(st.RecentOutcomes))
		}
	})

	t.Run("from ok", func(t *testing.T) {
		h := newHarness(t, heapAlarm(2, 3, models.MissingAsMissing))
		h.step(0.5)
		if st := h.state(); st.State != models.StateOK {
			t.Fatalf("setup: state = %s, want OK", st.State)
		}
		h.stepEmpty()
		h.stepEmpty()
		if st := h.state(); st.State != models.StateInsufficientData {
			t.Fatalf("state = %s, want INSUFFICIENT_DATA", st.State)
		}
	})
}

func TestMissingPolicyBreaching(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 2, models.MissingBreaching))

	if trs := h.stepEmpty(); len(trs) != 0 {
		t.Fatalf("one scored breach emitted transitions: %+v", trs)
	}
	trs := h.stepEmpty()
	if len(trs) != 1 || trs[0].To != models.StateAlarm {
		t.Fatalf("two empty periods under breaching policy: got %+v, want ALARM", trs)
	}
	if !strings.Contains(trs[0].Reason, "scored as breaching") {
		t.Fatalf("reason %q does not explain the empty-period score", trs[0].Reason)
	}
}

func TestMissingPolicyNotBreaching(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 2, models.MissingNotBreaching))

	trs := h.stepEmpty()
	if len(trs) != 1 || trs[0].To != models.StateOK {
		t.Fatalf("empty period under notBreaching policy: got %+v, want OK", trs)
	}
	if !strings.Contains(trs[0].Reason, "scored as compliant") {
		t.Fatalf("reason %q does not explain the empty-period score", trs[0].Reason)
	}
}

func TestMissingPolicyIgnoreFreezesRing(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 3, models.MissingIgnore))

	h.step(0.9)
	before := h.state()

	if trs := h.stepEmpty(); len(trs) != 0 {
		t.Fatalf("ignored period emitted transitions: %+v", trs)
	}
	after := h.state()
	if after.State != before.State {
		t.Fatalf("state changed across ignored period: %s -> %s", before.State, after.State)
	}
	if len(after.RecentOutcomes) != 1 {
		t.Fatalf("ring advanced across ignored period: %v", after.RecentOutcomes)
	}
	if !after.LastPeriodStart.After(before.LastPeriodStart) {
		t.Fatal("ignored period was not marked processed")
	}

	// The next real breach completes 2 of 3 despite the gap.
	trs := h.step(0.9)
	if len(trs) != 1 || trs[0].To != models.StateAlarm {
		t.Fatalf("breach after ignored period: got %+v, want ALARM", trs)
	}
}

func TestPeriodScoredOnlyOnce(t *testing.T) {
	h := newHarness(t, heapAlarm(1, 1, models.MissingNotBreaching))

	h.step(0.9)
	calls := h.src.calls
	trs, err := h.ev.EvaluateAlarm(context.Background(), h.id)
	if err != nil || len(trs) != 0 {
		t.Fatalf("re-evaluation within the same period: trs=%v err=%v", trs, err)
	}
	if h.src.calls != calls {
		t.Fatalf("re-evaluation recomputed the window: %d -> %d calls", calls, h.src.calls)
	}
}

func TestCatchUpScoresSkippedPeriods(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 3, models.MissingNotBreaching))
	h.step(0.5)

	// Two periods elapse without an evaluation tick; both have data.
	h.src.values[h.clock.Unix()] = 0.9
	h.src.values[h.clock.Add(h.period).Unix()] = 0.9
	h.clock = h.clock.Add(2 * h.period)

	trs, err := h.ev.EvaluateAlarm(context.Background(), h.id)
	if err != nil {
		t.Fatalf("EvaluateAlarm: %v", err)
	}
	if len(trs) != 1 || trs[0].To != models.StateAlarm {
		t.Fatalf("catch-up over two periods: got %+v, want single OK -> ALARM", trs)
	}
	st := h.state()
	if got, want := st.LastPeriodStart, h.clock.Add(-h.period); !got.Equal(want) {
		t.Fatalf("LastPeriodStart = %s, want %s", got, want)
	}
}

func TestCatchUpBoundedByEvaluationPeriods(t *testing.T) {
	h := newHarness(t, heapAlarm(2, 3, models.MissingNotBreaching))
	h.step(0.5)
	calls := h.src.calls

	// A long stall: only the last evaluationPeriods periods are scored.
	h.clock = h.clock.Add(11 * h.period)
	if _, err := h.ev.EvaluateAlarm(context.Background(), h.id); err != nil {
		t.Fatalf("EvaluateAlarm: %v", err)
	}
	if got := h.src.calls - calls; got != 3 {
		t.Fatalf("catch-up evaluated %d periods, want 3", got)
	}
	if got, want := h.state().LastPeriodStart, h.clock.Add(-h.period); !got.Equal(want) {
		t.Fatalf("LastPeriodStart = %s, want %s", got, want)
	}
}

func TestExpiredContextAbandonsCycle(t *testing.T) {
	h := newHarness(t, heapAlarm(1, 1, models.MissingNotBreaching))
	h.src.values[h.clock.Unix()] = 0.9
	h.clock = h.clock.Add(h.period)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trs, err := h.ev.EvaluateAlarm(ctx, h.id)
	if !errors.Is(err, ErrEvaluationTimeout) {
		t.Fatalf("error = %v, want ErrEvaluationTimeout", err)
	}
	if len(trs) != 0 {
		t.Fatalf("abandoned cycle emitted transitions: %+v", trs)
	}
	if st := h.state(); !st.LastPeriodStart.IsZero() {
		t.Fatal("abandoned cycle marked the period processed")
	}

	// The same period is picked up once the budget allows.
	trs, err = h.ev.EvaluateAlarm(context.Background(), h.id)
	if err != nil || len(trs) != 1 || trs[0].To != models.StateAlarm {
		t.Fatalf("retry after timeout: trs=%v err=%v", trs, err)
	}
}

func TestSourceFailureSurfacesAsInsufficientData(t *testing.T) {
	h := newHarness(t, heapAlarm(1, 1, models.MissingNotBreaching))
	h.step(0.5)

	h.src.err = errors.New("store unavailable")
	trs := h.stepEmpty()
	if len(trs) != 1 || trs[0].To != models.StateInsufficientData {
		t.Fatalf("source failure: got %+v, want transition to INSUFFICIENT_DATA", trs)
	}
	if !strings.Contains(trs[0].Reason, "evaluation failed") {
		t.Fatalf("reason %q does not carry the failure diagnostic", trs[0].Reason)
	}
}

func TestUnknownAlarm(t *testing.T) {
	h := newHarness(t, heapAlarm(1, 1, models.MissingNotBreaching))
	if _, err := h.ev.EvaluateAlarm(context.Background(), "no-such-alarm"); !errors.Is(err, ErrUnknownAlarm) {
		t.Fatalf("error = %v, want ErrUnknownAlarm", err)
	}
}

func TestApplyGenerationPreservesUnchangedAlarms(t *testing.T) {
	cfg := heapAlarm(2, 3, models.MissingNotBreaching)
	h := newHarness(t, cfg)
	h.step(0.9)
	h.step(0.9)
	if st := h.state(); st.State != models.StateAlarm {
		t.Fatalf("setup: state = %s, want ALARM", st.State)
	}

	// A cosmetic edit keeps the fingerprint, so state survives.
	edited := cfg
	edited.Description = "heap stays hot"
	h.ev.ApplyGeneration(&rules.Generation{Version: 2, Alarms: []rules.AlarmConfig{edited}})
	if st := h.state(); st.State != models.StateAlarm {
		t.Fatalf("state after cosmetic reload = %s, want ALARM preserved", st.State)
	}

	// A threshold change resets the machine.
	retuned := cfg
	retuned.Threshold = 0.95
	h.ev.ApplyGeneration(&rules.Generation{Version: 3, Alarms: []rules.AlarmConfig{retuned}})
	st := h.state()
	if st.State != models.StateInsufficientData || len(st.RecentOutcomes) != 0 {
		t.Fatalf("state after behavioural reload = %+v, want fresh INSUFFICIENT_DATA", st)
	}

	// Removal drops the machine entirely.
	h.ev.ApplyGeneration(&rules.Generation{Version: 4})
	if _, ok := h.ev.State(cfg.ID); ok {
		t.Fatal("removed alarm still tracked")
	}
}

func TestRestoreCheckpoint(t *testing.T) {
	cfg := heapAlarm(2, 3, models.MissingNotBreaching)
	h := newHarness(t, cfg)

	base := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)
	st := models.AlarmState{
		AlarmID:             cfg.ID,
		State:               models.StateAlarm,
		Reason:              "2 of last 3 datapoints > 0.8",
		ConsecutiveBreaches: 2,
		RecentOutcomes:      []bool{true, true},
		LastEvaluatedAt:     base.Add(cfg.Period),
		LastTransitionAt:    base.Add(cfg.Period),
		LastPeriodStart:     base,
	}

	if h.ev.Restore(st, "stale-fingerprint") {
		t.Fatal("restore accepted a checkpoint from a different configuration")
	}
	if got := h.state(); got.State != models.StateInsufficientData {
		t.Fatalf("rejected restore mutated state to %s", got.State)
	}

	if !h.ev.Restore(st, cfg.Fingerprint()) {
		t.Fatal("restore rejected a matching checkpoint")
	}
	got := h.state()
	if got.State != models.StateAlarm || got.ConsecutiveBreaches != 2 {
		t.Fatalf("restored state = %+v", got)
	}

	// Evaluation resumes from the checkpointed period.
	h.src.values[base.Add(cfg.Period).Unix()] = 0.5
	h.clock = base.Add(2 * cfg.Period)
	trs, err := h.ev.EvaluateAlarm(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("EvaluateAlarm: %v", err)
	}
	if len(trs) != 0 {
		t.Fatalf("2 of 3 breaching after restore should retain ALARM, got %+v", trs)
	}

	other := st
	other.AlarmID = "no-such-alarm"
	if h.ev.Restore(other, cfg.Fingerprint()) {
		t.Fatal("restore accepted an unknown alarm")
	}
}

func TestRecoveryTransitionSeverityIsLow(t *testing.T) {
	h := newHarness(t, heapAlarm(1, 1, models.MissingNotBreaching))
	h.step(0.9)
	trs := h.step(0.5)
	if len(trs) != 1 || trs[0].To != models.StateOK {
		t.Fatalf("expected ALARM -> OK, got %+v", trs)
	}
	tr := trs[0]
	if tr.Severity != models.SeverityLow {
		t.Fatalf("recovery severity = %s, want low", tr.Severity)
	}
	if tr.Namespace != "jvm" || tr.MetricName != "heap_used_ratio" {
		t.Fatalf("transition metadata incomplete: %+v", tr)
	}
	if tr.PeriodStart.IsZero() {
		t.Fatal("transition missing period start")
	}
}
