// Package engine runs everything in the monitor that is driven by time
// rather than by a request: the per-alarm evaluation loops, the
// correlation tick, retention sweeps, state checkpointing, journal
// pruning and episode pattern mining. The HTTP layer stays synchronous
// and calls in only for on-demand evaluation and configuration reloads.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigilstack/gchealth/internal/alarm"
	"github.com/vigilstack/gchealth/internal/correlate"
	"github.com/vigilstack/gchealth/internal/dispatch"
	"github.com/vigilstack/gchealth/internal/metrics"
	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/patterns"
	"github.com/vigilstack/gchealth/internal/rules"
	"github.com/vigilstack/gchealth/internal/storage/sqlite"
	"github.com/vigilstack/gchealth/internal/store"
)

// journalTimeout bounds history writes that deliberately do not inherit
// a loop or caller context, so settled results still journal during
// shutdown.
const journalTimeout = 2 * time.Second

func journalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), journalTimeout)
}

// Config tunes the engine schedule. Zero values pick the defaults below.
type Config struct {
	// EvalBudget is the per-cycle time limit for one alarm evaluation.
	EvalBudget          time.Duration
	CorrelationInterval time.Duration
	SweepInterval       time.Duration
	CheckpointInterval  time.Duration
	PruneInterval       time.Duration
	// JournalRetention is how far back transitions, events, episodes and
	// dispatch outcomes are kept in the history store.
	JournalRetention time.Duration
	MiningInterval   time.Duration
	// MiningLimit caps how many recent events one mining pass reads.
	MiningLimit int
	// DrainTimeout bounds the final checkpoint flush and the dispatcher
	// drain during Stop.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EvalBudget <= 0 {
		c.EvalBudget = 5 * time.Second
	}
	if c.CorrelationInterval <= 0 {
		c.CorrelationInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	if c.JournalRetention <= 0 {
		c.JournalRetention = 7 * 24 * time.Hour
	}
	if c.MiningInterval <= 0 {
		c.MiningInterval = 15 * time.Minute
	}
	if c.MiningLimit <= 0 {
		c.MiningLimit = 500
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Engine owns the monitoring schedule. Each alarm gets its own loop
// ticking at the alarm's period so a slow series cannot delay the
// others; correlation and the maintenance chores run on their own
// tickers. The engine also carries alarm state across restarts via the
// history store's checkpoints.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	registry   *rules.Registry
	evaluator  *alarm.Evaluator
	correlator *correlate.Correlator
	dispatcher *dispatch.Dispatcher
	samples    *store.Store
	history    *sqlite.Store
	miner      *patterns.Miner

	// kick wakes the correlation loop ahead of its ticker when a
	// transition lands on an alarm some rule watches. The buffer of one
	// collapses a burst of transitions into a single extra pass.
	kick chan struct{}

	mu          sync.Mutex
	running     bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	alarmCancel context.CancelFunc
	alarmWG     sync.WaitGroup
}

// New assembles the engine. The registry, evaluator, correlator and
// sample store are required; a nil dispatcher disables notifications, a
// nil history disables checkpoints, journaling and mining, and a nil
// miner disables mining alone.
func New(
	cfg Config,
	logger *slog.Logger,
	registry *rules.Registry,
	evaluator *alarm.Evaluator,
	correlator *correlate.Correlator,
	dispatcher *dispatch.Dispatcher,
	samples *store.Store,
	history *sqlite.Store,
	miner *patterns.Miner,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		registry:   registry,
		evaluator:  evaluator,
		correlator: correlator,
		dispatcher: dispatcher,
		samples:    samples,
		history:    history,
		miner:      miner,
		kick:       make(chan struct{}, 1),
	}
}

// Start loads the configuration if the registry has none yet, restores
// checkpointed alarm state, starts the dispatcher and launches every
// loop. It fails fast on a broken initial configuration.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	gen := e.registry.Current()
	if gen == nil {
		var err error
		gen, err = e.registry.Load()
		if err != nil {
			return fmt.Errorf("initial configuration load: %w", err)
		}
	}
	e.evaluator.ApplyGeneration(gen)
	e.correlator.ApplyGeneration(gen)

	e.baseCtx, e.cancel = context.WithCancel(context.Background())

	if e.history != nil {
		e.restoreCheckpoints(e.baseCtx)
	}
	if e.dispatcher != nil {
		if e.history != nil {
			e.dispatcher.SetFailureHandler(e.journalFailure)
			e.dispatcher.SetDeliveryHandler(e.journalDelivery)
		}
		e.dispatcher.Start()
	}

	e.running = true
	e.startAlarmLoops(gen)

	e.wg.Add(2)
	go e.correlationLoop(e.baseCtx)
	go e.sweepLoop(e.baseCtx)
	if e.history != nil {
		e.wg.Add(2)
		go e.checkpointLoop(e.baseCtx)
		go e.pruneLoop(e.baseCtx)
		if e.miner != nil {
			e.wg.Add(1)
			go e.miningLoop(e.baseCtx)
		}
	}

	e.logger.Info("engine started",
		"generation", gen.Version,
		"alarms", len(gen.Alarms),
		"rules", len(gen.Rules))
	return nil
}

// Stop halts every loop, flushes a final round of checkpoints and
// drains the dispatcher. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.alarmCancel()
	e.cancel()
	e.mu.Unlock()

	e.alarmWG.Wait()
	e.wg.Wait()

	if e.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
		e.flushCheckpoints(ctx)
		cancel()
	}
	if e.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
		if err := e.dispatcher.Shutdown(ctx); err != nil {
			e.logger.Warn("dispatcher drain incomplete", "error", err)
		}
		cancel()
	}
	e.logger.Info("engine stopped")
}

// Ready reports whether the loops are running with a loaded
// configuration.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.registry.Current() != nil
}

// EvaluateNow evaluates one alarm outside its schedule. Transitions it
// produces take the same journaling and dispatch path as scheduled
// ones.
func (e *Engine) EvaluateNow(ctx context.Context, alarmID string) ([]models.StateTransition, error) {
	return e.evaluateAlarm(ctx, alarmID)
}

// Reload loads a fresh configuration generation and swaps it in. On a
// load failure the running generation stays active and the error is
// returned. A successful swap restarts the alarm loops, since the
// alarm set or the periods may have changed, and sweeps checkpoints of
// removed alarms.
func (e *Engine) Reload(ctx context.Context) error {
	gen, err := e.registry.Load()
	if err != nil {
		metrics.IncConfigReload(metrics.OutcomeError)
		return err
	}

	e.mu.Lock()
	if e.running {
		e.alarmCancel()
		e.alarmWG.Wait()
	}
	e.evaluator.ApplyGeneration(gen)
	e.correlator.ApplyGeneration(gen)
	if e.running {
		e.startAlarmLoops(gen)
	}
	e.mu.Unlock()

	if e.history != nil {
		live := make([]string, 0, len(gen.Alarms))
		for _, a := range gen.Alarms {
			live = append(live, a.ID)
		}
		if err := e.history.SweepCheckpoints(ctx, live); err != nil {
			e.logger.Warn("checkpoint sweep failed", "error", err)
		}
	}

	metrics.IncConfigReload(metrics.OutcomeSuccess)
	e.logger.Info("configuration reloaded",
		"generation", gen.Version,
		"alarms", len(gen.Alarms),
		"rules", len(gen.Rules))
	return nil
}

// startAlarmLoops launches one loop per alarm in the generation. The
// caller holds e.mu; the loops never take it, so Reload and Stop can
// wait for them under the lock.
func (e *Engine) startAlarmLoops(gen *rules.Generation) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.alarmCancel = cancel
	for _, cfg := range gen.Alarms {
		e.alarmWG.Add(1)
		go e.alarmLoop(ctx, cfg)
	}
}

// alarmLoop evaluates one alarm immediately and then on every period
// boundary until canceled.
func (e *Engine) alarmLoop(ctx context.Context, cfg rules.AlarmConfig) {
	defer e.alarmWG.Done()

	e.runEvaluation(ctx, cfg.ID)
	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runEvaluation(ctx, cfg.ID)
		}
	}
}

func (e *Engine) runEvaluation(ctx context.Context, id string) {
	if _, err := e.evaluateAlarm(ctx, id); err != nil && ctx.Err() == nil {
		e.logger.Warn("scheduled evaluation failed", "alarm", id, "error", err)
	}
}

// evaluateAlarm runs one evaluation cycle under the configured budget
// and routes any resulting transitions to the journal and the
// dispatcher.
func (e *Engine) evaluateAlarm(ctx context.Context, id string) ([]models.StateTransition, error) {
	ectx, cancel := context.WithTimeout(ctx, e.cfg.EvalBudget)
	defer cancel()

	start := time.Now()
	transitions, err := e.evaluator.EvaluateAlarm(ectx, id)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveEvaluation(time.Since(start), outcome)

	for _, tr := range transitions {
		e.handleTransition(tr)
	}
	return transitions, err
}

// handleTransition journals and dispatches one transition. The write
// uses its own context rather than the loop's: the evaluator has
// already settled the state change, so a shutdown must not cost the
// journal row. A transition on an alarm some rule watches also wakes
// the correlation loop, so a diagnosis never waits out the tick
// interval.
func (e *Engine) handleTransition(tr models.StateTransition) {
	metrics.IncTransition(string(tr.To))
	if e.history != nil {
		ctx, cancel := journalCtx()
		if err := e.history.StoreTransition(ctx, tr); err != nil {
			e.logger.Warn("transition journal failed", "alarm", tr.AlarmID, "error", err)
		}
		cancel()
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(dispatch.FromTransition(tr))
	}
	if e.correlator.WatchesAlarm(tr.AlarmID) {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) correlationLoop(ctx context.Context) {
	defer e.wg.Done()

	e.correlationTick(ctx)
	ticker := time.NewTicker(e.cfg.CorrelationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.correlationTick(ctx)
		case <-e.kick:
			e.correlationTick(ctx)
		}
	}
}

// correlationTick matches the current alarm snapshot against the rule
// set, routes fresh events, and mirrors episode state to the journal.
// ctx only bounds the rule evaluation; settled results are journaled
// regardless.
func (e *Engine) correlationTick(ctx context.Context) {
	events := e.correlator.Tick(ctx, e.evaluator.States())
	for _, ev := range events {
		e.handleEvent(ev)
	}

	episodes := e.correlator.Episodes()
	active := 0
	for _, ep := range episodes {
		if ep.Active {
			active++
		}
	}
	metrics.SetActiveEpisodes(active)

	if e.history == nil {
		return
	}
	jctx, cancel := journalCtx()
	defer cancel()
	for _, ep := range episodes {
		if err := e.history.UpsertEpisode(jctx, ep); err != nil {
			e.logger.Warn("episode journal failed", "episode", ep.EpisodeID, "error", err)
		}
	}
}

func (e *Engine) handleEvent(ev models.RCAEvent) {
	metrics.IncRCAEvent(ev.RuleID)
	if e.history != nil {
		ctx, cancel := journalCtx()
		if err := e.history.StoreEvent(ctx, ev); err != nil {
			e.logger.Warn("event journal failed", "event", ev.EventID, "error", err)
		}
		cancel()
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(dispatch.FromEvent(ev))
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.samples.Sweep()
		}
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushCheckpoints(ctx)
		}
	}
}

// flushCheckpoints persists the state of every alarm in the current
// generation, stamped with the config fingerprint so a restart only
// restores state whose definition did not change underneath it.
func (e *Engine) flushCheckpoints(ctx context.Context) {
	gen := e.registry.Current()
	if gen == nil {
		return
	}
	saved := time.Now().UTC()
	for _, st := range e.evaluator.States() {
		cfg, ok := gen.Alarm(st.AlarmID)
		if !ok {
			continue
		}
		cp := sqlite.Checkpoint{
			AlarmID:     st.AlarmID,
			Fingerprint: cfg.Fingerprint(),
			State:       st,
			SavedAt:     saved,
		}
		if err := e.history.StoreCheckpoint(ctx, cp); err != nil {
			e.logger.Warn("checkpoint write failed", "alarm", st.AlarmID, "error", err)
		}
	}
}

func (e *Engine) restoreCheckpoints(ctx context.Context) {
	cps, err := e.history.Checkpoints(ctx)
	if err != nil {
		e.logger.Warn("checkpoint read failed", "error", err)
		return
	}
	if len(cps) == 0 {
		return
	}
	restored := 0
	for _, cp := range cps {
		if e.evaluator.Restore(cp.State, cp.Fingerprint) {
			restored++
		}
	}
	e.logger.Info("alarm state restored", "checkpoints", len(cps), "restored", restored)
}

func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.JournalRetention)
			if err := e.history.Prune(ctx, cutoff); err != nil {
				e.logger.Warn("journal prune failed", "error", err)
			}
		}
	}
}

func (e *Engine) miningLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MiningInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mineOnce(ctx)
		}
	}
}

func (e *Engine) mineOnce(ctx context.Context) {
	events, err := e.history.QueryEvents(ctx, sqlite.EventFilter{Limit: e.cfg.MiningLimit})
	if err != nil {
		e.logger.Warn("pattern mining query failed", "error", err)
		return
	}
	if _, err := e.miner.Mine(ctx, events); err != nil {
		e.logger.Warn("pattern mining failed", "error", err)
	}
}

// journalFailure records an exhausted delivery in the history store.
// Runs on a dispatcher goroutine.
func (e *Engine) journalFailure(f models.DispatchFailure) {
	ctx, cancel := journalCtx()
	defer cancel()
	o := sqlite.DispatchOutcome{
		NotificationID: f.NotificationID,
		Sink:           f.Sink,
		Kind:           f.Kind,
		Outcome:        sqlite.OutcomeFailed,
		Attempts:       f.Attempts,
		Error:          f.LastError,
		At:             f.FailedAt,
	}
	if err := e.history.StoreDispatchOutcome(ctx, o); err != nil {
		e.logger.Warn("dispatch outcome journal failed", "notification", f.NotificationID, "error", err)
	}
}

// journalDelivery records a successful delivery. Runs on a dispatcher
// goroutine.
func (e *Engine) journalDelivery(sink string, n models.Notification, attempts int) {
	ctx, cancel := journalCtx()
	defer cancel()
	o := sqlite.DispatchOutcome{
		NotificationID: n.ID,
		Sink:           sink,
		Kind:           n.Kind,
		Outcome:        sqlite.OutcomeDelivered,
		Attempts:       attempts,
		At:             time.Now().UTC(),
	}
	if err := e.history.StoreDispatchOutcome(ctx, o); err != nil {
		e.logger.Warn("dispatch outcome journal failed", "notification", n.ID, "error", err)
	}
}
