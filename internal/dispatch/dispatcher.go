// Package dispatch fans alarm transitions and correlation events out to
// configured sinks. Delivery is asynchronous and best effort: the queue
// accepts without blocking, repeat notices inside the suppression window
// collapse to one, each destination has a cooldown bounding its rate
// during a storm, and a failing sink is retried with bounded backoff
// before the failure is reported. Alarm truth is settled long before a
// notification reaches this package, so nothing here can lose state,
// only a notice.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vigilstack/gchealth/internal/cache"
	"github.com/vigilstack/gchealth/internal/metrics"
	"github.com/vigilstack/gchealth/internal/models"
)

const failureHistory = 128

// Sink delivers one notification to one destination. Implementations
// must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

// Route selects sinks by notification namespace and severity.
type Route struct {
	// Namespace matches exactly, or any namespace when "*" or empty.
	Namespace string `yaml:"namespace,omitempty"`
	// MinSeverity is the lowest severity the route accepts, empty for any.
	MinSeverity models.Severity `yaml:"minSeverity,omitempty"`
	Sinks       []string        `yaml:"sinks"`
}

func (r Route) matches(n models.Notification) bool {
	if r.Namespace != "" && r.Namespace != models.WildcardDimension && r.Namespace != n.Namespace {
		return false
	}
	if r.MinSeverity != "" && n.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	return true
}

// Config tunes the dispatcher. Zero values pick the defaults below.
type Config struct {
	QueueSize      int
	DedupWindow    time.Duration
	Cooldown       time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	DeliverTimeout time.Duration
	MaxInFlight    int64
	Routes         []Route
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	return c
}

// Dispatcher routes notifications to sinks. Dedup and cooldown state
// live in the cache provider, so replicas sharing a Valkey agree on
// suppression.
type Dispatcher struct {
	cfg      Config
	provider cache.Provider
	sinks    map[string]Sink
	order    []string
	logger   *slog.Logger
	now      func() time.Time

	sem    *semaphore.Weighted
	queue  chan models.Notification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	failures    []models.DispatchFailure
	onFailure   func(models.DispatchFailure)
	onDelivered func(sink string, n models.Notification, attempts int)
}

// New builds a Dispatcher over the given sinks. A nil provider disables
// dedup and cooldown tracking.
func New(cfg Config, provider cache.Provider, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		provider: provider,
		sinks:    make(map[string]Sink, len(sinks)),
		logger:   logger,
		now:      time.Now,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		queue:    make(chan models.Notification, cfg.QueueSize),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, s := range sinks {
		d.sinks[s.Name()] = s
		d.order = append(d.order, s.Name())
	}
	return d
}

// SetFailureHandler registers a hook invoked for every exhausted
// delivery. Call before Start.
func (d *Dispatcher) SetFailureHandler(fn func(models.DispatchFailure)) {
	d.mu.Lock()
	d.onFailure = fn
	d.mu.Unlock()
}

// SetDeliveryHandler registers a hook invoked after every successful
// sink delivery, for audit journaling. Call before Start.
func (d *Dispatcher) SetDeliveryHandler(fn func(sink string, n models.Notification, attempts int)) {
	d.mu.Lock()
	d.onDelivered = fn
	d.mu.Unlock()
}

// Start launches the queue consumer.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started", "queue_size", d.cfg.QueueSize, "sinks", len(d.sinks))
}

// Shutdown stops the consumer and waits for in-flight deliveries until
// ctx expires. Queued but unprocessed notifications are discarded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues a notification without blocking and reports whether it
// was accepted. A full queue drops the notification.
func (d *Dispatcher) Dispatch(n models.Notification) bool {
	select {
	case d.queue <- n:
		metrics.SetDispatchQueueDepth(len(d.queue))
		return true
	case <-d.ctx.Done():
		return false
	default:
		metrics.IncDispatchDropped()
		d.logger.Warn("dispatch queue full, notification dropped", "notification", n.ID, "kind", n.Kind)
		return false
	}
}

// Failures returns the recently recorded delivery failures, oldest
// first.
func (d *Dispatcher) Failures() []models.DispatchFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DispatchFailure, len(d.failures))
	copy(out, d.failures)
	return out
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case n := <-d.queue:
			metrics.SetDispatchQueueDepth(len(d.queue))
			d.process(n)
		}
	}
}

func (d *Dispatcher) process(n models.Notification) {
	if n.DedupKey != "" {
		fresh, err := d.provider.SetNX(d.ctx, "dispatch:dedup:"+n.DedupKey, []byte(n.ID), d.cfg.DedupWindow)
		if err != nil {
			// Dedup is best effort; a broken cache must not silence alerts.
			d.logger.Warn("dedup check failed, delivering anyway", "key", n.DedupKey, "error", err)
		} else if !fresh {
			metrics.IncDedupSuppressed()
			d.logger.Debug("notification suppressed by dedup", "key", n.DedupKey)
			return
		}
	}

	for _, sink := range d.route(n) {
		fresh, err := d.provider.SetNX(d.ctx, "dispatch:cooldown:"+sink.Name(), []byte(n.ID), d.cfg.Cooldown)
		if err == nil && !fresh {
			metrics.IncNotification(sink.Name(), "cooldown")
			d.logger.Debug("sink in cooldown, notification skipped", "sink", sink.Name(), "notification", n.ID)
			continue
		}
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.deliver(s, n)
		}(sink)
	}
}

// route resolves the sinks for a notification. With no routes configured
// every registered sink receives everything.
func (d *Dispatcher) route(n models.Notification) []Sink {
	names := d.order
	if len(d.cfg.Routes) > 0 {
		names = nil
		for _, r := range d.cfg.Routes {
			if r.matches(n) {
				names = appendUnique(names, r.Sinks...)
			}
		}
	}
	out := make([]Sink, 0, len(names))
	for _, name := range names {
		s, ok := d.sinks[name]
		if !ok {
			d.logger.Warn("route references unknown sink", "sink", name)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (d *Dispatcher) deliver(sink Sink, n models.Notification) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-d.ctx.Done():
				d.fail(sink, n, attempt-1, lastErr)
				return
			case <-time.After(d.backoff(attempt)):
			}
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DeliverTimeout)
		err := sink.Deliver(ctx, n)
		cancel()
		if err == nil {
			metrics.IncNotification(sink.Name(), metrics.OutcomeSuccess)
			d.logger.Debug("notification delivered",
				"sink", sink.Name(), "notification", n.ID, "attempts", attempt)
			d.mu.Lock()
			hook := d.onDelivered
			d.mu.Unlock()
			if hook != nil {
				hook(sink.Name(), n, attempt)
			}
			return
		}
		lastErr = err
		d.logger.Warn("sink delivery failed",
			"sink", sink.Name(), "notification", n.ID, "attempt", attempt, "error", err)
	}
	d.fail(sink, n, d.cfg.MaxAttempts, lastErr)
}

// backoff doubles per retry from the configured base.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	return d.cfg.RetryBackoff << (attempt - 2)
}

func (d *Dispatcher) fail(sink Sink, n models.Notification, attempts int, cause error) {
	failure := models.DispatchFailure{
		NotificationID: n.ID,
		Kind:           n.Kind,
		Sink:           sink.Name(),
		Attempts:       attempts,
		FailedAt:       d.now(),
	}
	if cause != nil {
		failure.LastError = cause.Error()
	}
	metrics.IncNotification(sink.Name(), metrics.OutcomeError)
	d.logger.Error("notification undeliverable",
		"sink", sink.Name(), "notification", n.ID, "attempts", attempts, "error", cause)

	d.mu.Lock()
	d.failures = append(d.failures, failure)
	if len(d.failures) > failureHistory {
		d.failures = d.failures[len(d.failures)-failureHistory:]
	}
	hook := d.onFailure
	d.mu.Unlock()
	if hook != nil {
		hook(failure)
	}
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
