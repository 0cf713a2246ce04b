package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/utils"
)

// ErrInsufficientData signals that zero samples fell inside the requested
// window.
var ErrInsufficientData = errors.New("insufficient data for window")

const (
	defaultHorizon  = 2 * time.Hour
	maxCacheEntries = 4096
)

// SampleSource is the slice of the series store the aggregator reads.
type SampleSource interface {
	Query(sel models.Selector, from, to time.Time) []models.Sample
}

// Aggregator computes window statistics from a sample source. Windows are
// recomputed from source samples on every call; a window whose period has
// closed is cached, because its result never changes once evaluated. The
// cache also lets trend checks see windows older than the store's raw
// retention. Samples that arrive for an already evaluated closed period
// do not retroactively change cached results.
type Aggregator struct {
	source  SampleSource
	horizon time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[windowKey]*cachedWindow
}

type windowKey struct {
	selector string
	start    int64
	length   time.Duration
}

type cachedWindow struct {
	values []float64 // sorted ascending
	sum    float64
	end    time.Time
}

// New creates an Aggregator reading from source. Closed windows stay
// cached for horizon; non-positive horizon falls back to 2h.
func New(source SampleSource, horizon time.Duration) *Aggregator {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	return &Aggregator{
		source:  source,
		horizon: horizon,
		now:     time.Now,
		cache:   make(map[windowKey]*cachedWindow),
	}
}

// Evaluate computes one statistic over the window [periodStart,
// periodStart+periodLength). It returns ErrInsufficientData when zero
// samples fall in range. The window counts as closed once the clock
// reaches its end; closed results are served from cache when available.
func (a *Aggregator) Evaluate(sel models.Selector, stat models.Statistic, periodStart time.Time, periodLength time.Duration) (models.Window, error) {
	if !stat.Valid() {
		return models.Window{}, fmt.Errorf("unknown statistic %q", stat)
	}
	if periodLength <= 0 {
		return models.Window{}, fmt.Errorf("non-positive period %s", periodLength)
	}

	end := periodStart.Add(periodLength)
	closed := !a.now().Before(end)

	var cw *cachedWindow
	key := windowKey{selector: sel.String(), start: periodStart.UnixNano(), length: periodLength}
	if closed {
		cw = a.lookup(key)
	}
	if cw == nil {
		cw = a.compute(sel, periodStart, end)
		if closed {
			a.put(key, cw)
		}
	}

	if len(cw.values) == 0 {
		return models.Window{}, ErrInsufficientData
	}
	return models.Window{
		Selector:    sel,
		PeriodStart: periodStart,
		PeriodEnd:   end,
		Statistic:   stat,
		Value:       statValue(cw, stat),
		SampleCount: len(cw.values),
	}, nil
}

// LastWindows evaluates the k most recently closed aligned windows for
// the selector, oldest first. Windows with zero samples are included with
// SampleCount zero so callers can spot gaps.
func (a *Aggregator) LastWindows(sel models.Selector, stat models.Statistic, period time.Duration, k int) ([]models.Window, error) {
	if k <= 0 {
		return nil, nil
	}
	if period <= 0 {
		return nil, fmt.Errorf("non-positive period %s", period)
	}

	lastStart := utils.LastClosedPeriodStart(a.now(), period)
	out := make([]models.Window, 0, k)
	for i := k - 1; i >= 0; i-- {
		start := lastStart.Add(-time.Duration(i) * period)
		w, err := a.Evaluate(sel, stat, start, period)
		if errors.Is(err, ErrInsufficientData) {
			w = models.Window{
				Selector:    sel,
				PeriodStart: start,
				PeriodEnd:   start.Add(period),
				Statistic:   stat,
			}
		} else if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (a *Aggregator) compute(sel models.Selector, start, end time.Time) *cachedWindow {
	samples := a.source.Query(sel, start, end)
	cw := &cachedWindow{end: end}
	if len(samples) == 0 {
		return cw
	}
	cw.values = make([]float64, len(samples))
	for i, s := range samples {
		cw.values[i] = s.Value
		cw.sum += s.Value
	}
	sort.Float64s(cw.values)
	return cw
}

func (a *Aggregator) lookup(key windowKey) *cachedWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache[key]
}

func (a *Aggregator) put(key windowKey, cw *cachedWindow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = cw
	if len(a.cache) <= maxCacheEntries {
		return
	}
	cutoff := a.now().Add(-a.horizon)
	for k, c := range a.cache {
		if c.end.Before(cutoff) {
			delete(a.cache, k)
		}
	}
}

func statValue(cw *cachedWindow, stat models.Statistic) float64 {
	n := len(cw.values)
	switch stat {
	case models.StatCount:
		return float64(n)
	case models.StatSum:
		return cw.sum
	case models.StatAvg:
		return cw.sum / float64(n)
	case models.StatMin:
		return cw.values[0]
	case models.StatMax:
		return cw.values[n-1]
	}
	q, ok := stat.Quantile()
	if !ok {
		return math.NaN()
	}
	return percentile(cw.values, q)
}

// percentile returns the nearest-rank percentile of sorted values: the
// element at rank ceil(q*n), 1-based. The definition is fixed with no
// interpolation so repeated evaluations of the same window always agree.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	rank := int(math.Ceil(q * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
