package store

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigilstack/gchealth/internal/metrics"
	"github.com/vigilstack/gchealth/internal/models"
)

// ErrStaleSample signals a sample whose timestamp falls below the
// retention floor. Such samples are refused so eviction can never race
// a late write back into a window that was already evaluated.
var ErrStaleSample = errors.New("sample below retention floor")

const (
	shardCount       = 32
	defaultRetention = 15 * time.Minute
)

// Store keeps recent samples for every observed series, sharded by
// canonical key. Appends are idempotent on (key, timestamp): the first
// write wins and later duplicates are dropped. Reads are snapshots and
// never block appends on other shards.
type Store struct {
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	count     atomic.Int64
	shards    [shardCount]shard
}

type shard struct {
	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	key     models.MetricKey
	unit    string
	samples []point
}

// point is one retained observation. Per-series slices stay sorted by
// timestamp ascending.
type point struct {
	at    time.Time
	value float64
}

// New creates a Store with the given retention floor. A non-positive
// retention falls back to the default of 15 minutes.
func New(retention time.Duration, logger *slog.Logger) *Store {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i].series = make(map[string]*series)
	}
	return s
}

// Retention returns the configured retention floor.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Append inserts one sample. Samples older than the retention floor are
// refused with ErrStaleSample; a duplicate (key, timestamp) is dropped
// without error, keeping the first written value.
func (s *Store) Append(sample models.Sample) error {
	if sample.Timestamp.IsZero() {
		return errors.New("sample has no timestamp")
	}
	floor := s.now().Add(-s.retention)
	if sample.Timestamp.Before(floor) {
		return ErrStaleSample
	}

	canonical := sample.Key.Canonical()
	sh := &s.shards[shardFor(canonical)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.series[canonical]
	if !ok {
		sr = &series{key: sample.Key, unit: sample.Unit}
		sh.series[canonical] = sr
		metrics.SetStoreSeries(int(s.count.Add(1)))
	}

	// Lazy eviction keeps the hot path from depending on the sweeper.
	if n := sr.evictBefore(floor); n > 0 {
		metrics.AddSamplesEvicted(n)
	}

	idx := sort.Search(len(sr.samples), func(i int) bool {
		return !sr.samples[i].at.Before(sample.Timestamp)
	})
	if idx < len(sr.samples) && sr.samples[idx].at.Equal(sample.Timestamp) {
		return nil
	}
	sr.samples = append(sr.samples, point{})
	copy(sr.samples[idx+1:], sr.samples[idx:])
	sr.samples[idx] = point{at: sample.Timestamp, value: sample.Value}
	return nil
}

// Query returns a snapshot of all samples matching the selector with
// timestamps in [from, to), merged across matching series and sorted by
// timestamp (ties broken by canonical key so results are reproducible).
func (s *Store) Query(sel models.Selector, from, to time.Time) []models.Sample {
	type flat struct {
		sample models.Sample
		order  string
	}
	var collected []flat

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for canonical, sr := range sh.series {
			if !sel.Matches(sr.key) {
				continue
			}
			lo := sort.Search(len(sr.samples), func(k int) bool {
				return !sr.samples[k].at.Before(from)
			})
			hi := sort.Search(len(sr.samples), func(k int) bool {
				return !sr.samples[k].at.Before(to)
			})
			for _, p := range sr.samples[lo:hi] {
				collected = append(collected, flat{
					sample: models.Sample{
						Key:       sr.key,
						Timestamp: p.at,
						Value:     p.value,
						Unit:      sr.unit,
					},
					order: canonical,
				})
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(collected, func(i, j int) bool {
		if !collected[i].sample.Timestamp.Equal(collected[j].sample.Timestamp) {
			return collected[i].sample.Timestamp.Before(collected[j].sample.Timestamp)
		}
		return collected[i].order < collected[j].order
	})

	out := make([]models.Sample, len(collected))
	for i, f := range collected {
		out[i] = f.sample
	}
	return out
}

// Keys returns the keys of all live series matching the selector, sorted
// by canonical form.
func (s *Store) Keys(sel models.Selector) []models.MetricKey {
	var keys []models.MetricKey
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sr := range sh.series {
			if sel.Matches(sr.key) {
				keys = append(keys, sr.key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Canonical() < keys[j].Canonical()
	})
	return keys
}

// Sweep drops every sample below the retention floor and removes series
// that end up empty. It returns the number of samples evicted. The engine
// runs it periodically; Append also evicts lazily per series.
func (s *Store) Sweep() int {
	floor := s.now().Add(-s.retention)
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for canonical, sr := range sh.series {
			evicted += sr.evictBefore(floor)
			if len(sr.samples) == 0 {
				delete(sh.series, canonical)
				metrics.SetStoreSeries(int(s.count.Add(-1)))
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		metrics.AddSamplesEvicted(evicted)
		s.logger.Debug("retention sweep", slog.Int("evicted", evicted))
	}
	return evicted
}

// SeriesCount returns the number of live series.
func (s *Store) SeriesCount() int {
	return int(s.count.Load())
}

func (sr *series) evictBefore(floor time.Time) int {
	idx := sort.Search(len(sr.samples), func(i int) bool {
		return !sr.samples[i].at.Before(floor)
	})
	if idx == 0 {
		return 0
	}
	remaining := len(sr.samples) - idx
	copy(sr.samples, sr.samples[idx:])
	sr.samples = sr.samples[:remaining]
	return idx
}

func shardFor(canonical string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(canonical))
	return int(h.Sum32() % shardCount)
}
