package patterns

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.EpisodePattern) error
}

// Miner mines frequency-based recurring-episode patterns from RCA event
// history. A pattern groups events by rule and namespace and reports how
// often the episode recurs and which signals drive it.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates event history into patterns sorted by prevalence and
// replaces the stored pattern set when a store is configured.
func (m *Miner) Mine(ctx context.Context, events []models.RCAEvent) ([]models.EpisodePattern, error) {
	if len(events) == 0 {
		return nil, nil
	}

	groups := make(map[groupKey]*ruleAggregate)
	for _, ev := range events {
		key := groupKey{rule: ev.RuleID, namespace: eventNamespace(ev)}
		agg := ensureAggregate(groups, key)
		agg.classification = ev.Classification
		agg.occurrences++
		agg.confidenceSum += ev.Confidence
		if agg.firstSeen.IsZero() || ev.TriggeredAt.Before(agg.firstSeen) {
			agg.firstSeen = ev.TriggeredAt
		}
		if ev.TriggeredAt.After(agg.lastSeen) {
			agg.lastSeen = ev.TriggeredAt
		}
		for _, e := range ev.Evidence {
			if e.SignalID == "" {
				continue
			}
			agg.signalCounts[e.SignalID]++
			agg.signalSums[e.SignalID] += e.Value
			agg.signalKinds[e.SignalID] = e.Kind
		}
	}

	patterns := make([]models.EpisodePattern, 0, len(groups))
	for key, agg := range groups {
		pattern := models.EpisodePattern{
			ID:             patternID(key),
			RuleID:         key.rule,
			Classification: agg.classification,
			Namespace:      key.namespace,
			Occurrences:    agg.occurrences,
			Prevalence:     float64(agg.occurrences) / float64(len(events)),
			MeanConfidence: agg.confidenceSum / float64(agg.occurrences),
			FirstSeen:      agg.firstSeen,
			LastSeen:       agg.lastSeen,
		}
		for _, id := range agg.topSignals(3) {
			pattern.TopSignals = append(pattern.TopSignals, models.SignalContribution{
				SignalID:  id,
				Kind:      agg.signalKinds[id],
				Count:     agg.signalCounts[id],
				MeanValue: agg.signalSums[id] / float64(agg.signalCounts[id]),
			})
		}
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Prevalence != patterns[j].Prevalence {
			return patterns[i].Prevalence > patterns[j].Prevalence
		}
		return patterns[i].ID < patterns[j].ID
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

type groupKey struct {
	rule      string
	namespace string
}

type ruleAggregate struct {
	classification string
	occurrences    int
	confidenceSum  float64
	firstSeen      time.Time
	lastSeen       time.Time
	signalCounts   map[string]int
	signalSums     map[string]float64
	signalKinds    map[string]models.SignalKind
}

func ensureAggregate(m map[groupKey]*ruleAggregate, key groupKey) *ruleAggregate {
	agg, ok := m[key]
	if !ok {
		agg = &ruleAggregate{
			signalCounts: make(map[string]int),
			signalSums:   make(map[string]float64),
			signalKinds:  make(map[string]models.SignalKind),
		}
		m[key] = agg
	}
	return agg
}

func (agg *ruleAggregate) topSignals(limit int) []string {
	ids := make([]string, 0, len(agg.signalCounts))
	for id := range agg.signalCounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if agg.signalCounts[ids[i]] != agg.signalCounts[ids[j]] {
			return agg.signalCounts[ids[i]] > agg.signalCounts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func patternID(key groupKey) string {
	if key.namespace == "" {
		return "pattern-" + key.rule
	}
	return "pattern-" + key.rule + "-" + key.namespace
}

// eventNamespace derives the pattern namespace from the first evidence
// entry that names a series, whose canonical form is "namespace/metric".
func eventNamespace(ev models.RCAEvent) string {
	for _, e := range ev.Evidence {
		if e.Series == "" {
			continue
		}
		if ns, _, ok := strings.Cut(e.Series, "/"); ok {
			return ns
		}
	}
	return ""
}
