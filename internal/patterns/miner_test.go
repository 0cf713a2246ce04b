package patterns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

var minerBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func leakEvent(id string, at time.Time, confidence, heapValue float64) models.RCAEvent {
	return models.RCAEvent{
		EventID:        id,
		RuleID:         "memory-leak-suspected",
		EpisodeID:      "ep-" + id,
		Classification: models.ClassMemoryLeak,
		Severity:       models.SeverityCritical,
		Confidence:     confidence,
		TriggeredAt:    at,
		Evidence: []models.Evidence{
			{SignalID: "heap-used-ratio-high", Kind: models.SignalAlarm, Series: "jvm/heap_used_ratio", Value: heapValue},
		},
	}
}

func TestMineAggregatesByRuleAndNamespace(t *testing.T) {
	var stored []models.EpisodePattern
	store := StoreFunc(func(_ context.Context, patterns []models.EpisodePattern) error {
		stored = patterns
		return nil
	})
	miner := NewMiner(nil, store)

	e1 := leakEvent("evt-1", minerBase, 0.5, 0.75)
	e1.Evidence = append(e1.Evidence, models.Evidence{
		SignalID: "old-gen-trend", Kind: models.SignalTrend, Series: "jvm/old_gen_used", Value: 0.25,
	})
	e2 := leakEvent("evt-2", minerBase.Add(10*time.Minute), 0.75, 1.0)
	e2.Evidence = append(e2.Evidence, models.Evidence{
		SignalID: "old-gen-trend", Kind: models.SignalTrend, Series: "jvm/old_gen_used", Value: 0.25,
	})
	e3 := leakEvent("evt-3", minerBase.Add(20*time.Minute), 1.0, 1.25)

	storm := func(id string, at time.Time, pause float64) models.RCAEvent {
		return models.RCAEvent{
			EventID:        id,
			RuleID:         "gc-storm",
			Classification: models.ClassGCStorm,
			Severity:       models.SeverityHigh,
			Confidence:     0.5,
			TriggeredAt:    at,
			Evidence: []models.Evidence{
				{SignalID: "gc-pause-p99-high", Kind: models.SignalAlarm, Series: "jvm/gc_pause_ms", Value: pause},
			},
		}
	}

	patterns, err := miner.Mine(context.Background(), []models.RCAEvent{
		e1, e2, e3,
		storm("evt-4", minerBase.Add(5*time.Minute), 250),
		storm("evt-5", minerBase.Add(15*time.Minute), 350),
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}

	leak := patterns[0]
	if leak.ID != "pattern-memory-leak-suspected-jvm" || leak.RuleID != "memory-leak-suspected" {
		t.Fatalf("first pattern = %+v", leak)
	}
	if leak.Namespace != "jvm" || leak.Classification != models.ClassMemoryLeak {
		t.Fatalf("pattern identity = %+v", leak)
	}
	if leak.Occurrences != 3 || leak.Prevalence != 0.6 {
		t.Fatalf("occurrences=%d prevalence=%v", leak.Occurrences, leak.Prevalence)
	}
	if leak.MeanConfidence != 0.75 {
		t.Fatalf("mean confidence = %v", leak.MeanConfidence)
	}
	if !leak.FirstSeen.Equal(minerBase) || !leak.LastSeen.Equal(minerBase.Add(20*time.Minute)) {
		t.Fatalf("seen range = %v .. %v", leak.FirstSeen, leak.LastSeen)
	}
	if len(leak.TopSignals) != 2 {
		t.Fatalf("top signals = %+v", leak.TopSignals)
	}
	if top := leak.TopSignals[0]; top.SignalID != "heap-used-ratio-high" || top.Count != 3 || top.MeanValue != 1.0 || top.Kind != models.SignalAlarm {
		t.Fatalf("top signal = %+v", top)
	}
	if second := leak.TopSignals[1]; second.SignalID != "old-gen-trend" || second.Count != 2 || second.MeanValue != 0.25 || second.Kind != models.SignalTrend {
		t.Fatalf("second signal = %+v", second)
	}

	if patterns[1].RuleID != "gc-storm" || patterns[1].Prevalence != 0.4 {
		t.Fatalf("second pattern = %+v", patterns[1])
	}
	if patterns[1].TopSignals[0].MeanValue != 300 {
		t.Fatalf("gc-storm mean pause = %v", patterns[1].TopSignals[0].MeanValue)
	}

	if len(stored) != 2 {
		t.Fatalf("stored %d patterns", len(stored))
	}
}

func TestMineEmptyHistory(t *testing.T) {
	miner := NewMiner(nil, nil)
	patterns, err := miner.Mine(context.Background(), nil)
	if err != nil || patterns != nil {
		t.Fatalf("Mine = %v, %v", patterns, err)
	}
}

func TestMineSurvivesStoreFailure(t *testing.T) {
	store := StoreFunc(func(context.Context, []models.EpisodePattern) error {
		return errors.New("disk full")
	})
	miner := NewMiner(nil, store)

	patterns, err := miner.Mine(context.Background(), []models.RCAEvent{
		leakEvent("evt-1", minerBase, 0.5, 0.75),
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %+v", patterns)
	}
}
