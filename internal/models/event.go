package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for routing comparisons, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Well-known classifications produced by the shipped rule pack. Rules may
// declare any classification string; these are the ones the default
// advice pack speaks about.
const (
	ClassThreadThrashing = "thread-thrashing"
	ClassMemoryLeak      = "memory-leak"
	ClassHeapPressure    = "heap-pressure"
	ClassGCStorm         = "gc-storm"
	ClassAllocationBurst = "allocation-burst"
)

// SignalKind distinguishes the two correlation signal sources.
type SignalKind string

const (
	SignalAlarm SignalKind = "alarm"
	SignalTrend SignalKind = "trend"
)

// Evidence is one contributing signal captured at the moment a
// correlation rule fired.
type Evidence struct {
	SignalID    string     `json:"signalId"`
	Kind        SignalKind `json:"kind"`
	Series      string     `json:"series,omitempty"`
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   time.Time  `json:"periodEnd"`
	Value       float64    `json:"value"`
	Detail      string     `json:"detail,omitempty"`
}

// RCAEvent is the diagnosis emitted when a correlation rule's episode
// opens. Exactly one event exists per episode.
type RCAEvent struct {
	EventID        string     `json:"eventId"`
	RuleID         string     `json:"ruleId"`
	EpisodeID      string     `json:"episodeId"`
	Classification string     `json:"classification"`
	Severity       Severity   `json:"severity"`
	Confidence     float64    `json:"confidence"`
	TriggeredAt    time.Time  `json:"triggeredAt"`
	Evidence       []Evidence `json:"evidence"`
	Advice         []string   `json:"advice,omitempty"`
}

// Episode tracks one correlation firing from first trigger until every
// contributing signal has cleared.
type Episode struct {
	EpisodeID string    `json:"episodeId"`
	RuleID    string    `json:"ruleId"`
	EventID   string    `json:"eventId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Active    bool      `json:"active"`
}
