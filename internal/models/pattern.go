package models

import "time"

// EpisodePattern is a recurring-episode template mined from RCA event
// history, one per rule and namespace pairing. Patterns are rebuilt from
// scratch on every mining pass.
type EpisodePattern struct {
	ID             string               `json:"id"`
	RuleID         string               `json:"ruleId"`
	Classification string               `json:"classification"`
	Namespace      string               `json:"namespace,omitempty"`
	Occurrences    int                  `json:"occurrences"`
	Prevalence     float64              `json:"prevalence"`
	MeanConfidence float64              `json:"meanConfidence"`
	FirstSeen      time.Time            `json:"firstSeen"`
	LastSeen       time.Time            `json:"lastSeen"`
	TopSignals     []SignalContribution `json:"topSignals,omitempty"`
}

// SignalContribution ranks how often one signal appeared in the evidence
// of a pattern's episodes.
type SignalContribution struct {
	SignalID  string     `json:"signalId"`
	Kind      SignalKind `json:"kind"`
	Count     int        `json:"count"`
	MeanValue float64    `json:"meanValue"`
}
