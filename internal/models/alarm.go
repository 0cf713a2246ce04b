package models

import "time"

// StateValue enumerates alarm states.
type StateValue string

const (
	StateOK               StateValue = "OK"
	StateAlarm            StateValue = "ALARM"
	StateInsufficientData StateValue = "INSUFFICIENT_DATA"
)

// ComparisonOperator compares a window value against an alarm threshold.
type ComparisonOperator string

const (
	CompareGreater      ComparisonOperator = ">"
	CompareGreaterEqual ComparisonOperator = ">="
	CompareLess         ComparisonOperator = "<"
	CompareLessEqual    ComparisonOperator = "<="
)

// Valid reports whether the operator is a known comparison.
func (op ComparisonOperator) Valid() bool {
	switch op {
	case CompareGreater, CompareGreaterEqual, CompareLess, CompareLessEqual:
		return true
	}
	return false
}

// Breaches reports whether value breaches threshold under the operator.
func (op ComparisonOperator) Breaches(value, threshold float64) bool {
	switch op {
	case CompareGreater:
		return value > threshold
	case CompareGreaterEqual:
		return value >= threshold
	case CompareLess:
		return value < threshold
	case CompareLessEqual:
		return value <= threshold
	}
	return false
}

// MissingDataPolicy controls how an evaluation with no samples is scored.
type MissingDataPolicy string

const (
	// MissingBreaching records the empty period as a breach.
	MissingBreaching MissingDataPolicy = "breaching"
	// MissingNotBreaching records the empty period as compliant.
	MissingNotBreaching MissingDataPolicy = "notBreaching"
	// MissingIgnore skips the period entirely; the outcome ring does not
	// advance and the state is left untouched.
	MissingIgnore MissingDataPolicy = "ignore"
	// MissingAsMissing forces the alarm to INSUFFICIENT_DATA.
	MissingAsMissing MissingDataPolicy = "missing"
)

// Valid reports whether the policy is a known missing-data treatment.
func (p MissingDataPolicy) Valid() bool {
	switch p {
	case MissingBreaching, MissingNotBreaching, MissingIgnore, MissingAsMissing:
		return true
	}
	return false
}

// AlarmState is the externally visible state of one alarm.
type AlarmState struct {
	AlarmID             string     `json:"alarmId"`
	State               StateValue `json:"state"`
	Reason              string     `json:"reason,omitempty"`
	ConsecutiveBreaches int        `json:"consecutiveBreaches"`
	// RecentOutcomes holds the last recorded evaluation outcomes, oldest
	// first, true meaning breach. Periods skipped under the ignore policy
	// are absent.
	RecentOutcomes   []bool    `json:"recentOutcomes"`
	LastEvaluatedAt  time.Time `json:"lastEvaluatedAt"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	// LastPeriodStart is the start of the most recent period the evaluator
	// processed for this alarm, zero if none yet.
	LastPeriodStart time.Time `json:"lastPeriodStart"`
}

// StateTransition records one alarm state change.
type StateTransition struct {
	AlarmID     string     `json:"alarmId"`
	From        StateValue `json:"from"`
	To          StateValue `json:"to"`
	At          time.Time  `json:"at"`
	Reason      string     `json:"reason"`
	Severity    Severity   `json:"severity"`
	Namespace   string     `json:"namespace"`
	MetricName  string     `json:"metricName"`
	PeriodStart time.Time  `json:"periodStart"`
}
