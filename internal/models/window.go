package models

import "time"

// Statistic names an aggregate computed over one window of samples.
type Statistic string

const (
	StatAvg   Statistic = "avg"
	StatMin   Statistic = "min"
	StatMax   Statistic = "max"
	StatSum   Statistic = "sum"
	StatCount Statistic = "count"
	StatP50   Statistic = "p50"
	StatP90   Statistic = "p90"
	StatP95   Statistic = "p95"
	StatP99   Statistic = "p99"
)

// Valid reports whether the statistic is one the aggregator can compute.
func (s Statistic) Valid() bool {
	switch s {
	case StatAvg, StatMin, StatMax, StatSum, StatCount, StatP50, StatP90, StatP95, StatP99:
		return true
	}
	return false
}

// Quantile returns the quantile in (0,1] for percentile statistics and
// false for everything else.
func (s Statistic) Quantile() (float64, bool) {
	switch s {
	case StatP50:
		return 0.50, true
	case StatP90:
		return 0.90, true
	case StatP95:
		return 0.95, true
	case StatP99:
		return 0.99, true
	}
	return 0, false
}

// Window is one aggregation period for a series family. PeriodStart is
// inclusive, PeriodEnd exclusive. A window is closed once the wall clock
// passes PeriodEnd; closed windows never change.
type Window struct {
	Selector    Selector  `json:"selector"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Statistic   Statistic `json:"statistic"`
	Value       float64   `json:"value"`
	SampleCount int       `json:"sampleCount"`
}

// Length returns the window's period length.
func (w Window) Length() time.Duration {
	return w.PeriodEnd.Sub(w.PeriodStart)
}
