package rules

import (
	"fmt"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

// AlarmPackFile is the YAML root of one alarm pack file.
type AlarmPackFile struct {
	Version int               `yaml:"version"`
	Alarms  []AlarmDefinition `yaml:"alarms"`
}

// AlarmDefinition is one alarm as written in a pack file. Durations are
// kept as strings until Compile.
type AlarmDefinition struct {
	ID                string                    `yaml:"id"`
	Description       string                    `yaml:"description,omitempty"`
	Metric            models.Selector           `yaml:"metric"`
	Statistic         models.Statistic          `yaml:"statistic"`
	Comparison        models.ComparisonOperator `yaml:"comparison"`
	Threshold         float64                   `yaml:"threshold"`
	Period            string                    `yaml:"period"`
	EvaluationPeriods int                       `yaml:"evaluationPeriods"`
	DatapointsToAlarm int                       `yaml:"datapointsToAlarm"`
	TreatMissingData  models.MissingDataPolicy  `yaml:"treatMissingData,omitempty"`
	Severity          models.Severity           `yaml:"severity,omitempty"`
}

// RulePackFile is the YAML root of one correlation rule pack file.
type RulePackFile struct {
	Version int              `yaml:"version"`
	Rules   []RuleDefinition `yaml:"rules"`
}

// RuleDefinition is one correlation rule as written in a pack file.
type RuleDefinition struct {
	ID             string             `yaml:"id"`
	Description    string             `yaml:"description,omitempty"`
	Classification string             `yaml:"classification"`
	Severity       models.Severity    `yaml:"severity,omitempty"`
	Combinator     string             `yaml:"combinator"`
	Within         string             `yaml:"within,omitempty"`
	Signals        []SignalDefinition `yaml:"signals"`
}

// SignalDefinition references either a configured alarm or an inline
// trend check. Exactly one of the two must be set.
type SignalDefinition struct {
	AlarmID string           `yaml:"alarmId,omitempty"`
	Trend   *TrendDefinition `yaml:"trend,omitempty"`
}

// TrendDefinition configures a "stable but never drops" check over the
// last Windows closed average windows of a series.
type TrendDefinition struct {
	Metric    models.Selector `yaml:"metric"`
	Period    string          `yaml:"period"`
	Windows   int             `yaml:"windows"`
	Tolerance float64         `yaml:"tolerance,omitempty"`
}

// Combinator joins a rule's signals into a firing condition.
type Combinator string

const (
	CombineAll      Combinator = "ALL"
	CombineAny      Combinator = "ANY"
	CombineSequence Combinator = "SEQUENCE"
)

// Valid reports whether the combinator is known.
func (c Combinator) Valid() bool {
	switch c {
	case CombineAll, CombineAny, CombineSequence:
		return true
	}
	return false
}

// DefaultTrendTolerance applies when a trend omits its tolerance.
const DefaultTrendTolerance = 0.95

// AlarmConfig is a compiled alarm definition ready for evaluation.
type AlarmConfig struct {
	ID                string
	Description       string
	Metric            models.Selector
	Statistic         models.Statistic
	Comparison        models.ComparisonOperator
	Threshold         float64
	Period            time.Duration
	EvaluationPeriods int
	DatapointsToAlarm int
	TreatMissingData  models.MissingDataPolicy
	Severity          models.Severity
}

// Fingerprint renders every behavioural field deterministically. Two
// configs with equal fingerprints evaluate identically, which is what
// reload uses to decide whether an alarm's state survives a generation
// swap.
func (c AlarmConfig) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%g|%s|%d|%d|%s",
		c.ID, c.Metric.String(), c.Statistic, c.Comparison, c.Threshold,
		c.Period, c.EvaluationPeriods, c.DatapointsToAlarm, c.TreatMissingData)
}

// Compile parses durations and applies defaults. Definitions must pass
// validation first; Compile still reports parse failures on its own.
func (d AlarmDefinition) Compile() (AlarmConfig, error) {
	period, err := ParseDuration(d.Period)
	if err != nil {
		return AlarmConfig{}, fmt.Errorf("alarm %s: period: %w", d.ID, err)
	}
	cfg := AlarmConfig{
		ID:                d.ID,
		Description:       d.Description,
		Metric:            d.Metric,
		Statistic:         d.Statistic,
		Comparison:        d.Comparison,
		Threshold:         d.Threshold,
		Period:            period,
		EvaluationPeriods: d.EvaluationPeriods,
		DatapointsToAlarm: d.DatapointsToAlarm,
		TreatMissingData:  d.TreatMissingData,
		Severity:          d.Severity,
	}
	if cfg.TreatMissingData == "" {
		cfg.TreatMissingData = models.MissingAsMissing
	}
	if cfg.Severity == "" {
		cfg.Severity = models.SeverityHigh
	}
	return cfg, nil
}

// RuleConfig is a compiled correlation rule ready for evaluation.
type RuleConfig struct {
	ID             string
	Description    string
	Classification string
	Severity       models.Severity
	Combinator     Combinator
	Within         time.Duration
	Signals        []SignalConfig
}

// SignalConfig is one compiled correlation signal.
type SignalConfig struct {
	ID      string
	Kind    models.SignalKind
	AlarmID string
	Trend   *TrendConfig
}

// TrendConfig is a compiled trend check.
type TrendConfig struct {
	Metric    models.Selector
	Period    time.Duration
	Windows   int
	Tolerance float64
}

// Compile parses durations, assigns signal identities and applies
// defaults.
func (d RuleDefinition) Compile() (RuleConfig, error) {
	cfg := RuleConfig{
		ID:             d.ID,
		Description:    d.Description,
		Classification: d.Classification,
		Severity:       d.Severity,
		Combinator:     Combinator(d.Combinator),
	}
	if cfg.Severity == "" {
		cfg.Severity = models.SeverityHigh
	}
	if d.Within != "" {
		within, err := ParseDuration(d.Within)
		if err != nil {
			return RuleConfig{}, fmt.Errorf("rule %s: within: %w", d.ID, err)
		}
		cfg.Within = within
	}
	for i, sig := range d.Signals {
		switch {
		case sig.AlarmID != "":
			cfg.Signals = append(cfg.Signals, SignalConfig{
				ID:      sig.AlarmID,
				Kind:    models.SignalAlarm,
				AlarmID: sig.AlarmID,
			})
		case sig.Trend != nil:
			period, err := ParseDuration(sig.Trend.Period)
			if err != nil {
				return RuleConfig{}, fmt.Errorf("rule %s: signals[%d]: period: %w", d.ID, i, err)
			}
			tolerance := sig.Trend.Tolerance
			if tolerance == 0 {
				tolerance = DefaultTrendTolerance
			}
			tc := &TrendConfig{
				Metric:    sig.Trend.Metric,
				Period:    period,
				Windows:   sig.Trend.Windows,
				Tolerance: tolerance,
			}
			cfg.Signals = append(cfg.Signals, SignalConfig{
				ID:    fmt.Sprintf("trend:%s@%s", tc.Metric.String(), period),
				Kind:  models.SignalTrend,
				Trend: tc,
			})
		default:
			return RuleConfig{}, fmt.Errorf("rule %s: signals[%d]: empty signal", d.ID, i)
		}
	}
	return cfg, nil
}

// AlarmWithFile pairs a definition with its source file for reporting.
type AlarmWithFile struct {
	Alarm *AlarmDefinition
	File  string
}

// RuleWithFile pairs a rule definition with its source file.
type RuleWithFile struct {
	Rule *RuleDefinition
	File string
}

// ValidationError describes one problem found in a pack file.
type ValidationError struct {
	File    string
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path != "" {
		return e.File + ": " + e.Path + ": " + e.Message
	}
	return e.File + ": " + e.Message
}
