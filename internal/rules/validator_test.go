package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

func mustNewValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := NewValidator("../../configs/schemas")
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator
}

func writePack(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestShippedPacksValidate(t *testing.T) {
	validator := mustNewValidator(t)

	alarms, loadErrs := LoadAlarmsFromDirectory("../../configs/alarms")
	if len(loadErrs) != 0 {
		t.Fatalf("alarm pack load errors: %v", loadErrs)
	}
	if len(alarms) == 0 {
		t.Fatal("expected shipped alarms")
	}
	if errs := validator.ValidateAlarms(alarms); len(errs) != 0 {
		for _, e := range errs {
			t.Logf("  %v", e)
		}
		t.Fatalf("shipped alarm pack has %d validation errors", len(errs))
	}

	alarmIDs := make(map[string]struct{})
	for _, aw := range alarms {
		alarmIDs[aw.Alarm.ID] = struct{}{}
	}

	ruleDefs, loadErrs := LoadRulesFromDirectory("../../configs/rules")
	if len(loadErrs) != 0 {
		t.Fatalf("rule pack load errors: %v", loadErrs)
	}
	if len(ruleDefs) == 0 {
		t.Fatal("expected shipped rules")
	}
	if errs := validator.ValidateRules(ruleDefs, alarmIDs); len(errs) != 0 {
		for _, e := range errs {
			t.Logf("  %v", e)
		}
		t.Fatalf("shipped rule pack has %d validation errors", len(errs))
	}
}

func TestValidateAlarmsRejectsBadDefinitions(t *testing.T) {
	validator := mustNewValidator(t)
	dir := t.TempDir()
	writePack(t, dir, "bad.yaml", `
version: 1
alarms:
  - id: too-many-datapoints
    metric:
      namespace: jvm/gc
      metricName: pause_ms
    statistic: avg
    comparison: ">"
    threshold: 1
    period: 60s
    evaluationPeriods: 3
    datapointsToAlarm: 5
  - id: bad-statistic
    metric:
      namespace: jvm/gc
      metricName: pause_ms
    statistic: median
    comparison: ">"
    threshold: 1
    period: 60s
    evaluationPeriods: 3
    datapointsToAlarm: 3
  - id: bad-period
    metric:
      namespace: jvm/gc
      metricName: pause_ms
    statistic: avg
    comparison: ">"
    threshold: 1
    period: five minutes
    evaluationPeriods: 3
    datapointsToAlarm: 3
`)

	alarms, loadErrs := LoadAlarmsFromDirectory(dir)
	if len(loadErrs) != 0 {
		t.Fatalf("unexpected load errors: %v", loadErrs)
	}
	errs := validator.ValidateAlarms(alarms)
	if len(errs) == 0 {
		t.Fatal("expected validation errors")
	}

	assertHasError(t, errs, "datapointsToAlarm", "must not exceed evaluationPeriods")
	assertHasError(t, errs, "statistic", "median")
	assertHasError(t, errs, "period", "")
}

func TestValidateAlarmsDuplicateIDs(t *testing.T) {
	validator := mustNewValidator(t)
	dir := t.TempDir()
	pack := `
version: 1
alarms:
  - id: dup-alarm
    metric:
      namespace: jvm/gc
      metricName: pause_ms
    statistic: avg
    comparison: ">"
    threshold: 1
    period: 60s
    evaluationPeriods: 1
    datapointsToAlarm: 1
`
	writePack(t, dir, "a.yaml", pack)
	writePack(t, dir, "b.yaml", pack)

	alarms, _ := LoadAlarmsFromDirectory(dir)
	errs := validator.ValidateAlarms(alarms)
	assertHasError(t, errs, "id", "duplicate alarm id")
}

func TestValidateRulesSemantics(t *testing.T) {
	validator := mustNewValidator(t)
	dir := t.TempDir()
	writePack(t, dir, "rules.yaml", `
version: 1
rules:
  - id: seq-no-within
    classification: gc-storm
    combinator: SEQUENCE
    signals:
      - alarmId: known-alarm
      - alarmId: known-alarm
  - id: unknown-ref
    classification: gc-storm
    combinator: ANY
    signals:
      - alarmId: no-such-alarm
  - id: short-trend
    classification: memory-leak
    combinator: ALL
    signals:
      - trend:
          metric:
            namespace: jvm/memory
            metricName: heap_used_ratio
          period: 60s
          windows: 1
`)

	loaded, loadErrs := LoadRulesFromDirectory(dir)
	if len(loadErrs) != 0 {
		t.Fatalf("unexpected load errors: %v", loadErrs)
	}
	errs := validator.ValidateRules(loaded, map[string]struct{}{"known-alarm": {}})

	assertHasError(t, errs, "within", "SEQUENCE rules require")
	assertHasError(t, errs, "alarmId", "unknown alarm")
	assertHasError(t, errs, "windows", "at least 2")
}

func TestValidateRuleSignalExclusivity(t *testing.T) {
	validator := mustNewValidator(t)
	dir := t.TempDir()
	writePack(t, dir, "rules.yaml", `
version: 1
rules:
  - id: both-set
    classification: gc-storm
    combinator: ANY
    signals:
      - alarmId: known-alarm
        trend:
          metric:
            namespace: jvm/memory
            metricName: heap_used_ratio
          period: 60s
          windows: 3
`)
	loaded, _ := LoadRulesFromDirectory(dir)
	errs := validator.ValidateRules(loaded, map[string]struct{}{"known-alarm": {}})
	assertHasError(t, errs, "signals[0]", "exactly one")
}

func TestLoaderRejectsWrongPackVersion(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "old.yaml", `
version: 2
alarms: []
`)
	_, errs := LoadAlarmsFromDirectory(dir)
	assertHasError(t, errs, "version", "unsupported pack version")
}

func TestAlarmCompileDefaults(t *testing.T) {
	def := AlarmDefinition{
		ID:                "a",
		Metric:            models.Selector{Namespace: "jvm/gc", MetricName: "pause_ms"},
		Statistic:         models.StatAvg,
		Comparison:        models.CompareGreater,
		Threshold:         1,
		Period:            "5m",
		EvaluationPeriods: 3,
		DatapointsToAlarm: 2,
	}
	cfg, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Period != 5*time.Minute {
		t.Errorf("period = %s", cfg.Period)
	}
	if cfg.TreatMissingData != models.MissingAsMissing {
		t.Errorf("default missing policy = %s", cfg.TreatMissingData)
	}
	if cfg.Severity != models.SeverityHigh {
		t.Errorf("default severity = %s", cfg.Severity)
	}
}

func TestRuleCompileTrendDefaults(t *testing.T) {
	def := RuleDefinition{
		ID:             "r",
		Classification: "memory-leak",
		Combinator:     "ALL",
		Signals: []SignalDefinition{
			{Trend: &TrendDefinition{
				Metric:  models.Selector{Namespace: "jvm/memory", MetricName: "heap_used_ratio"},
				Period:  "60s",
				Windows: 5,
			}},
		},
	}
	cfg, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Signals) != 1 {
		t.Fatalf("signals = %d", len(cfg.Signals))
	}
	sig := cfg.Signals[0]
	if sig.Kind != models.SignalTrend || sig.Trend == nil {
		t.Fatalf("signal = %+v", sig)
	}
	if sig.Trend.Tolerance != DefaultTrendTolerance {
		t.Errorf("tolerance = %v", sig.Trend.Tolerance)
	}
	if sig.ID == "" {
		t.Error("trend signal needs a synthetic id")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		input    string
		wantSecs int64
		wantErr  bool
	}{
		{"30s", 30, false},
		{"5m", 300, false},
		{"1h", 3600, false},
		{"1d", 24 * 3600, false},
		{"", 0, true},
		{"30", 0, true},
		{"30x", 0, true},
		{"-30s", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tc.input, err)
			continue
		}
		if got != time.Duration(tc.wantSecs)*time.Second {
			t.Errorf("ParseDuration(%q) = %v", tc.input, got)
		}
	}
}

func assertHasError(t *testing.T, errs []ValidationError, pathContains, msgContains string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Path, pathContains) && strings.Contains(e.Message, msgContains) {
			return
		}
	}
	t.Errorf("no error with path~%q msg~%q in %v", pathContains, msgContains, errs)
}
