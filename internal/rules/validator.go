package rules

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Validator checks pack definitions against their JSON schemas and the
// semantic rules the schemas cannot express.
type Validator struct {
	alarmSchema *jsonschema.Schema
	ruleSchema  *jsonschema.Schema
}

// NewValidator compiles alarm_v1.json and rule_v1.json from schemaDir.
func NewValidator(schemaDir string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	alarmSchema, err := compiler.Compile(filepath.Join(schemaDir, "alarm_v1.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile alarm schema: %w", err)
	}
	ruleSchema, err := compiler.Compile(filepath.Join(schemaDir, "rule_v1.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}

	return &Validator{alarmSchema: alarmSchema, ruleSchema: ruleSchema}, nil
}

// ValidateAlarm checks one alarm definition against the schema and the
// semantic rules.
func (v *Validator) ValidateAlarm(aw AlarmWithFile) []ValidationError {
	errs := v.validateSchema(aw.File, v.alarmSchema, aw.Alarm)
	return append(errs, validateAlarmSemantics(aw.File, aw.Alarm)...)
}

// ValidateRule checks one rule definition. alarmIDs holds the alarm ids
// the rule may reference.
func (v *Validator) ValidateRule(rw RuleWithFile, alarmIDs map[string]struct{}) []ValidationError {
	errs := v.validateSchema(rw.File, v.ruleSchema, rw.Rule)
	return append(errs, validateRuleSemantics(rw.File, rw.Rule, alarmIDs)...)
}

// ValidateAlarms checks every alarm definition independently and reports
// the full list of problems. An empty result means the pack is safe to
// compile.
func (v *Validator) ValidateAlarms(alarms []AlarmWithFile) []ValidationError {
	var errs []ValidationError
	idSeen := make(map[string]string)

	for _, aw := range alarms {
		errs = append(errs, v.ValidateAlarm(aw)...)

		if id := aw.Alarm.ID; id != "" {
			if prevFile, exists := idSeen[id]; exists {
				errs = append(errs, ValidationError{
					File:    aw.File,
					Path:    "id",
					Message: fmt.Sprintf("duplicate alarm id %q (also in %s)", id, filepath.Base(prevFile)),
				})
			} else {
				idSeen[id] = aw.File
			}
		}
	}
	return errs
}

// ValidateRules checks every rule definition independently. alarmIDs
// holds the ids of the alarms loaded alongside, so alarm references can
// be resolved.
func (v *Validator) ValidateRules(loaded []RuleWithFile, alarmIDs map[string]struct{}) []ValidationError {
	var errs []ValidationError
	idSeen := make(map[string]string)

	for _, rw := range loaded {
		errs = append(errs, v.ValidateRule(rw, alarmIDs)...)

		if id := rw.Rule.ID; id != "" {
			if prevFile, exists := idSeen[id]; exists {
				errs = append(errs, ValidationError{
					File:    rw.File,
					Path:    "id",
					Message: fmt.Sprintf("duplicate rule id %q (also in %s)", id, filepath.Base(prevFile)),
				})
			} else {
				idSeen[id] = rw.File
			}
		}
	}
	return errs
}

// validateSchema validates a single definition against its JSON schema.
func (v *Validator) validateSchema(file string, schema *jsonschema.Schema, def any) []ValidationError {
	var errs []ValidationError

	yamlBytes, err := yaml.Marshal(def)
	if err != nil {
		errs = append(errs, ValidationError{
			File:    file,
			Message: fmt.Sprintf("failed to marshal definition: %v", err),
		})
		return errs
	}

	var jsonData interface{}
	if err := yaml.Unmarshal(yamlBytes, &jsonData); err != nil {
		errs = append(errs, ValidationError{
			File:    file,
			Message: fmt.Sprintf("failed to convert to JSON: %v", err),
		})
		return errs
	}

	if err := schema.Validate(jsonData); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			errs = append(errs, extractSchemaErrors(file, validationErr)...)
		} else {
			errs = append(errs, ValidationError{File: file, Message: err.Error()})
		}
	}
	return errs
}

// extractSchemaErrors converts JSON schema validation errors, including
// nested causes, to ValidationErrors.
func extractSchemaErrors(file string, err *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError

	path := strings.Join(err.InstanceLocation, ".")
	if path == "" {
		path = "(root)"
	}
	errs = append(errs, ValidationError{File: file, Path: path, Message: err.Error()})

	for _, cause := range err.Causes {
		errs = append(errs, extractSchemaErrors(file, cause)...)
	}
	return errs
}

func validateAlarmSemantics(file string, def *AlarmDefinition) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{File: file, Path: prefixPath(def.ID, path), Message: fmt.Sprintf(format, args...)})
	}

	if !def.Statistic.Valid() {
		add("statistic", "unknown statistic %q", def.Statistic)
	}
	if !def.Comparison.Valid() {
		add("comparison", "unknown comparison %q", def.Comparison)
	}
	if def.TreatMissingData != "" && !def.TreatMissingData.Valid() {
		add("treatMissingData", "unknown missing-data policy %q", def.TreatMissingData)
	}
	if def.Severity != "" && !def.Severity.Valid() {
		add("severity", "unknown severity %q", def.Severity)
	}
	if math.IsNaN(def.Threshold) || math.IsInf(def.Threshold, 0) {
		add("threshold", "threshold must be finite")
	}
	if period, err := ParseDuration(def.Period); err != nil {
		add("period", "%v", err)
	} else if period <= 0 {
		add("period", "period must be positive")
	}
	if def.EvaluationPeriods < 1 {
		add("evaluationPeriods", "must be at least 1")
	}
	if def.DatapointsToAlarm < 1 {
		add("datapointsToAlarm", "must be at least 1")
	} else if def.EvaluationPeriods >= 1 && def.DatapointsToAlarm > def.EvaluationPeriods {
		add("datapointsToAlarm", "must not exceed evaluationPeriods (%d > %d)", def.DatapointsToAlarm, def.EvaluationPeriods)
	}
	return errs
}

func validateRuleSemantics(file string, def *RuleDefinition, alarmIDs map[string]struct{}) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{File: file, Path: prefixPath(def.ID, path), Message: fmt.Sprintf(format, args...)})
	}

	combinator := Combinator(def.Combinator)
	if !combinator.Valid() {
		add("combinator", "unknown combinator %q", def.Combinator)
	}
	if def.Classification == "" {
		add("classification", "classification is required")
	}
	if def.Severity != "" && !def.Severity.Valid() {
		add("severity", "unknown severity %q", def.Severity)
	}

	if combinator == CombineSequence {
		if def.Within == "" {
			add("within", "SEQUENCE rules require a within duration")
		} else if within, err := ParseDuration(def.Within); err != nil {
			add("within", "%v", err)
		} else if within <= 0 {
			add("within", "within must be positive")
		}
		if len(def.Signals) < 2 {
			add("signals", "SEQUENCE rules need at least two signals")
		}
	}

	if len(def.Signals) == 0 {
		add("signals", "at least one signal is required")
	}
	for i, sig := range def.Signals {
		sigPath := fmt.Sprintf("signals[%d]", i)
		switch {
		case sig.AlarmID != "" && sig.Trend != nil:
			add(sigPath, "signal must set exactly one of alarmId or trend")
		case sig.AlarmID != "":
			if _, ok := alarmIDs[sig.AlarmID]; !ok {
				add(sigPath+".alarmId", "references unknown alarm %q", sig.AlarmID)
			}
		case sig.Trend != nil:
			errs = append(errs, validateTrend(file, def.ID, sigPath+".trend", sig.Trend)...)
		default:
			add(sigPath, "signal must set exactly one of alarmId or trend")
		}
	}
	return errs
}

func validateTrend(file, ruleID, path string, trend *TrendDefinition) []ValidationError {
	var errs []ValidationError
	add := func(sub, format string, args ...any) {
		p := path
		if sub != "" {
			p = path + "." + sub
		}
		errs = append(errs, ValidationError{File: file, Path: prefixPath(ruleID, p), Message: fmt.Sprintf(format, args...)})
	}

	if trend.Metric.Namespace == "" || trend.Metric.MetricName == "" {
		add("metric", "namespace and metricName are required")
	}
	if period, err := ParseDuration(trend.Period); err != nil {
		add("period", "%v", err)
	} else if period <= 0 {
		add("period", "period must be positive")
	}
	if trend.Windows < 2 {
		add("windows", "trend needs at least 2 windows")
	}
	if trend.Tolerance != 0 && (trend.Tolerance <= 0 || trend.Tolerance > 1) {
		add("tolerance", "tolerance must be in (0, 1]")
	}
	return errs
}

func prefixPath(id, path string) string {
	if id == "" {
		return path
	}
	return id + "." + path
}
