package rules

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Generation is one immutable, fully validated configuration set. The
// engine always works against a single generation; reload builds a new
// one and swaps the pointer.
type Generation struct {
	Version  int64
	LoadedAt time.Time
	Alarms   []AlarmConfig
	Rules    []RuleConfig

	alarmsByID map[string]AlarmConfig
}

// Alarm returns the compiled alarm config for id.
func (g *Generation) Alarm(id string) (AlarmConfig, bool) {
	cfg, ok := g.alarmsByID[id]
	return cfg, ok
}

// LoadError lists the file problems that aborted a pack load.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("pack load failed: %v", e.Errors[0])
	}
	return fmt.Sprintf("pack load failed with %d errors (first: %v)", len(e.Errors), e.Errors[0])
}

// Registry loads alarm and rule packs from disk and publishes them as
// atomic generations. A failed load never disturbs the current
// generation, so a bad edit plus SIGHUP leaves the engine running on the
// previous configuration.
type Registry struct {
	alarmsDir string
	rulesDir  string
	validator *Validator
	logger    *slog.Logger

	version atomic.Int64
	current atomic.Pointer[Generation]
}

// NewRegistry creates a Registry reading alarm packs from alarmsDir and,
// when rulesDir is non-empty, correlation rule packs from rulesDir.
func NewRegistry(alarmsDir, rulesDir string, validator *Validator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		alarmsDir: alarmsDir,
		rulesDir:  rulesDir,
		validator: validator,
		logger:    logger,
	}
}

// Current returns the live generation, or nil before the first
// successful Load.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Load reads, validates and compiles both packs, swapping the result in
// as the new current generation. An unreadable directory or file fails
// the whole load with a *LoadError and the previous generation stays
// live, since a parse error hides an unknown number of definitions. A
// definition that fails validation or compilation is skipped with a
// warning while the rest of the pack still loads; rules referencing a
// skipped alarm are skipped along with it.
func (r *Registry) Load() (*Generation, error) {
	alarmDefs, fileErrs := LoadAlarmsFromDirectory(r.alarmsDir)

	var ruleDefs []RuleWithFile
	if r.rulesDir != "" {
		loaded, ruleErrs := LoadRulesFromDirectory(r.rulesDir)
		ruleDefs = loaded
		fileErrs = append(fileErrs, ruleErrs...)
	}
	if len(fileErrs) > 0 {
		r.logProblems("pack file error", fileErrs)
		return nil, &LoadError{Errors: fileErrs}
	}

	gen := &Generation{
		alarmsByID: make(map[string]AlarmConfig, len(alarmDefs)),
	}
	var skipped []ValidationError

	for _, aw := range alarmDefs {
		verrs := r.validator.ValidateAlarm(aw)
		if len(verrs) == 0 {
			if _, dup := gen.alarmsByID[aw.Alarm.ID]; dup {
				verrs = append(verrs, ValidationError{
					File:    aw.File,
					Path:    "id",
					Message: fmt.Sprintf("duplicate alarm id %q", aw.Alarm.ID),
				})
			}
		}
		if len(verrs) == 0 {
			if cfg, err := aw.Alarm.Compile(); err != nil {
				verrs = append(verrs, ValidationError{File: aw.File, Message: err.Error()})
			} else {
				gen.Alarms = append(gen.Alarms, cfg)
				gen.alarmsByID[cfg.ID] = cfg
				continue
			}
		}
		skipped = append(skipped, verrs...)
	}

	alarmIDs := make(map[string]struct{}, len(gen.alarmsByID))
	for id := range gen.alarmsByID {
		alarmIDs[id] = struct{}{}
	}

	ruleSeen := make(map[string]struct{}, len(ruleDefs))
	for _, rw := range ruleDefs {
		verrs := r.validator.ValidateRule(rw, alarmIDs)
		if len(verrs) == 0 {
			if _, dup := ruleSeen[rw.Rule.ID]; dup {
				verrs = append(verrs, ValidationError{
					File:    rw.File,
					Path:    "id",
					Message: fmt.Sprintf("duplicate rule id %q", rw.Rule.ID),
				})
			}
		}
		if len(verrs) == 0 {
			if cfg, err := rw.Rule.Compile(); err != nil {
				verrs = append(verrs, ValidationError{File: rw.File, Message: err.Error()})
			} else {
				gen.Rules = append(gen.Rules, cfg)
				ruleSeen[cfg.ID] = struct{}{}
				continue
			}
		}
		skipped = append(skipped, verrs...)
	}

	if len(skipped) > 0 {
		r.logProblems("definition skipped", skipped)
	}

	gen.Version = r.version.Add(1)
	gen.LoadedAt = time.Now().UTC()
	r.current.Store(gen)

	r.logger.Info("configuration generation loaded",
		slog.Int64("version", gen.Version),
		slog.Int("alarms", len(gen.Alarms)),
		slog.Int("rules", len(gen.Rules)),
		slog.Int("skipped", len(alarmDefs)+len(ruleDefs)-len(gen.Alarms)-len(gen.Rules)),
	)
	return gen, nil
}

func (r *Registry) logProblems(msg string, errs []ValidationError) {
	for _, e := range errs {
		r.logger.Warn(msg,
			slog.String("file", e.File),
			slog.String("path", e.Path),
			slog.String("message", e.Message),
		)
	}
}
