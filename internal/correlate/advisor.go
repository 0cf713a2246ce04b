package correlate

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigilstack/gchealth/internal/models"
)

// Advisor attaches rule-based remediation advice to freshly fired
// correlation events.
type Advisor struct {
	rules  []AdviceRule
	logger *slog.Logger
}

// AdviceRule maps matching events to remediation suggestions.
type AdviceRule struct {
	ID     string      `yaml:"id"`
	Match  AdviceMatch `yaml:"match"`
	Advice []string    `yaml:"advice"`
}

// AdviceMatch defines optional attributes for advice matching.
type AdviceMatch struct {
	Classification   string   `yaml:"classification"`
	Severity         string   `yaml:"severity"`
	EvidenceContains []string `yaml:"evidenceContains"`
}

// AdviceFile is the YAML root structure.
type AdviceFile struct {
	Rules []AdviceRule `yaml:"rules"`
}

// NewAdvisor loads advice rules from the provided path. If path is empty
// or the file does not exist, returns a nil advisor; Advise on a nil
// advisor returns no advice.
func NewAdvisor(path string, logger *slog.Logger) (*Advisor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg AdviceFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{rules: cfg.Rules, logger: logger}, nil
}

// Advise returns the deduplicated advice of every rule matching the
// event.
func (a *Advisor) Advise(event models.RCAEvent) []string {
	if a == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range a.rules {
		if rule.Match.Classification != "" && !strings.EqualFold(rule.Match.Classification, event.Classification) {
			continue
		}
		if rule.Match.Severity != "" && !strings.EqualFold(rule.Match.Severity, string(event.Severity)) {
			continue
		}
		if len(rule.Match.EvidenceContains) > 0 && !evidenceContains(rule.Match.EvidenceContains, event.Evidence) {
			continue
		}
		matched = appendUnique(matched, rule.Advice...)
	}
	return matched
}

func evidenceContains(keywords []string, evidence []models.Evidence) bool {
	for _, ev := range evidence {
		haystack := strings.ToLower(ev.Series + " " + ev.Detail)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
