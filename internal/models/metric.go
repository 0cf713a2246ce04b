package models

import (
	"sort"
	"strings"
	"time"
)

// MetricKey identifies a single time series. Equality is structural;
// dimension order never matters because the canonical form sorts
// dimension names.
type MetricKey struct {
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metricName"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// Canonical renders the key as "namespace/metric{a=1,b=2}" with dimension
// names sorted. Two keys identify the same series iff their canonical
// forms are equal.
func (k MetricKey) Canonical() string {
	return canonicalString(k.Namespace, k.MetricName, k.Dimensions)
}

// WildcardDimension matches any value for a dimension in a Selector.
const WildcardDimension = "*"

// Selector targets one series or a family of series. Namespace and
// MetricName match exactly. Each listed dimension must be present on the
// candidate key with the same value, or any value when the selector value
// is WildcardDimension. Dimensions absent from the selector are
// unconstrained.
type Selector struct {
	Namespace  string            `json:"namespace" yaml:"namespace"`
	MetricName string            `json:"metricName" yaml:"metricName"`
	Dimensions map[string]string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// Matches reports whether key falls inside the selector's family.
func (s Selector) Matches(key MetricKey) bool {
	if s.Namespace != key.Namespace || s.MetricName != key.MetricName {
		return false
	}
	for name, want := range s.Dimensions {
		got, ok := key.Dimensions[name]
		if !ok {
			return false
		}
		if want != WildcardDimension && want != got {
			return false
		}
	}
	return true
}

// String renders the selector in the same shape as MetricKey.Canonical.
func (s Selector) String() string {
	return canonicalString(s.Namespace, s.MetricName, s.Dimensions)
}

func canonicalString(namespace, metric string, dims map[string]string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte('/')
	b.WriteString(metric)
	if len(dims) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(dims[name])
	}
	b.WriteByte('}')
	return b.String()
}

// Sample is one observation on a series.
type Sample struct {
	Key       MetricKey `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

// SampleRejection explains why one sample in a batch was not accepted.
type SampleRejection struct {
	Index  int    `json:"index"`
	Series string `json:"series,omitempty"`
	Reason string `json:"reason"`
}
