package models

import (
	"testing"
	"time"
)

func TestCanonicalIgnoresDimensionOrder(t *testing.T) {
	a := MetricKey{
		Namespace:  "jvm/gc",
		MetricName: "pause_ms",
		Dimensions: map[string]string{"pool": "old", "host": "node-1"},
	}
	b := MetricKey{
		Namespace:  "jvm/gc",
		MetricName: "pause_ms",
		Dimensions: map[string]string{"host": "node-1", "pool": "old"},
	}
	if a.Canonical() != b.Canonical() {
		t.Fatalf("canonical forms differ: %q vs %q", a.Canonical(), b.Canonical())
	}
	want := "jvm/gc/pause_ms{host=node-1,pool=old}"
	if got := a.Canonical(); got != want {
		t.Fatalf("canonical = %q, want %q", got, want)
	}
}

func TestSelectorMatches(t *testing.T) {
	key := MetricKey{
		Namespace:  "jvm/gc",
		MetricName: "pause_ms",
		Dimensions: map[string]string{"pool": "old", "host": "node-1"},
	}

	cases := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"exact", Selector{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "old", "host": "node-1"}}, true},
		{"subset", Selector{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "old"}}, true},
		{"wildcard", Selector{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "*"}}, true},
		{"no dims", Selector{Namespace: "jvm/gc", MetricName: "pause_ms"}, true},
		{"wrong value", Selector{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"pool": "young"}}, false},
		{"absent dimension", Selector{Namespace: "jvm/gc", MetricName: "pause_ms", Dimensions: map[string]string{"region": "*"}}, false},
		{"wrong metric", Selector{Namespace: "jvm/gc", MetricName: "heap_used"}, false},
		{"wrong namespace", Selector{Namespace: "jvm/heap", MetricName: "pause_ms"}, false},
	}
	for _, tc := range cases {
		if got := tc.sel.Matches(key); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestComparisonBreaches(t *testing.T) {
	if !CompareGreater.Breaches(0.9, 0.8) {
		t.Error("0.9 > 0.8 should breach")
	}
	if CompareGreater.Breaches(0.8, 0.8) {
		t.Error("0.8 > 0.8 should not breach")
	}
	if !CompareGreaterEqual.Breaches(0.8, 0.8) {
		t.Error("0.8 >= 0.8 should breach")
	}
	if !CompareLess.Breaches(1, 2) {
		t.Error("1 < 2 should breach")
	}
	if !CompareLessEqual.Breaches(2, 2) {
		t.Error("2 <= 2 should breach")
	}
	if ComparisonOperator("!=").Breaches(1, 2) {
		t.Error("unknown operator must never breach")
	}
}

func TestStatisticQuantile(t *testing.T) {
	q, ok := StatP95.Quantile()
	if !ok || q != 0.95 {
		t.Fatalf("p95 quantile = %v, %v", q, ok)
	}
	if _, ok := StatAvg.Quantile(); ok {
		t.Fatal("avg is not a percentile")
	}
}

func TestWindowLength(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := Window{PeriodStart: start, PeriodEnd: start.Add(5 * time.Minute)}
	if w.Length() != 5*time.Minute {
		t.Fatalf("length = %s", w.Length())
	}
}
