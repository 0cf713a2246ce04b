package correlate

import (
	"fmt"

	"github.com/vigilstack/gchealth/internal/models"
	"github.com/vigilstack/gchealth/internal/rules"
)

// trendHolds reports whether the series' window averages stayed
// monotonically non-decreasing over the configured number of closed
// windows, where a window still counts as non-decreasing while it holds
// at least tolerance of the running maximum. This is the "stable but
// never drops" heap signature: a healthy heap saws down after
// collections, a leaking one only ratchets up.
//
// Any window without samples breaks the trend, as does a series too
// young to fill all windows.
func (c *Correlator) trendHolds(t *rules.TrendConfig) bool {
	if t == nil || t.Windows < 2 {
		return false
	}
	windows, err := c.windows.LastWindows(t.Metric, models.StatAvg, t.Period, t.Windows)
	if err != nil {
		c.logger.Debug("trend check failed", "series", t.Metric.String(), "error", err)
		return false
	}
	if len(windows) < t.Windows {
		return false
	}

	var peak float64
	for i, w := range windows {
		if w.SampleCount == 0 {
			return false
		}
		if i == 0 {
			peak = w.Value
			continue
		}
		if w.Value < t.Tolerance*peak {
			return false
		}
		if w.Value > peak {
			peak = w.Value
		}
	}
	// A slow net decline can stay inside the tolerance band the whole
	// way; the endpoints decide whether the heap actually ratcheted.
	return windows[len(windows)-1].Value >= windows[0].Value
}

func trendDetail(t *rules.TrendConfig) string {
	return fmt.Sprintf("average held within %.0f%% of its maximum over %d windows of %s",
		t.Tolerance*100, t.Windows, t.Period)
}
