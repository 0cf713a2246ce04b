package dispatch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vigilstack/gchealth/internal/models"
)

// FromTransition renders an alarm state change as a notification. The
// dedup key carries only the alarm id, so a flapping alarm collapses to
// one notice per suppression window no matter how often it flips.
func FromTransition(tr models.StateTransition) models.Notification {
	return models.Notification{
		ID:        uuid.NewString(),
		Kind:      models.NotifyTransition,
		DedupKey:  "alarm:" + tr.AlarmID,
		Namespace: tr.Namespace,
		Severity:  tr.Severity,
		Title:     fmt.Sprintf("%s: %s", tr.To, tr.AlarmID),
		Body: fmt.Sprintf("%s/%s moved %s -> %s: %s",
			tr.Namespace, tr.MetricName, tr.From, tr.To, tr.Reason),
		CreatedAt:  tr.At,
		Transition: &tr,
	}
}

// FromEvent renders a correlation diagnosis as a notification, with one
// body line per evidence entry and the attached advice.
func FromEvent(ev models.RCAEvent) models.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (rule %s, confidence %.2f)\n", ev.Classification, ev.RuleID, ev.Confidence)
	for _, item := range ev.Evidence {
		fmt.Fprintf(&b, "- %s: %s\n", item.SignalID, item.Detail)
	}
	for _, advice := range ev.Advice {
		fmt.Fprintf(&b, "advice: %s\n", advice)
	}

	namespace := ""
	if len(ev.Evidence) > 0 {
		namespace = namespaceOf(ev.Evidence[0].Series)
	}
	return models.Notification{
		ID:        uuid.NewString(),
		Kind:      models.NotifyRCA,
		DedupKey:  "rule:" + ev.RuleID,
		Namespace: namespace,
		Severity:  ev.Severity,
		Title:     "RCA: " + ev.Classification,
		Body:      b.String(),
		CreatedAt: ev.TriggeredAt,
		Event:     &ev,
	}
}

// namespaceOf extracts the namespace from a canonical series string,
// "jvm/gc/pause_ms{pool=old}" giving "jvm".
func namespaceOf(series string) string {
	if i := strings.IndexByte(series, '/'); i > 0 {
		return series[:i]
	}
	return ""
}
