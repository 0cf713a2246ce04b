package models

import "time"

// NotificationKind distinguishes the two event families the dispatcher
// carries.
type NotificationKind string

const (
	NotifyTransition NotificationKind = "transition"
	NotifyRCA        NotificationKind = "rca"
)

// Notification is the unit of work handed to dispatch sinks. Transition
// or Event is set according to Kind; the other is nil.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	DedupKey  string           `json:"dedupKey"`
	Namespace string           `json:"namespace"`
	Severity  Severity         `json:"severity"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	CreatedAt time.Time        `json:"createdAt"`

	Transition *StateTransition `json:"transition,omitempty"`
	Event      *RCAEvent        `json:"event,omitempty"`
}

// DispatchFailure records a notification whose delivery to one sink
// exhausted its retry budget. The underlying alarm or event state is
// unaffected.
type DispatchFailure struct {
	NotificationID string           `json:"notificationId"`
	Kind           NotificationKind `json:"kind"`
	Sink           string           `json:"sink"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"lastError"`
	FailedAt       time.Time        `json:"failedAt"`
}
