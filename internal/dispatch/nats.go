package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	natsgo "github.com/nats-io/nats.go"

	"github.com/vigilstack/gchealth/internal/models"
)

// NATSSink publishes notifications to a subject per notification kind,
// "<prefix>.transition" and "<prefix>.rca", so downstream consumers can
// subscribe to state changes and diagnoses independently.
type NATSSink struct {
	name    string
	conn    *natsgo.Conn
	subject string
}

func NewNATSSink(name string, conn *natsgo.Conn, subjectPrefix string) *NATSSink {
	return &NATSSink{name: name, conn: conn, subject: subjectPrefix}
}

func (s *NATSSink) Name() string { return s.name }

func (s *NATSSink) Deliver(_ context.Context, n models.Notification) error {
	if s.conn == nil {
		return fmt.Errorf("nats %s: connection not configured", s.name)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.conn.Publish(s.subject+"."+string(n.Kind), data)
}
