package ingest

import (
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/vigilstack/gchealth/internal/metrics"
)

// NATSConfig configures the sample subscription.
type NATSConfig struct {
	URL           string
	Subject       string
	Queue         string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Subject == "" {
		c.Subject = "gchealth.samples"
	}
	if c.Queue == "" {
		c.Queue = "gchealth-ingest"
	}
	if c.Name == "" {
		c.Name = "gchealth-engine"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = time.Second
	}
	return c
}

// Subscriber consumes sample batches from a NATS subject. Members of the
// same queue group split the stream, so replicas do not double ingest.
type Subscriber struct {
	cfg    NATSConfig
	intake *Intake
	logger *slog.Logger

	conn *natsgo.Conn
	sub  *natsgo.Subscription
}

// NewSubscriber builds a Subscriber; call Start to connect.
func NewSubscriber(cfg NATSConfig, intake *Intake, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{cfg: cfg.withDefaults(), intake: intake, logger: logger}
}

// Start connects and subscribes. Reconnects are handled by the client;
// a lost broker degrades ingestion, never the engine.
func (s *Subscriber) Start() error {
	conn, err := natsgo.Connect(s.cfg.URL,
		natsgo.Name(s.cfg.Name),
		natsgo.MaxReconnects(s.cfg.MaxReconnects),
		natsgo.ReconnectWait(s.cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			s.logger.Warn("nats disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.conn = conn
	s.sub = sub
	s.logger.Info("nats ingest subscribed", "subject", s.cfg.Subject, "queue", s.cfg.Queue)
	return nil
}

func (s *Subscriber) handle(msg *natsgo.Msg) {
	samples, err := DecodeBatch(msg.Data)
	if err != nil {
		metrics.IncSampleRejected("payload")
		s.logger.Warn("undecodable sample payload", "subject", msg.Subject, "error", err)
		return
	}
	s.intake.Ingest(SourceNATS, samples)
}

// Close drains the subscription so in-flight messages finish, then
// closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("nats drain failed", "error", err)
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
