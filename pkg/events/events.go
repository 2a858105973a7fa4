// Package events publishes node lifecycle events to NATS JetStream so
// external observers can follow a run without polling. The publisher is
// optional: runs work identically with no NATS server configured.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/engine"
)

// DefaultSubject is the subject prefix events are published under; the run
// id is appended per message.
const DefaultSubject = "daedalus.runs"

// Publisher sends engine events to a JetStream stream. Publishing is
// fire-and-forget: a broken connection degrades to logging, never to
// failing the run.
type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  *zap.Logger
}

// Connect dials NATS and ensures the events stream exists.
func Connect(url, stream string, logger *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("daedalus-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if stream == "" {
		stream = "DAEDALUS_EVENTS"
	}
	_, err = js.StreamInfo(stream)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{DefaultSubject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &Publisher{
		conn:    conn,
		js:      js,
		subject: DefaultSubject,
		logger:  logger,
	}, nil
}

// Publish implements engine.EventSink.
func (p *Publisher) Publish(event engine.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	subject := p.subject + "." + event.RunID
	if _, err := p.js.PublishAsync(subject, payload); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains the connection, flushing pending publishes.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain NATS connection", zap.Error(err))
	}
}
