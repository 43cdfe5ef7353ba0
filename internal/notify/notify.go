// Package notify forwards engine job updates to NATS.
//
// Every consolidated update is published as JSON on the configured subject.
// Jobs reaching a terminal state are also published individually on
// "<subject>.<state>" so consumers can follow completions only.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends updates to a subject.
type Publisher struct {
	conn    Conn
	nc      *nats.Conn
	subject string
}

// Connect dials url with reconnects enabled.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bucket-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	p := NewPublisher(nc, subject)
	p.nc = nc
	return p, nil
}

func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Close flushes pending messages and closes the connection it owns.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Publish sends u and the per-job terminal notifications.
func (p *Publisher) Publish(u types.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}

	// 初始的完整快照不重送終態任務
	if u.Full {
		return nil
	}
	for _, job := range u.Jobs {
		if !job.State.Terminal() {
			continue
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		subject := p.subject + "." + string(job.State)
		if err := p.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// Forward publishes every update until updates closes or ctx is done.
// Publish failures are logged and skipped.
func (p *Publisher) Forward(ctx context.Context, updates <-chan types.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := p.Publish(u); err != nil {
				log.Warn("failed to publish job update", "subject", p.subject, "error", err)
			}
		}
	}
}
