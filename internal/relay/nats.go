// Package relay forwards hub broadcasts to a NATS subject tree so other processes
// can follow pipeline activity without holding a websocket open.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config controls the NATS connection.
type Config struct {
	URL     string
	Subject string
	Name    string
	JWT     string
	Seed    string
}

// NATSRelay is a hub subscriber that republishes every envelope on
// <subject>.<event type>.
type NATSRelay struct {
	pub     Publisher
	subject string
	log     *slog.Logger
	closeFn func()
}

// Connect dials NATS and returns a relay bound to cfg.Subject.
func Connect(cfg Config, logger *slog.Logger) (*NATSRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay: nats url is required")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.JWT != "" && cfg.Seed != "" {
		opts = append(opts, nats.UserJWTAndSeed(cfg.JWT, cfg.Seed))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	relay := New(nc, cfg.Subject, logger)
	relay.closeFn = func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	}
	return relay, nil
}

// New wraps an existing publisher.
func New(pub Publisher, subject string, logger *slog.Logger) *NATSRelay {
	return &NATSRelay{pub: pub, subject: strings.TrimSuffix(subject, "."), log: logger}
}

// Send publishes payload on the subject derived from its envelope type.
func (r *NATSRelay) Send(payload []byte) error {
	subject := r.subjectFor(payload)
	if err := r.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the underlying connection when the relay owns it.
func (r *NATSRelay) Close() {
	if r.closeFn != nil {
		r.closeFn()
		r.closeFn = nil
	}
}

func (r *NATSRelay) subjectFor(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Type == "" {
		return r.subject + ".unknown"
	}
	return r.subject + "." + head.Type
}
