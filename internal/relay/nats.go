// Package relay mirrors the observer event stream onto NATS so other
// processes can follow battles without a websocket.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config configures the relay. An empty URL disables it.
type Config struct {
	URL           string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// DefaultSubjectPrefix prefixes every subject, giving arena.events.reveal
// and so on.
const DefaultSubjectPrefix = "arena.events"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Relay publishes each event to <prefix>.<event type>.
type Relay struct {
	nc     *nats.Conn
	pub    publisher
	prefix string
	log    zerolog.Logger
}

// Connect dials NATS. The connection reconnects forever in the background.
func Connect(cfg Config, log zerolog.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay: nats url is required")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("tunearena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	r := newRelay(nc, cfg.SubjectPrefix, log)
	r.nc = nc
	return r, nil
}

func newRelay(pub publisher, prefix string, log zerolog.Logger) *Relay {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Relay{pub: pub, prefix: prefix, log: log}
}

// Subject returns the subject an event type is published on.
func (r *Relay) Subject(kind string) string {
	return r.prefix + "." + kind
}

// Forward publishes one encoded event. NATS buffers the write, so this does
// not wait on the network.
func (r *Relay) Forward(kind string, data []byte) error {
	if err := r.pub.Publish(r.Subject(kind), data); err != nil {
		return fmt.Errorf("relay %s: %w", kind, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (r *Relay) Close() error {
	if r.nc == nil {
		return nil
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return err
	}
	return nil
}
