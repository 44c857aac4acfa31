// Package broadcast fans events out to every connected observer.
//
// Each subscriber owns a buffered queue drained by its own writer goroutine,
// so Publish never waits on a socket: a full queue means the message is
// skipped for that observer only.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/observability"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcast: hub closed")

// Conn is the transport behind one observer.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is implemented by transports that need keepalives.
type Pinger interface {
	Ping() error
}

// Sink receives a copy of every published event, e.g. a message bus relay.
type Sink interface {
	Forward(kind string, data []byte) error
}

// SnapshotSource returns the greeting for a newly connected observer, if
// a battle is in flight.
type SnapshotSource func() (events.Event, bool)

// Subscriber is the handle returned by Subscribe.
type Subscriber struct {
	id   uint64
	conn Conn
	send chan []byte
	done chan struct{}
}

// ID returns the subscriber's sequence number.
func (s *Subscriber) ID() uint64 { return s.id }

// Done is closed once the writer goroutine has exited and the connection
// has been closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Config tunes the hub.
type Config struct {
	BufferSize   int           // per-subscriber queue length
	PingInterval time.Duration // keepalive period for Pinger transports
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:   64,
		PingInterval: 54 * time.Second,
	}
}

// Hub maintains the set of live subscribers.
type Hub struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	closed   bool
	snapshot SnapshotSource
	sinks    []Sink

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(cfg Config, log zerolog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	return &Hub{
		cfg:  cfg,
		log:  log,
		subs: make(map[*Subscriber]struct{}),
	}
}

// SetSnapshotSource installs the greeting source. The source must not call
// back into the hub.
func (h *Hub) SetSnapshotSource(src SnapshotSource) {
	h.mu.Lock()
	h.snapshot = src
	h.mu.Unlock()
}

// Mirror adds a sink that receives every published event.
func (h *Hub) Mirror(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Subscribe registers conn and starts its writer. If a battle is in flight
// the subscriber's first message is a synthetic battle_start.
func (h *Hub) Subscribe(conn Conn) (*Subscriber, error) {
	sub := &Subscriber{
		id:   h.nextID.Add(1),
		conn: conn,
		send: make(chan []byte, h.cfg.BufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.snapshot != nil {
		if ev, ok := h.snapshot(); ok {
			if data, err := events.Marshal(ev); err == nil {
				sub.send <- data
			}
		}
	}
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writer(sub)

	observability.UpdateObservers(count)
	h.log.Debug().Uint64("subscriber", sub.id).Int("observers", count).Msg("observer connected")
	return sub, nil
}

// Unsubscribe removes sub. Publishes issued after it returns are not
// delivered to sub. Unsubscribing twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		observability.UpdateObservers(count)
		h.log.Debug().Uint64("subscriber", sub.id).Int("observers", count).Msg("observer disconnected")
	}
}

// Publish encodes ev once and queues it for every subscriber. Slow or
// failed subscribers are skipped.
func (h *Hub) Publish(ev events.Event) {
	h.publish(ev, nil)
}

// PublishThen publishes ev and runs fn before any later Subscribe can
// proceed, so a snapshot source that reads state set by fn greets a new
// observer with ev exactly when the live delivery missed it.
func (h *Hub) PublishThen(ev events.Event, fn func()) {
	h.publish(ev, fn)
}

func (h *Hub) publish(ev events.Event, fn func()) {
	data, err := events.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Kind()).Msg("failed to encode event")
		return
	}

	sent, dropped := 0, 0
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		if fn != nil {
			fn()
		}
		return
	}
	for sub := range h.subs {
		select {
		case sub.send <- data:
			sent++
		default:
			dropped++
		}
	}
	if fn != nil {
		fn()
	}
	sinks := h.sinks
	h.mu.RUnlock()

	observability.RecordBroadcast(sent, dropped)
	if dropped > 0 {
		h.log.Warn().Str("type", ev.Kind()).Int("dropped", dropped).Msg("slow observers skipped")
	}

	for _, s := range sinks {
		if err := s.Forward(ev.Kind(), data); err != nil {
			h.log.Warn().Err(err).Str("type", ev.Kind()).Msg("mirror failed")
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops accepting subscribers, closes every subscriber queue and
// waits until all writers have drained and closed their connections.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for sub := range h.subs {
			delete(h.subs, sub)
			close(sub.send)
		}
	}
	h.mu.Unlock()
	observability.UpdateObservers(0)

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writer drains sub.send into the connection. A write error unsubscribes
// the observer; anything still queued is discarded.
func (h *Hub) writer(sub *Subscriber) {
	defer h.wg.Done()
	defer close(sub.done)
	defer sub.conn.Close()

	pinger, canPing := sub.conn.(Pinger)
	var tick <-chan time.Time
	if canPing {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failed := false
	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if failed {
				continue
			}
			if err := sub.conn.WriteMessage(data); err != nil {
				failed = true
				h.log.Debug().Err(err).Uint64("subscriber", sub.id).Msg("write failed")
				h.Unsubscribe(sub)
			}
		case <-tick:
			if failed {
				continue
			}
			if err := pinger.Ping(); err != nil {
				failed = true
				h.Unsubscribe(sub)
			}
		}
	}
}
