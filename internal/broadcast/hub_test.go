package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/events"
)

// memConn records every message written to it.
type memConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	closed  bool
	failing bool
	block   chan struct{} // when non-nil, writes block until closed
	wrote   chan struct{}
}

func newMemConn() *memConn {
	return &memConn{wrote: make(chan struct{}, 1024)}
}

func (c *memConn) WriteMessage(data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *memConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		typ, err := events.PeekType(m)
		if err != nil {
			t.Fatalf("PeekType: %v", err)
		}
		out = append(out, typ)
	}
	return out
}

func (c *memConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConn) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-c.wrote:
		case <-deadline:
			t.Fatalf("got %d messages, want %d", got, n)
		}
	}
}

func newTestHub(buf int) *Hub {
	return NewHub(Config{BufferSize: buf}, zerolog.Nop())
}

func TestHubPublishReachesEverySubscriber(t *testing.T) {
	h := newTestHub(8)
	conns := []*memConn{newMemConn(), newMemConn(), newMemConn()}
	for _, c := range conns {
		if _, err := h.Subscribe(c); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	h.Publish(events.Countdown{Time: 60})
	h.Publish(events.Countdown{Time: 59})

	for i, c := range conns {
		c.waitFor(t, 2)
		if got := c.types(t); len(got) != 2 || got[0] != events.TypeCountdown {
			t.Errorf("conn %d got %v", i, got)
		}
	}
	if h.Count() != 3 {
		t.Errorf("Count = %d, want 3", h.Count())
	}
}

func TestHubGreetsLateSubscriber(t *testing.T) {
	tests := []struct {
		name     string
		source   SnapshotSource
		wantType []string
	}{
		{
			name: "battle in flight",
			source: func() (events.Event, bool) {
				return events.BattleStart{BattleNumber: 12, Prompt: "Retro Synthwave 80s Vibes"}, true
			},
			wantType: []string{events.TypeBattleStart, events.TypeCountdown},
		},
		{
			name:     "idle between battles",
			source:   func() (events.Event, bool) { return nil, false },
			wantType: []string{events.TypeCountdown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(8)
			h.SetSnapshotSource(tt.source)

			c := newMemConn()
			if _, err := h.Subscribe(c); err != nil {
				t.Fatal(err)
			}
			h.Publish(events.Countdown{Time: 30})

			c.waitFor(t, len(tt.wantType))
			got := c.types(t)
			if len(got) != len(tt.wantType) {
				t.Fatalf("got %v, want %v", got, tt.wantType)
			}
			for i := range got {
				if got[i] != tt.wantType[i] {
					t.Errorf("message %d = %s, want %s", i, got[i], tt.wantType[i])
				}
			}
		})
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(8)
	c := newMemConn()
	sub, err := h.Subscribe(c)
	if err != nil {
		t.Fatal(err)
	}

	h.Publish(events.Countdown{Time: 3})
	c.waitFor(t, 1)

	h.Unsubscribe(sub)
	h.Publish(events.Countdown{Time: 2})
	h.Unsubscribe(sub)

	<-sub.Done()
	if got := c.types(t); len(got) != 1 {
		t.Errorf("got %d messages after unsubscribe, want 1", len(got))
	}
	if !c.isClosed() {
		t.Error("connection not closed after unsubscribe")
	}
	if h.Count() != 0 {
		t.Errorf("Count = %d, want 0", h.Count())
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newTestHub(2)
	slow := newMemConn()
	slow.block = make(chan struct{})
	fast := newMemConn()

	h.Subscribe(slow)
	h.Subscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Publish(events.Countdown{Time: 50 - i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(slow.block)
	fast.waitFor(t, 1)
}

func TestHubFailedWriterIsRemoved(t *testing.T) {
	h := newTestHub(8)
	bad := newMemConn()
	bad.failing = true
	sub, _ := h.Subscribe(bad)

	h.Publish(events.Countdown{Time: 1})

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed subscriber was not removed")
	}
	if h.Count() != 0 {
		t.Errorf("Count = %d, want 0", h.Count())
	}
}

func TestHubCloseDrainsWriters(t *testing.T) {
	h := newTestHub(8)
	conns := []*memConn{newMemConn(), newMemConn()}
	for _, c := range conns {
		h.Subscribe(c)
	}
	h.Publish(events.Reveal{BattleNumber: 1, TrackAName: "Suno", TrackBName: "Udio", Winner: "Suno", EloGain: 16})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn %d not closed", i)
		}
		if got := c.types(t); len(got) != 1 || got[0] != events.TypeReveal {
			t.Errorf("conn %d got %v, want the queued reveal", i, got)
		}
	}

	// Publishing after Close is a no-op and subscribing fails.
	h.Publish(events.Countdown{Time: 0})
	if _, err := h.Subscribe(newMemConn()); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close err = %v, want ErrClosed", err)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingSink) Forward(kind string, data []byte) error {
	s.mu.Lock()
	s.kinds = append(s.kinds, kind)
	s.mu.Unlock()
	return nil
}

func TestHubMirrorsToSinks(t *testing.T) {
	h := newTestHub(8)
	sink := &recordingSink{}
	h.Mirror(sink)

	h.Publish(events.Stats{TotalBattles: 24701})

	if len(sink.kinds) != 1 || sink.kinds[0] != events.TypeStats {
		t.Errorf("sink got %v", sink.kinds)
	}
}

func TestHubConcurrentSubscribePublish(t *testing.T) {
	h := newTestHub(16)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe(newMemConn())
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			h.Unsubscribe(sub)
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(events.VotePlaced{BattleNumber: 1, Track: "Track A", TotalA: j})
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestHubPublishThenDeliversStartOnce(t *testing.T) {
	h := newTestHub(16)
	var announced atomic.Bool
	start := events.BattleStart{BattleNumber: 7, Prompt: "Lo-fi Rain"}
	h.SetSnapshotSource(func() (events.Event, bool) {
		if !announced.Load() {
			return nil, false
		}
		return start, true
	})

	conns := make([]*memConn, 40)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newMemConn()
		wg.Add(1)
		go func(c *memConn) {
			defer wg.Done()
			if _, err := h.Subscribe(c); err != nil {
				t.Error(err)
			}
		}(conns[i])
		if i == len(conns)/2 {
			h.PublishThen(start, func() { announced.Store(true) })
		}
	}
	wg.Wait()
	if !announced.Load() {
		t.Fatal("PublishThen did not run its callback")
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, c := range conns {
		if got := c.types(t); len(got) != 1 || got[0] != events.TypeBattleStart {
			t.Errorf("conn %d got %v, want one battle_start", i, got)
		}
	}
}
