package relay

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/broadcast"
	"github.com/reBalance888/tunearena/internal/events"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

var _ broadcast.Sink = (*Relay)(nil)

func TestRelaySubjects(t *testing.T) {
	tests := []struct {
		prefix string
		kind   string
		want   string
	}{
		{"", events.TypeReveal, "arena.events.reveal"},
		{"arena.events.", events.TypeCountdown, "arena.events.countdown"},
		{"staging.arena", events.TypeStats, "staging.arena.stats"},
	}
	for _, tt := range tests {
		r := newRelay(&fakePublisher{}, tt.prefix, zerolog.Nop())
		if got := r.Subject(tt.kind); got != tt.want {
			t.Errorf("Subject(%q) with prefix %q = %q, want %q", tt.kind, tt.prefix, got, tt.want)
		}
	}
}

func TestRelayForward(t *testing.T) {
	pub := &fakePublisher{}
	r := newRelay(pub, "", zerolog.Nop())

	data, err := events.Marshal(events.BattleStart{BattleNumber: 248, Prompt: "Heavy Metal Guitar Riff"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Forward(events.TypeBattleStart, data); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "arena.events.battle_start" {
		t.Errorf("subjects = %v", pub.subjects)
	}
	if string(pub.payloads[0]) != string(data) {
		t.Errorf("payload = %s", pub.payloads[0])
	}

	pub.err = errors.New("nats: connection closed")
	if err := r.Forward(events.TypeStats, data); err == nil {
		t.Error("Forward must surface publish errors")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close without connection: %v", err)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(Config{}, zerolog.Nop()); err == nil {
		t.Error("Connect without url must fail")
	}
}
