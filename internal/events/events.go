// Package events defines the tagged records pushed to every observer.
//
// Each record marshals to a flat JSON object whose "type" field names the
// event, e.g. {"type":"countdown","time":42}.
package events

import "encoding/json"

// Event type tags
const (
	TypeBattleStart = "battle_start"
	TypeCountdown   = "countdown"
	TypeVotePlaced  = "vote_placed"
	TypeReveal      = "reveal"
	TypeStats       = "stats"
)

// Event is anything the broadcast hub can publish.
type Event interface {
	Kind() string
}

// BattleStart opens the voting window for a battle.
type BattleStart struct {
	BattleNumber int64  `json:"battleNumber"`
	Prompt       string `json:"prompt"`
}

// Countdown carries the seconds left in the voting window, down to 0.
type Countdown struct {
	Time int `json:"time"`
}

// VotePlaced reports a newly admitted vote with the running tallies.
type VotePlaced struct {
	BattleNumber int64  `json:"battleNumber"`
	Track        string `json:"track"`
	TotalA       int    `json:"totalA"`
	TotalB       int    `json:"totalB"`
}

// Reveal announces the winner and the winner's rating change.
type Reveal struct {
	BattleNumber int64  `json:"battleNumber"`
	TrackAName   string `json:"trackAName"`
	TrackBName   string `json:"trackBName"`
	Winner       string `json:"winner"`
	EloGain      int    `json:"eloGain"`
}

// Stats carries aggregate counters after a battle settles.
type Stats struct {
	TotalBattles int64 `json:"totalBattles"`
	LiveViewers  int   `json:"liveViewers"`
	TotalVotes   int64 `json:"totalVotes"`
	PrizePool    int64 `json:"prizePool"`
}

func (BattleStart) Kind() string { return TypeBattleStart }
func (Countdown) Kind() string   { return TypeCountdown }
func (VotePlaced) Kind() string  { return TypeVotePlaced }
func (Reveal) Kind() string      { return TypeReveal }
func (Stats) Kind() string       { return TypeStats }

// Marshal encodes an event with its type tag merged into the payload.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(ev.Kind())
	fields["type"] = tag

	return json.Marshal(fields)
}

// Envelope is the decoded form of any event, used by tests and clients that
// only need to route on the type tag.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType returns the type tag of an encoded event.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
