package battle

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/reBalance888/tunearena/internal/rating"
)

// ErrNotEnoughEntries is returned by Pick when fewer than two entries exist.
var ErrNotEnoughEntries = errors.New("battle: need at least two entries")

// ErrUnknownEntry is returned for an entry name the roster does not hold.
var ErrUnknownEntry = errors.New("battle: unknown entry")

// Entry is a competing model. Its rating and counters carry across battles.
type Entry struct {
	Name     string `json:"name" koanf:"name"`
	Provider string `json:"provider,omitempty" koanf:"provider"` // generation backend, defaults to Name
	Rating   int    `json:"elo" koanf:"rating"`
	Wins     int    `json:"wins" koanf:"-"`
	Losses   int    `json:"losses" koanf:"-"`
	Battles  int    `json:"totalBattles" koanf:"-"`
}

// Backend returns the generation provider name.
func (e Entry) Backend() string {
	if e.Provider != "" {
		return e.Provider
	}
	return e.Name
}

// DefaultEntries is the launch roster.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "Suno", Rating: 1542},
		{Name: "Udio", Rating: 1489},
		{Name: "Stable Audio", Rating: 1435},
		{Name: "ElevenLabs Music", Rating: 1398},
		{Name: "MusicGen", Rating: 1356},
		{Name: "AudioCraft", Rating: 1312},
		{Name: "Mubert", Rating: 1278},
		{Name: "Soundraw", Rating: 1245},
	}
}

// Roster owns the carried state of every entry.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	intn    func(n int) int
}

// NewRoster creates a roster. Entries with no rating start at baseline.
func NewRoster(seed []Entry, baseline int) *Roster {
	if baseline == 0 {
		baseline = rating.DefaultBaseline
	}
	r := &Roster{
		entries: make(map[string]*Entry, len(seed)),
		intn:    rand.IntN,
	}
	for _, e := range seed {
		if e.Name == "" {
			continue
		}
		if e.Rating == 0 {
			e.Rating = baseline
		}
		r.entries[e.Name] = &e
	}
	return r
}

// Hydrate overwrites ratings and counters with persisted values. Entries not
// yet known are added.
func (r *Roster) Hydrate(saved []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range saved {
		if s.Name == "" {
			continue
		}
		if cur, ok := r.entries[s.Name]; ok {
			provider := cur.Provider
			*cur = s
			if cur.Provider == "" {
				cur.Provider = provider
			}
			continue
		}
		r.entries[s.Name] = &s
	}
}

// Len returns the number of entries.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns a copy of the named entry.
func (r *Roster) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pick returns two distinct entries chosen uniformly at random.
func (r *Roster) Pick() (Entry, Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) < 2 {
		return Entry{}, Entry{}, ErrNotEnoughEntries
	}
	names := r.sortedNames()
	i := r.intn(len(names))
	j := r.intn(len(names) - 1)
	if j >= i {
		j++
	}
	return *r.entries[names[i]], *r.entries[names[j]], nil
}

// sortedNames gives Pick a stable order independent of map iteration.
// Caller holds r.mu.
func (r *Roster) sortedNames() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply records a result: both ratings move by the ELO update and the win,
// loss and battle counters advance. Both entries change together.
func (r *Roster) Apply(winner, loser string, kFactor int) (rating.Update, Entry, Entry, error) {
	if winner == loser {
		return rating.Update{}, Entry{}, Entry{}, fmt.Errorf("battle: %q cannot play itself", winner)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.entries[winner]
	if !ok {
		return rating.Update{}, Entry{}, Entry{}, fmt.Errorf("%w: %q", ErrUnknownEntry, winner)
	}
	l, ok := r.entries[loser]
	if !ok {
		return rating.Update{}, Entry{}, Entry{}, fmt.Errorf("%w: %q", ErrUnknownEntry, loser)
	}

	upd := rating.UpdateRatings(w.Rating, l.Rating, kFactor)
	w.Rating = upd.Winner
	l.Rating = upd.Loser
	w.Wins++
	l.Losses++
	w.Battles++
	l.Battles++

	return upd, *w, *l, nil
}

// Standing is an entry with its leaderboard position.
type Standing struct {
	Entry
	Rank    int     `json:"rank"`
	WinRate float64 `json:"winRate"` // percent, one decimal
}

// Leaderboard returns every entry ordered by rating, highest first. Equal
// ratings are ordered by name.
func (r *Roster) Leaderboard() []Standing {
	r.mu.RLock()
	out := make([]Standing, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Standing{Entry: *e})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Name < out[j].Name
	})
	for i := range out {
		out[i].Rank = i + 1
		if out[i].Battles > 0 {
			pct := float64(out[i].Wins) / float64(out[i].Battles) * 100
			out[i].WinRate = float64(int(pct*10+0.5)) / 10
		}
	}
	return out
}

// Entries returns a copy of every entry, sorted by name.
func (r *Roster) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, name := range r.sortedNames() {
		out = append(out, *r.entries[name])
	}
	return out
}
