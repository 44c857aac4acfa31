// Package rating implements the logistic ELO update used to adjust entry
// ratings after every battle.
//
// The engine is a pure function: no I/O, no shared state, identical output for
// identical input. Callers that want a rating floor clamp at the call site.
package rating

import "math"

const (
	// DefaultKFactor is the maximum rating swing for a single match.
	DefaultKFactor = 32

	// DefaultBaseline is the rating a brand new entry starts from.
	DefaultBaseline = 1500

	// scale is the rating difference at which the favourite is expected to
	// win ten times as often as the underdog.
	scale = 400.0
)

// Update is the result of a single match: the new ratings of both sides and
// the winner's signed change.
type Update struct {
	Winner int `json:"winner"`
	Loser  int `json:"loser"`
	Delta  int `json:"delta"`
}

// LoserDelta returns the loser's signed change.
func (u Update) LoserDelta(oldLoser int) int {
	return u.Loser - oldLoser
}

// Expected returns the probability that a player rated a beats a player
// rated b.
func Expected(a, b int) float64 {
	// Work in float64 from the start so extreme integer inputs cannot overflow
	// the subtraction.
	diff := (float64(b) - float64(a)) / scale
	e := 1 / (1 + math.Pow(10, diff))
	if math.IsNaN(e) {
		return 0.5
	}
	return e
}

// UpdateRatings computes the paired update for a decisive match.
// kFactor <= 0 falls back to DefaultKFactor.
func UpdateRatings(winner, loser, kFactor int) Update {
	if kFactor <= 0 {
		kFactor = DefaultKFactor
	}
	k := float64(kFactor)

	expectedWinner := Expected(winner, loser)
	expectedLoser := 1 - expectedWinner

	// Round the change rather than the new rating so that an even match moves
	// both sides by exactly the same amount, including for odd K.
	newWinner := winner + int(math.Round(k*(1-expectedWinner)))
	newLoser := loser + int(math.Round(k*(0-expectedLoser)))

	return Update{
		Winner: newWinner,
		Loser:  newLoser,
		Delta:  newWinner - winner,
	}
}
