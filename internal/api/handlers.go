package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/ledger"
	"github.com/reBalance888/tunearena/internal/store"
)

const (
	defaultBattleLimit = 10
	maxBattleLimit     = 100
	maxBodyBytes       = 4 << 10
)

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// currentView is the live battle with running vote counts.
type currentView struct {
	battle.View
	VotingOpen bool `json:"votingOpen"`
}

func (h *routerHandlers) handleCurrentBattle(w http.ResponseWriter, r *http.Request) {
	b := h.battles.Current()
	if b == nil {
		writeError(w, "no battle yet", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"battle": h.live(b)})
}

func (h *routerHandlers) live(b *battle.Battle) currentView {
	v := currentView{View: b.View(), VotingOpen: b.Phase() == battle.PhaseCollecting}
	if !v.Revealed {
		if t, err := h.ledger.Tally(b.Number); err == nil {
			v.TrackA.Votes = t.A
			v.TrackB.Votes = t.B
		}
	}
	return v
}

func (h *routerHandlers) handleListBattles(w http.ResponseWriter, r *http.Request) {
	limit := defaultBattleLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxBattleLimit)
	}

	if h.history == nil {
		out := []store.BattleRecord{}
		if b := h.battles.Current(); b != nil {
			out = append(out, recordFromView(b.View()))
		}
		writeJSON(w, map[string]any{"battles": out})
		return
	}

	battles, err := h.history.RecentBattles(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("list battles failed")
		writeError(w, "failed to fetch battles", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"battles": battles})
}

func recordFromView(v battle.View) store.BattleRecord {
	rec := store.BattleRecord{
		Number:    v.BattleNumber,
		Prompt:    v.Prompt,
		EntryA:    v.TrackA.Name,
		EntryB:    v.TrackB.Name,
		TrackAURL: v.TrackA.URL,
		TrackBURL: v.TrackB.URL,
		Winner:    v.Winner,
		Revealed:  v.Revealed,
		VotesA:    v.TrackA.Votes,
		VotesB:    v.TrackB.Votes,
		EloGain:   v.EloGain,
		CreatedAt: v.CreatedAt,
	}
	if v.Revealed {
		at := v.RevealedAt
		rec.RevealedAt = &at
	}
	return rec
}

type voteRequest struct {
	BattleNumber int64  `json:"battleNumber"`
	Voter        string `json:"voter"`
	UserWallet   string `json:"userWallet"`
	Choice       string `json:"choice"`
	Stake        int64  `json:"stake"`
	BetAmount    int64  `json:"betAmount"`
}

func (h *routerHandlers) handlePlaceVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}

	voter := req.Voter
	if voter == "" {
		voter = req.UserWallet
	}
	stake := req.Stake
	if stake == 0 {
		stake = req.BetAmount
	}
	choice, err := ledger.ParseChoice(req.Choice)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	number := req.BattleNumber
	if number == 0 {
		b := h.battles.Current()
		if b == nil {
			writeError(w, "no battle yet", http.StatusNotFound)
			return
		}
		number = b.Number
	}

	vote, err := h.ledger.Place(r.Context(), number, voter, choice, stake)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	tally, _ := h.ledger.Tally(number)
	writeJSONStatus(w, http.StatusCreated, map[string]any{"vote": vote, "tally": tally})
}

func (h *routerHandlers) handleListVotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s := q.Get("battle")
	if s == "" {
		s = q.Get("battleId")
	}
	if s == "" {
		writeError(w, "battle required", http.StatusBadRequest)
		return
	}
	number, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		writeError(w, "battle must be a number", http.StatusBadRequest)
		return
	}

	votes, err := h.ledger.Votes(number)
	if errors.Is(err, ledger.ErrBattleNotFound) && h.history != nil {
		votes, err = h.history.Votes(r.Context(), number)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if votes == nil {
		votes = []ledger.Vote{}
	}
	writeJSON(w, map[string]any{"votes": votes})
}

func (h *routerHandlers) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"models": h.standings.Leaderboard()})
}

func (h *routerHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.battles.Stats())
}

func (h *routerHandlers) handleGenerationUsage(w http.ResponseWriter, r *http.Request) {
	if h.generation == nil {
		writeError(w, "generation is not available", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"usage": h.generation.Usage(),
		"cache": h.generation.Cache().Stats(),
	})
}

func (h *routerHandlers) handleSubmitWinner(w http.ResponseWriter, r *http.Request) {
	if h.judge == nil {
		writeError(w, "winner policy is not external", http.StatusConflict)
		return
	}
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number <= 0 {
		writeError(w, "battle number must be a positive integer", http.StatusBadRequest)
		return
	}

	var req struct {
		Winner string `json:"winner"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}

	if cur := h.battles.Current(); cur != nil {
		if number < cur.Number || (number == cur.Number && cur.Phase() >= battle.PhaseRevealing) {
			writeError(w, ledger.ErrClosed.Error(), http.StatusConflict)
			return
		}
		if choice, ok := sideByName(cur, number, req.Winner); ok {
			req.Winner = string(choice)
		}
	}

	choice, err := ledger.ParseChoice(req.Winner)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.judge.Submit(number, choice); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	h.log.Info().Int64("battle", number).Str("winner", string(choice)).Msg("external result submitted")
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"battleNumber": number, "winner": choice})
}

// sideByName resolves an entry name to its side of the current battle.
func sideByName(b *battle.Battle, number int64, name string) (ledger.Choice, bool) {
	if b.Number != number || name == "" {
		return "", false
	}
	a, bb := b.Contenders()
	switch {
	case strings.EqualFold(name, a.Entry):
		return ledger.ChoiceA, true
	case strings.EqualFold(name, bb.Entry):
		return ledger.ChoiceB, true
	}
	return "", false
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBattleNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNotOpen), errors.Is(err, ledger.ErrClosed), errors.Is(err, ledger.ErrDuplicateVote):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidChoice), errors.Is(err, ledger.ErrInvalidVoter), errors.Is(err, ledger.ErrInvalidStake):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
