package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/api"
	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/generation"
	"github.com/reBalance888/tunearena/internal/ledger"
	"github.com/reBalance888/tunearena/internal/store"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeBattles struct {
	cur   *battle.Battle
	stats events.Stats
}

func (f *fakeBattles) Current() *battle.Battle { return f.cur }
func (f *fakeBattles) Stats() events.Stats     { return f.stats }

type fixture struct {
	battles *fakeBattles
	ledger  *ledger.Ledger
	roster  *battle.Roster
	history *store.Memory
	judge   *battle.External
	ts      *httptest.Server
}

// newFixture serves battle #7 (Suno vs Udio) with voting open.
func newFixture(t *testing.T, mutate func(*api.RouterConfig)) *fixture {
	t.Helper()
	f := &fixture{
		battles: &fakeBattles{stats: events.Stats{TotalBattles: 254, LiveViewers: 3, TotalVotes: 12, PrizePool: 500}},
		ledger:  ledger.New(),
		roster:  battle.NewRoster(battle.DefaultEntries(), 1500),
		history: store.NewMemory(),
	}
	fallback, _ := battle.NewMajority(battle.TieEntryA)
	f.judge = battle.NewExternal(fallback)

	f.battles.cur = battle.New(7, "Heavy Metal Guitar Riff",
		battle.Contender{Entry: "Suno", Rating: 1542},
		battle.Contender{Entry: "Udio", Rating: 1489}, nil)
	f.ledger.Register(7)
	if err := f.ledger.Open(7); err != nil {
		t.Fatal(err)
	}

	cfg := api.RouterConfig{
		Battles:   f.battles,
		Ledger:    f.ledger,
		Standings: f.roster,
		History:   f.history,
		Judge:     f.judge,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1000, // High limit for tests
			Burst:             1000,
			CleanupInterval:   time.Hour,
		},
		DisableLogging: true,
		Log:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.ts = httptest.NewServer(api.NewRouter(cfg))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, f.ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// ============================================================================
// Router Purity
// ============================================================================

func TestNewRouterHasNoSideEffects(t *testing.T) {
	limiter := api.NewIPRateLimiter(api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, CleanupInterval: time.Hour})
	defer limiter.Stop()

	router := api.NewRouter(api.RouterConfig{
		Battles:     &fakeBattles{},
		Ledger:      ledger.New(),
		Standings:   battle.NewRoster(battle.DefaultEntries(), 1500),
		RateLimiter: limiter,
		Log:         zerolog.Nop(),
	})
	if router == nil {
		t.Fatal("Router should not be nil")
	}
}

// ============================================================================
// Battles
// ============================================================================

func TestAPICurrentBattle(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.Place(context.Background(), 7, "alice", ledger.ChoiceB, 0)

	resp, body := f.do(t, "GET", "/api/battles/current", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	b := body["battle"].(map[string]any)
	if b["battleNumber"].(float64) != 7 || b["phase"] != "created" {
		t.Errorf("battle = %v", b)
	}
	trackB := b["trackB"].(map[string]any)
	if trackB["name"] != "Udio" || trackB["votes"].(float64) != 1 {
		t.Errorf("trackB = %v", trackB)
	}

	f.battles.cur = nil
	resp, _ = f.do(t, "GET", "/api/battles/current", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("no battle status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIListBattles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for n := int64(1); n <= 15; n++ {
		f.history.CreateBattle(ctx, battle.Record{Number: n, EntryA: "Suno", EntryB: "Udio"})
	}

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"default limit", "", http.StatusOK, 10},
		{"explicit limit", "?limit=3", http.StatusOK, 3},
		{"limit above history", "?limit=50", http.StatusOK, 15},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
		{"garbage limit", "?limit=ten", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "GET", "/api/battles"+tt.query, nil, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			list := body["battles"].([]any)
			if len(list) != tt.count {
				t.Errorf("count = %d, want %d", len(list), tt.count)
			}
			if first := list[0].(map[string]any); first["battleNumber"].(float64) != 15 {
				t.Errorf("first = %v, want newest", first)
			}
		})
	}
}

func TestAPIListBattlesWithoutHistory(t *testing.T) {
	f := newFixture(t, func(c *api.RouterConfig) { c.History = nil })

	resp, body := f.do(t, "GET", "/api/battles", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if list := body["battles"].([]any); len(list) != 1 {
		t.Errorf("battles = %v, want only the current one", list)
	}
}

// ============================================================================
// Votes
// ============================================================================

func TestAPIPlaceVote(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.Register(8)
	f.ledger.Register(6)
	f.ledger.Open(6)
	f.ledger.Close(6)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"accepted", map[string]any{"battleNumber": 7, "voter": "alice", "choice": "A"}, http.StatusCreated},
		{"duplicate", map[string]any{"battleNumber": 7, "voter": "alice", "choice": "B"}, http.StatusConflict},
		{"current battle by default", map[string]any{"voter": "bob", "choice": "Track B", "stake": 250}, http.StatusCreated},
		{"wallet and bet aliases", map[string]any{"battleNumber": 7, "userWallet": "0xabc", "choice": "a", "betAmount": 100}, http.StatusCreated},
		{"revealed battle", map[string]any{"battleNumber": 6, "voter": "alice", "choice": "A"}, http.StatusConflict},
		{"not yet open", map[string]any{"battleNumber": 8, "voter": "alice", "choice": "A"}, http.StatusConflict},
		{"unknown battle", map[string]any{"battleNumber": 99, "voter": "alice", "choice": "A"}, http.StatusNotFound},
		{"bad choice", map[string]any{"battleNumber": 7, "voter": "carol", "choice": "C"}, http.StatusBadRequest},
		{"missing voter", map[string]any{"battleNumber": 7, "choice": "A"}, http.StatusBadRequest},
		{"negative stake", map[string]any{"battleNumber": 7, "voter": "dave", "choice": "A", "stake": -5}, http.StatusBadRequest},
		{"malformed json", "{not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", "/api/votes", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.status, body)
			}
		})
	}

	tally, _ := f.ledger.Tally(7)
	if tally.A != 2 || tally.B != 1 || tally.Volume() != 350 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestAPIListVotes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.Place(ctx, 7, "alice", ledger.ChoiceA, 0)
	f.ledger.Place(ctx, 7, "bob", ledger.ChoiceB, 0)
	f.history.UpsertVote(ctx, ledger.Vote{ID: "old", BattleNumber: 3, Voter: "carol", Choice: ledger.ChoiceA})

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"live battle", "?battle=7", http.StatusOK, 2},
		{"legacy parameter", "?battleId=7", http.StatusOK, 2},
		{"from history", "?battle=3", http.StatusOK, 1},
		{"unknown battle", "?battle=42", http.StatusOK, 0},
		{"missing parameter", "", http.StatusBadRequest, 0},
		{"non numeric", "?battle=seven", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "GET", "/api/votes"+tt.query, nil, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status == http.StatusOK {
				if votes := body["votes"].([]any); len(votes) != tt.count {
					t.Errorf("votes = %d, want %d", len(votes), tt.count)
				}
			}
		})
	}
}

// ============================================================================
// Leaderboard, stats, generation
// ============================================================================

func TestAPIModels(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/models", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	models := body["models"].([]any)
	if len(models) != 8 {
		t.Fatalf("models = %d, want 8", len(models))
	}
	top := models[0].(map[string]any)
	if top["name"] != "Suno" || top["rank"].(float64) != 1 || top["elo"].(float64) != 1542 {
		t.Errorf("top = %v", top)
	}
}

func TestAPIStats(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/api/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["totalBattles"].(float64) != 254 || body["prizePool"].(float64) != 500 {
		t.Errorf("stats = %v", body)
	}
}

func TestAPIGenerationUsage(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, "GET", "/api/generation/usage", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("without generation status = %d, want 404", resp.StatusCode)
	}

	mgr := generation.NewManager(generation.NewCache(time.Hour), generation.DefaultRetryConfig(), zerolog.Nop())
	mgr.Register(generation.NewSimulated("Suno", 0))
	mgr.Generate(context.Background(), generation.Request{Provider: "Suno", Prompt: "p"})
	mgr.Generate(context.Background(), generation.Request{Provider: "Suno", Prompt: "p"})

	f = newFixture(t, func(c *api.RouterConfig) { c.Generation = mgr })
	resp, body := f.do(t, "GET", "/api/generation/usage", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	usage := body["usage"].(map[string]any)
	cache := body["cache"].(map[string]any)
	if usage["totalRequests"].(float64) != 1 || cache["hits"].(float64) != 1 {
		t.Errorf("usage = %v cache = %v", usage, cache)
	}
}

// ============================================================================
// External winner
// ============================================================================

func TestAPISubmitWinner(t *testing.T) {
	const token = "s3cret"
	f := newFixture(t, func(c *api.RouterConfig) { c.AdminToken = token })
	auth := map[string]string{"Authorization": "Bearer " + token}

	tests := []struct {
		name   string
		path   string
		body   any
		header map[string]string
		status int
	}{
		{"no token", "/api/battles/7/winner", map[string]string{"winner": "B"}, nil, http.StatusUnauthorized},
		{"wrong token", "/api/battles/7/winner", map[string]string{"winner": "B"}, map[string]string{api.AdminHeader: "guess"}, http.StatusUnauthorized},
		{"bad number", "/api/battles/x/winner", map[string]string{"winner": "B"}, auth, http.StatusBadRequest},
		{"bad winner", "/api/battles/7/winner", map[string]string{"winner": "C"}, auth, http.StatusBadRequest},
		{"past battle", "/api/battles/6/winner", map[string]string{"winner": "A"}, auth, http.StatusConflict},
		{"by entry name", "/api/battles/7/winner", map[string]string{"winner": "udio"}, auth, http.StatusAccepted},
		{"by side with header", "/api/battles/7/winner", map[string]string{"winner": "B"}, map[string]string{api.AdminHeader: token}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", tt.path, tt.body, tt.header)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.status, body)
			}
		})
	}

	got, _ := f.judge.Decide(context.Background(), f.battles.cur, ledger.Tally{A: 10})
	if got != ledger.ChoiceB {
		t.Errorf("submitted winner = %q, want B", got)
	}
}

func TestAPISubmitWinnerDisabled(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, "POST", "/api/battles/7/winner", map[string]string{"winner": "A"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("without admin token status = %d, want 403", resp.StatusCode)
	}

	f = newFixture(t, func(c *api.RouterConfig) {
		c.AdminToken = "t"
		c.Judge = nil
	})
	resp, _ = f.do(t, "POST", "/api/battles/7/winner", map[string]string{"winner": "A"}, map[string]string{api.AdminHeader: "t"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("without external policy status = %d, want 409", resp.StatusCode)
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestAPIRateLimit(t *testing.T) {
	f := newFixture(t, func(c *api.RouterConfig) {
		c.RateLimitConfig = &api.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2, CleanupInterval: time.Hour}
	})

	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, "GET", "/api/stats", nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp, _ := f.do(t, "GET", "/api/stats", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(c *api.RouterConfig) {
		c.CORSOrigins = []string{"https://*.tunearena.example"}
	})

	tests := []struct {
		origin string
		allow  bool
	}{
		{"https://live.tunearena.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest("OPTIONS", f.ts.URL+"/api/votes", nil)
		req.Header.Set("Origin", tt.origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		got := resp.Header.Get("Access-Control-Allow-Origin")
		if (got == tt.origin) != tt.allow {
			t.Errorf("origin %s: Access-Control-Allow-Origin = %q", tt.origin, got)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.EqualFold(body["status"].(string), "ok") {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}
