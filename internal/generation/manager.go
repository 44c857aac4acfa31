package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/reBalance888/tunearena/internal/observability"
)

// RetryConfig bounds how long a rate-limited request is retried.
type RetryConfig struct {
	MaxRetries        int           // retries after the first attempt
	DefaultRetryAfter time.Duration // used when the provider gives no hint
	MaxRetryAfter     time.Duration // cap on any single wait
}

// DefaultRetryConfig returns production defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		DefaultRetryAfter: 60 * time.Second,
		MaxRetryAfter:     2 * time.Minute,
	}
}

// Manager generates tracks through registered providers, memoizing results
// and collapsing identical in-flight requests.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider

	cache *Cache
	group singleflight.Group
	retry RetryConfig
	log   zerolog.Logger

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager backed by cache.
func NewManager(cache *Cache, retry RetryConfig, log zerolog.Logger) *Manager {
	if cache == nil {
		cache = NewCache(DefaultCacheTTL)
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &Manager{
		providers: make(map[string]Provider),
		cache:     cache,
		retry:     retry,
		log:       log,
		sleep:     sleepCtx,
	}
}

// Register adds or replaces a provider under its Name.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	m.providers[p.Name()] = p
	m.mu.Unlock()
}

// SetFallback installs the provider used for names with no registered
// backend. nil disables the fallback.
func (m *Manager) SetFallback(p Provider) {
	m.mu.Lock()
	m.fallback = p
	m.mu.Unlock()
}

// Cache returns the underlying cache.
func (m *Manager) Cache() *Cache { return m.cache }

func (m *Manager) provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// Generate returns a track for req, from cache when possible.
func (m *Manager) Generate(ctx context.Context, req Request) (Track, error) {
	req = req.Normalize()
	key := req.Key()

	if track, ok := m.cache.Get(key); ok {
		m.log.Debug().Str("provider", req.Provider).Str("prompt", req.Prompt).Msg("cache hit")
		return track, nil
	}

	p, err := m.provider(req.Provider)
	if err != nil {
		return Track{}, err
	}

	m.log.Debug().Str("provider", req.Provider).Str("prompt", req.Prompt).Msg("cache miss")

	ch := m.group.DoChan(key, func() (interface{}, error) {
		track, err := m.generateWithRetry(ctx, p, req)
		if err != nil {
			return Track{}, err
		}
		if track.URL == "" {
			return Track{}, fmt.Errorf("%s: %w", p.Name(), ErrNoAudio)
		}
		m.cache.Put(key, track)
		return track, nil
	})

	select {
	case <-ctx.Done():
		return Track{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Track{}, res.Err
		}
		return res.Val.(Track), nil
	}
}

func (m *Manager) generateWithRetry(ctx context.Context, p Provider, req Request) (Track, error) {
	for attempt := 0; ; attempt++ {
		track, err := p.Generate(ctx, req)
		if err == nil {
			observability.RecordProviderRequest(req.Provider, "ok")
			return track, nil
		}

		if errors.Is(err, ErrNotConfigured) {
			observability.RecordProviderRequest(req.Provider, "not_configured")
			return Track{}, err
		}

		rl, limited := IsRateLimited(err)
		if !limited {
			observability.RecordProviderRequest(req.Provider, "error")
			return Track{}, fmt.Errorf("generate %s: %w", req.Provider, err)
		}

		observability.RecordProviderRequest(req.Provider, "rate_limited")
		if attempt >= m.retry.MaxRetries {
			return Track{}, fmt.Errorf("generate %s: gave up after %d retries: %w", req.Provider, attempt, err)
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = m.retry.DefaultRetryAfter
		}
		if m.retry.MaxRetryAfter > 0 && wait > m.retry.MaxRetryAfter {
			wait = m.retry.MaxRetryAfter
		}

		m.log.Warn().
			Str("provider", req.Provider).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("rate limited, backing off")

		if err := m.sleep(ctx, wait); err != nil {
			return Track{}, err
		}
	}
}

// TotalUsage aggregates usage across providers.
type TotalUsage struct {
	TotalRequests int64            `json:"totalRequests"`
	TotalCost     float64          `json:"totalCost"`
	ByProvider    map[string]Usage `json:"byModel"`
}

// Usage returns the combined API usage of every registered provider.
func (m *Manager) Usage() TotalUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := TotalUsage{ByProvider: make(map[string]Usage, len(m.providers)+1)}
	add := func(p Provider) {
		u := p.Usage()
		total.TotalRequests += u.TotalRequests
		total.TotalCost += u.TotalCost
		total.ByProvider[p.Name()] = u
	}
	for _, p := range m.providers {
		add(p)
	}
	if m.fallback != nil {
		if _, dup := m.providers[m.fallback.Name()]; !dup {
			add(m.fallback)
		}
	}
	return total
}

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
