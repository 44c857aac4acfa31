// Package generation produces the competing tracks for a battle.
//
// Providers are composed by capability, not by inheritance: every backend
// implements Provider on its own and the Manager layers caching, request
// collapsing and rate-limit retries on top.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned when a provider has no credentials. It is a
// configuration error and is never retried.
var ErrNotConfigured = errors.New("generation: provider not configured")

// ErrUnknownProvider is returned for a provider name the manager does not know.
var ErrUnknownProvider = errors.New("generation: unknown provider")

// ErrNoAudio is returned when a job finished without a playable URL.
var ErrNoAudio = errors.New("generation: track has no audio")

// RateLimitError is returned when a provider asks the caller to slow down.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration // zero when the provider gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("generation: %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("generation: %s rate limited", e.Provider)
}

// IsRateLimited reports whether err is a rate-limit condition and returns it.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Request describes one track to generate.
type Request struct {
	Provider     string `json:"provider"`
	Prompt       string `json:"prompt"`
	Duration     int    `json:"duration"` // seconds, 0 means DefaultDuration
	Style        string `json:"style"`    // empty means "default"
	Instrumental bool   `json:"instrumental"`
}

// DefaultDuration is the track length used when a request leaves it unset.
const DefaultDuration = 30

// Normalize fills in defaulted fields so equal requests produce equal keys.
func (r Request) Normalize() Request {
	if r.Duration <= 0 {
		r.Duration = DefaultDuration
	}
	if r.Style == "" {
		r.Style = "default"
	}
	return r
}

// Key is the cache identity of a request:
// provider::prompt::duration::style::vocal|instrumental
func (r Request) Key() string {
	r = r.Normalize()
	voice := "vocal"
	if r.Instrumental {
		voice = "instrumental"
	}
	return strings.Join([]string{r.Provider, r.Prompt, strconv.Itoa(r.Duration), r.Style, voice}, "::")
}

// Track is a generated artifact reference.
type Track struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Duration  int       `json:"duration"`
	Prompt    string    `json:"prompt"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
	Cost      float64   `json:"cost,omitempty"` // USD
}

// Status of an asynchronous generation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// JobStatus is the result of CheckStatus.
type JobStatus struct {
	Status Status `json:"status"`
	Track  *Track `json:"track,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Usage is the running request and cost total for a provider.
type Usage struct {
	TotalRequests int64     `json:"totalRequests"`
	TotalCost     float64   `json:"totalCost"`
	LastRequest   time.Time `json:"lastRequest"`
}

// Provider is the capability every track generation backend implements.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Track, error)
	CheckStatus(ctx context.Context, id string) (JobStatus, error)
	Usage() Usage
}

// usageMeter is embedded by providers to track usage.
type usageMeter struct {
	mu    sync.Mutex
	usage Usage
}

func (m *usageMeter) record(cost float64) {
	m.mu.Lock()
	m.usage.TotalRequests++
	m.usage.TotalCost += cost
	m.usage.LastRequest = time.Now()
	m.mu.Unlock()
}

func (m *usageMeter) snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
