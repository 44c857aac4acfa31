package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SimulatedProvider returns synthetic track references after a fixed latency.
// It stands in for entries that have no live API.
type SimulatedProvider struct {
	name    string
	latency time.Duration
	baseURL string
	usageMeter
}

// NewSimulated creates a simulated provider named name.
func NewSimulated(name string, latency time.Duration) *SimulatedProvider {
	return &SimulatedProvider{
		name:    name,
		latency: latency,
		baseURL: "https://tracks.invalid/simulated",
	}
}

func (p *SimulatedProvider) Name() string { return p.name }

func (p *SimulatedProvider) Generate(ctx context.Context, req Request) (Track, error) {
	req = req.Normalize()
	if p.latency > 0 {
		if err := sleepCtx(ctx, p.latency); err != nil {
			return Track{}, err
		}
	}

	id := uuid.NewString()
	p.record(0)

	provider := req.Provider
	if provider == "" {
		provider = p.name
	}
	return Track{
		ID:        id,
		URL:       fmt.Sprintf("%s/%s.mp3", p.baseURL, id),
		Duration:  req.Duration,
		Prompt:    req.Prompt,
		Provider:  provider,
		CreatedAt: time.Now(),
	}, nil
}

// CheckStatus always reports completion; simulated jobs finish synchronously.
func (p *SimulatedProvider) CheckStatus(ctx context.Context, id string) (JobStatus, error) {
	return JobStatus{Status: StatusCompleted}, nil
}

func (p *SimulatedProvider) Usage() Usage { return p.snapshot() }
