package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	RequestsPerMinute int     // 0 disables client-side throttling
	CostPerTrack      float64 // estimated USD per generation
	Timeout           time.Duration
	PollInterval      time.Duration // between status checks for an unfinished job
	PollTimeout       time.Duration // how long to wait for a job to finish
}

// HTTPProvider talks to a JSON music generation API:
// POST {base}/generate and GET {base}/status/{id}, bearer authenticated.
type HTTPProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	usageMeter
}

// NewHTTPProvider creates a provider. A missing API key is not an error here;
// every call reports ErrNotConfigured instead.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// NewSuno returns the Suno client.
func NewSuno(apiKey, baseURL string, rpm int) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.suno.ai/v1"
	}
	return NewHTTPProvider(HTTPConfig{
		Name:              "Suno",
		BaseURL:           baseURL,
		APIKey:            apiKey,
		RequestsPerMinute: rpm,
		CostPerTrack:      0.10,
	})
}

// NewUdio returns the Udio client.
func NewUdio(apiKey, baseURL string, rpm int) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.udio.com/v1"
	}
	return NewHTTPProvider(HTTPConfig{
		Name:              "Udio",
		BaseURL:           baseURL,
		APIKey:            apiKey,
		RequestsPerMinute: rpm,
		CostPerTrack:      0.08,
	})
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Configured reports whether the provider has credentials.
func (p *HTTPProvider) Configured() bool { return p.cfg.APIKey != "" }

type generateBody struct {
	Prompt       string `json:"prompt"`
	Duration     int    `json:"duration"`
	Style        string `json:"style,omitempty"`
	Instrumental bool   `json:"instrumental"`
}

type trackBody struct {
	ID        string    `json:"id"`
	Status    string    `json:"status,omitempty"`
	AudioURL  string    `json:"audio_url"`
	Duration  int       `json:"duration"`
	Prompt    string    `json:"prompt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Cost      float64   `json:"cost,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Track, error) {
	if !p.Configured() {
		return Track{}, fmt.Errorf("%s: %w", p.cfg.Name, ErrNotConfigured)
	}
	req = req.Normalize()

	payload, err := json.Marshal(generateBody{
		Prompt:       req.Prompt,
		Duration:     req.Duration,
		Style:        req.Style,
		Instrumental: req.Instrumental,
	})
	if err != nil {
		return Track{}, err
	}

	var body trackBody
	if err := p.do(ctx, http.MethodPost, "/generate", bytes.NewReader(payload), &body); err != nil {
		return Track{}, err
	}

	cost := body.Cost
	if cost == 0 {
		cost = p.cfg.CostPerTrack
	}
	p.record(cost)

	track := p.toTrack(body, req.Prompt)
	if Status(body.Status) == StatusFailed {
		return Track{}, fmt.Errorf("%s: job %s failed: %s", p.cfg.Name, body.ID, body.Error)
	}
	if track.URL == "" || (body.Status != "" && Status(body.Status) != StatusCompleted) {
		done, err := p.await(ctx, body.ID)
		if err != nil {
			return Track{}, err
		}
		track = done
		track.Prompt = req.Prompt
	}
	track.Cost = cost
	if track.Duration == 0 {
		track.Duration = req.Duration
	}
	return track, nil
}

// await polls the status endpoint until job id completes, fails, or
// PollTimeout passes.
func (p *HTTPProvider) await(ctx context.Context, id string) (Track, error) {
	if id == "" {
		return Track{}, fmt.Errorf("%s: %w", p.cfg.Name, ErrNoAudio)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Track{}, fmt.Errorf("%s: job %s not ready: %w", p.cfg.Name, id, ctx.Err())
		case <-ticker.C:
		}

		st, err := p.CheckStatus(ctx, id)
		if err != nil {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				continue
			}
			if ctx.Err() != nil {
				return Track{}, fmt.Errorf("%s: job %s not ready: %w", p.cfg.Name, id, ctx.Err())
			}
			return Track{}, err
		}

		switch st.Status {
		case StatusCompleted:
			if st.Track == nil || st.Track.URL == "" {
				return Track{}, fmt.Errorf("%s: job %s: %w", p.cfg.Name, id, ErrNoAudio)
			}
			return *st.Track, nil
		case StatusFailed:
			return Track{}, fmt.Errorf("%s: job %s failed: %s", p.cfg.Name, id, st.Error)
		}
	}
}

func (p *HTTPProvider) CheckStatus(ctx context.Context, id string) (JobStatus, error) {
	if !p.Configured() {
		return JobStatus{}, fmt.Errorf("%s: %w", p.cfg.Name, ErrNotConfigured)
	}

	var body trackBody
	if err := p.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &body); err != nil {
		return JobStatus{Status: StatusFailed, Error: err.Error()}, err
	}

	status := JobStatus{Status: Status(body.Status), Error: body.Error}
	if status.Status == "" {
		status.Status = StatusPending
	}
	if status.Status == StatusCompleted {
		if body.ID == "" {
			body.ID = id
		}
		track := p.toTrack(body, body.Prompt)
		status.Track = &track
	}
	return status, nil
}

func (p *HTTPProvider) Usage() Usage { return p.snapshot() }

func (p *HTTPProvider) toTrack(body trackBody, prompt string) Track {
	created := body.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Track{
		ID:        body.ID,
		URL:       body.AudioURL,
		Duration:  body.Duration,
		Prompt:    prompt,
		Provider:  p.cfg.Name,
		CreatedAt: created,
		Cost:      body.Cost,
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return &RateLimitError{
			Provider:   p.cfg.Name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorBody
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s: status %d: %s", p.cfg.Name, resp.StatusCode, e.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p.cfg.Name, err)
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
