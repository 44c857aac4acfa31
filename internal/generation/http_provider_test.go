package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPProviderGenerate(t *testing.T) {
	var gotAuth string
	var gotBody generateBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(trackBody{
			ID:       "abc",
			AudioURL: "https://cdn.example/abc.mp3",
			Duration: 30,
			Cost:     0.25,
		})
	}))
	defer srv.Close()

	p := NewSuno("secret", srv.URL, 0)
	track, err := p.Generate(context.Background(), Request{Provider: "Suno", Prompt: "Chill Lofi Hip Hop", Instrumental: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Prompt != "Chill Lofi Hip Hop" || gotBody.Duration != 30 || !gotBody.Instrumental {
		t.Errorf("request body = %+v", gotBody)
	}
	if track.ID != "abc" || track.URL != "https://cdn.example/abc.mp3" || track.Provider != "Suno" {
		t.Errorf("track = %+v", track)
	}

	usage := p.Usage()
	if usage.TotalRequests != 1 || usage.TotalCost != 0.25 {
		t.Errorf("usage = %+v, want 1 request costing 0.25", usage)
	}
}

func TestHTTPProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewUdio("secret", srv.URL, 0)
	_, err := p.Generate(context.Background(), Request{Prompt: "x"})

	rl, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.Provider != "Udio" || rl.RetryAfter != 7*time.Second {
		t.Errorf("RateLimitError = %+v", rl)
	}
	if p.Usage().TotalRequests != 0 {
		t.Error("rate-limited request must not count as usage")
	}
}

func TestHTTPProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(errorBody{Message: "upstream down"})
	}))
	defer srv.Close()

	p := NewSuno("secret", srv.URL, 0)
	_, err := p.Generate(context.Background(), Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRateLimited(err); ok {
		t.Errorf("err = %v must not be a rate limit", err)
	}
}

func TestHTTPProviderNotConfigured(t *testing.T) {
	p := NewSuno("", "", 0)

	if _, err := p.Generate(context.Background(), Request{Prompt: "x"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Generate err = %v, want ErrNotConfigured", err)
	}
	if _, err := p.CheckStatus(context.Background(), "id"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("CheckStatus err = %v, want ErrNotConfigured", err)
	}
}

func TestHTTPProviderCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status/done":
			json.NewEncoder(w).Encode(trackBody{Status: "completed", AudioURL: "https://cdn.example/done.mp3", Duration: 30})
		case "/status/busy":
			json.NewEncoder(w).Encode(trackBody{Status: "processing"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewSuno("secret", srv.URL, 0)

	done, err := p.CheckStatus(context.Background(), "done")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if done.Status != StatusCompleted || done.Track == nil || done.Track.ID != "done" {
		t.Errorf("done = %+v", done)
	}

	busy, err := p.CheckStatus(context.Background(), "busy")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if busy.Status != StatusProcessing || busy.Track != nil {
		t.Errorf("busy = %+v", busy)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func newPollingProvider(url string) *HTTPProvider {
	return NewHTTPProvider(HTTPConfig{
		Name:         "Suno",
		BaseURL:      url,
		APIKey:       "secret",
		CostPerTrack: 0.1,
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	})
}

func TestHTTPProviderGenerateWaitsForJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/generate":
			json.NewEncoder(w).Encode(trackBody{ID: "job-1", Status: "pending"})
		case r.URL.Path == "/status/job-1":
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(trackBody{ID: "job-1", Status: "processing"})
				return
			}
			json.NewEncoder(w).Encode(trackBody{ID: "job-1", Status: "completed", AudioURL: "https://cdn.example/job-1.mp3", Duration: 30})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	track, err := newPollingProvider(srv.URL).Generate(context.Background(), Request{Provider: "Suno", Prompt: "Lo-fi Rain"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if track.ID != "job-1" || track.URL != "https://cdn.example/job-1.mp3" || track.Prompt != "Lo-fi Rain" {
		t.Errorf("track = %+v", track)
	}
	if n := polls.Load(); n != 3 {
		t.Errorf("status polls = %d, want 3", n)
	}
}

func TestHTTPProviderGenerateUnfinishedJob(t *testing.T) {
	tests := []struct {
		name    string
		create  trackBody
		status  trackBody
		timeout time.Duration
		wantErr error
	}{
		{
			name:   "job fails",
			create: trackBody{ID: "job-2", Status: "pending"},
			status: trackBody{ID: "job-2", Status: "failed", Error: "content policy"},
		},
		{
			name:    "job never finishes",
			create:  trackBody{ID: "job-3", Status: "pending"},
			status:  trackBody{ID: "job-3", Status: "processing"},
			timeout: 20 * time.Millisecond,
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "completed without audio",
			create:  trackBody{ID: "job-4", Status: "pending"},
			status:  trackBody{ID: "job-4", Status: "completed"},
			wantErr: ErrNoAudio,
		},
		{
			name:    "no job id and no audio",
			create:  trackBody{},
			wantErr: ErrNoAudio,
		},
		{
			name:   "rejected on submit",
			create: trackBody{ID: "job-5", Status: "failed", Error: "bad prompt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					json.NewEncoder(w).Encode(tt.create)
					return
				}
				json.NewEncoder(w).Encode(tt.status)
			}))
			defer srv.Close()

			p := newPollingProvider(srv.URL)
			if tt.timeout > 0 {
				p.cfg.PollTimeout = tt.timeout
			}
			track, err := p.Generate(context.Background(), Request{Provider: "Suno", Prompt: "p"})
			if err == nil {
				t.Fatalf("Generate = %+v, want error", track)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
