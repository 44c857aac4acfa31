package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-voter or per-prompt labels)
var (
	battlesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_battles_started_total",
		Help: "Battles created by the scheduler",
	})

	battlesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_battles_settled_total",
		Help: "Battles that reached the settled phase",
	})

	battlesAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_battles_aborted_total",
		Help: "Battles abandoned before settling",
	}, []string{"phase"}) // Bounded: phase names

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_phase_duration_seconds",
		Help:    "Time spent in each battle phase",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"phase"})

	votesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_votes_accepted_total",
		Help: "Votes admitted by the ledger",
	})

	votesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_votes_rejected_total",
		Help: "Votes rejected by the ledger",
	}, []string{"reason"}) // Bounded: ledger rejection reasons

	observersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_observers_active",
		Help: "Currently subscribed observers",
	})

	broadcastSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_broadcast_messages_total",
		Help: "Messages queued to observers",
	})

	broadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_broadcast_dropped_total",
		Help: "Messages skipped because an observer was slow or closed",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_generation_cache_lookups_total",
		Help: "Generation cache lookups",
	}, []string{"result"}) // Bounded: "hit", "miss", "expired"

	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_provider_requests_total",
		Help: "Track generation requests sent to providers",
	}, []string{"provider", "outcome"}) // provider set is fixed by config

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"
)

// RecordBattleStarted counts a newly created battle
func RecordBattleStarted() { battlesStarted.Inc() }

// RecordBattleSettled counts a battle that completed its lifecycle
func RecordBattleSettled() { battlesSettled.Inc() }

// RecordBattleAborted counts a battle abandoned in the given phase
func RecordBattleAborted(phase string) { battlesAborted.WithLabelValues(phase).Inc() }

// RecordPhase observes how long a battle stayed in a phase
func RecordPhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordVoteAccepted counts an admitted vote
func RecordVoteAccepted() { votesAccepted.Inc() }

// RecordVoteRejected counts a rejected vote by reason
func RecordVoteRejected(reason string) { votesRejected.WithLabelValues(reason).Inc() }

// UpdateObservers sets the observer gauge
func UpdateObservers(count int) { observersActive.Set(float64(count)) }

// RecordBroadcast counts queued and dropped deliveries for one publish
func RecordBroadcast(sent, dropped int) {
	broadcastSent.Add(float64(sent))
	broadcastDropped.Add(float64(dropped))
}

// RecordCacheLookup counts a cache lookup; result is "hit", "miss" or "expired"
func RecordCacheLookup(result string) { cacheLookups.WithLabelValues(result).Inc() }

// RecordProviderRequest counts one provider call by outcome
func RecordProviderRequest(provider, outcome string) {
	providerRequests.WithLabelValues(provider, outcome).Inc()
}

// RecordConnectionRejected increments the rejection counter
func RecordConnectionRejected(reason string) { connectionRejected.WithLabelValues(reason).Inc() }

// Handler exposes the default registry for scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
