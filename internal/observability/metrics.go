package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amialive",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	heartbeatOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "heartbeat",
			Name:      "attempts_total",
			Help:      "Heartbeat submissions by outcome.",
		},
		[]string{"outcome"},
	)
	powVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "pow",
			Name:      "verifications_total",
			Help:      "Proof-of-work verifications by verdict.",
		},
		[]string{"verdict"},
	)
	bruteForceSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "ratelimit",
			Name:      "brute_force_suspected_total",
			Help:      "Times the global failure threshold was crossed.",
		},
	)
	storeHeals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "store",
			Name:      "self_heals_total",
			Help:      "Minority copies overwritten by the majority value.",
		},
	)
	livenessState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amialive",
			Subsystem: "liveness",
			Name:      "state",
			Help:      "Current heartbeat state (0=alive .. 4=memorial).",
		},
	)
	consensusRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Consensus rounds by event (opened, closed, resolved, split).",
		},
		[]string{"event"},
	)
	consensusVotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Votes cast by choice.",
		},
		[]string{"choice"},
	)
	notifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amialive",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Failed dispatches to external collaborators.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			heartbeatOutcomes,
			powVerdicts,
			bruteForceSignals,
			storeHeals,
			livenessState,
			consensusRounds,
			consensusVotes,
			notifyFailures,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordHeartbeat(outcome string) {
	RegisterMetrics()
	heartbeatOutcomes.WithLabelValues(outcome).Inc()
}

func RecordPoWVerdict(verdict string) {
	RegisterMetrics()
	powVerdicts.WithLabelValues(verdict).Inc()
}

func RecordBruteForceSuspected() {
	RegisterMetrics()
	bruteForceSignals.Inc()
}

func RecordStoreHeal() {
	RegisterMetrics()
	storeHeals.Inc()
}

func SetLivenessState(code int) {
	RegisterMetrics()
	livenessState.Set(float64(code))
}

// Consensus round events.
const (
	RoundOpened   = "opened"
	RoundClosed   = "closed"
	RoundResolved = "resolved"
	RoundSplit    = "split"
)

func RecordConsensusRound(event string) {
	RegisterMetrics()
	consensusRounds.WithLabelValues(event).Inc()
}

func RecordVote(choice string) {
	RegisterMetrics()
	consensusVotes.WithLabelValues(choice).Inc()
}

func RecordNotifyFailure(kind string) {
	RegisterMetrics()
	notifyFailures.WithLabelValues(kind).Inc()
}
