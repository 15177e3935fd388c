package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schedulezero/schedulezero/internal/health"
)

var (
	// Scheduler loop metrics

	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "claims_total",
		Help:      "Claim attempts on due schedules, by outcome.",
	}, []string{"outcome"})

	LoopWakeupsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "loop_wakeups_total",
		Help:      "Times the scheduler loop woke up to look for due schedules.",
	})

	MisfiresSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "misfires_skipped_total",
		Help:      "Firings dropped because they were late beyond the misfire grace.",
	})

	// Dispatcher metrics

	FiringsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "firings_total",
		Help:      "Firings driven to a terminal record, by status.",
	}, []string{"status"})

	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "retries_total",
		Help:      "Attempt retries scheduled after retryable failures.",
	})

	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schedulezero",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of one attempt including the remote call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	DispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulezero",
		Name:      "dispatch_in_flight",
		Help:      "Worker slots currently executing a firing.",
	})

	// Registry, execution log, bus

	HandlersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulezero",
		Name:      "handlers_connected",
		Help:      "Registered handlers currently considered reachable.",
	})

	RingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulezero",
		Name:      "execution_ring_records",
		Help:      "Execution records currently held in the ring.",
	})

	BusEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "bus_events_total",
		Help:      "Bus events, by direction.",
	}, []string{"direction"})

	LeaderState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulezero",
		Name:      "leader_state",
		Help:      "1 when this instance is the claim leader, 0 otherwise.",
	})

	// Lifecycle

	ServerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulezero",
		Name:      "server_start_time_seconds",
		Help:      "Unix timestamp when the server started.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schedulezero",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulezero",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		ClaimsTotal,
		LoopWakeupsTotal,
		MisfiresSkippedTotal,
		FiringsTotal,
		RetriesTotal,
		DispatchDuration,
		DispatchInFlight,
		HandlersConnected,
		RingRecords,
		BusEventsTotal,
		LeaderState,
		ServerStartTime,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer builds the operational listener: Prometheus metrics plus
// liveness and readiness probes.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()), http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		code := http.StatusOK
		if result.Status != "up" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, result, code)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(result)
}
