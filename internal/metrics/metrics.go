package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the square-off service. All
// helper methods are safe on a nil *Metrics.
type Metrics struct {
	// Exit scheduler
	ExitsScheduled   prometheus.Counter
	ExitTransitions  *prometheus.CounterVec // labels: to
	ExitAttempts     *prometheus.CounterVec // labels: result=ok|retry|failed
	ExitExecutionDur prometheus.Histogram
	ArmedTimers      prometheus.Gauge
	RecoveredExits   *prometheus.CounterVec // labels: action=rearmed|executed|adopted

	// Confirmation monitor
	OrdersPlaced    *prometheus.CounterVec // labels: placement_status
	TrackedOrders   prometheus.Gauge
	ConfirmPolls    *prometheus.CounterVec // labels: result=ok|error
	ConfirmOutcomes *prometheus.CounterVec // labels: status
	ManualReviews   *prometheus.CounterVec // labels: reason
	ConfirmLatency  prometheus.Histogram   // placement to terminal confirmation

	// Dependencies
	BrokerCallDur       *prometheus.HistogramVec // labels: op
	CircuitBreakerState *prometheus.GaugeVec     // labels: name; 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips *prometheus.CounterVec   // labels: name
	EventsPublished     prometheus.Counter
	EventsBuffered      prometheus.Counter
	EventsDropped       *prometheus.CounterVec // labels: subscriber
	SQLiteTransitionDur prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExitsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squareoff_exits_scheduled_total",
			Help: "Scheduled exits created",
		}),
		ExitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_exit_transitions_total",
			Help: "Scheduled exit status transitions by target status",
		}, []string{"to"}),
		ExitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_exit_attempts_total",
			Help: "Exit execution attempts by result",
		}, []string{"result"}),
		ExitExecutionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "squareoff_exit_execution_duration_seconds",
			Help:    "Time from claim to outcome of one exit attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ArmedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squareoff_armed_timers",
			Help: "Exit timers currently armed in this process",
		}),
		RecoveredExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_recovered_exits_total",
			Help: "Exits handled by restart recovery",
		}, []string{"action"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_orders_placed_total",
			Help: "Orders submitted to the broker by placement status",
		}, []string{"placement_status"}),
		TrackedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "squareoff_tracked_orders",
			Help: "Orders with an armed confirmation poll",
		}),
		ConfirmPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_confirm_polls_total",
			Help: "Confirmation polls by result",
		}, []string{"result"}),
		ConfirmOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_confirm_outcomes_total",
			Help: "Orders reaching a terminal confirmation status",
		}, []string{"status"}),
		ManualReviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_manual_reviews_total",
			Help: "Orders flagged for manual review",
		}, []string{"reason"}),
		ConfirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "squareoff_confirm_latency_seconds",
			Help:    "Placement to terminal confirmation",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		BrokerCallDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "squareoff_broker_call_duration_seconds",
			Help:    "Broker API call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squareoff_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squareoff_events_published_total",
			Help: "Lifecycle events written to the Redis stream",
		}),
		EventsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "squareoff_events_buffered_total",
			Help: "Lifecycle events buffered locally while Redis was unavailable",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "squareoff_events_dropped_total",
			Help: "Lifecycle events dropped by the bus per subscriber",
		}, []string{"subscriber"}),
		SQLiteTransitionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "squareoff_sqlite_transition_duration_seconds",
			Help:    "Conditional transition commit latency",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ExitsScheduled,
			m.ExitTransitions,
			m.ExitAttempts,
			m.ExitExecutionDur,
			m.ArmedTimers,
			m.RecoveredExits,
			m.OrdersPlaced,
			m.TrackedOrders,
			m.ConfirmPolls,
			m.ConfirmOutcomes,
			m.ManualReviews,
			m.ConfirmLatency,
			m.BrokerCallDur,
			m.CircuitBreakerState,
			m.CircuitBreakerTrips,
			m.EventsPublished,
			m.EventsBuffered,
			m.EventsDropped,
			m.SQLiteTransitionDur,
		)
	}
	return m
}

// ── nil-safe helpers ──

func (m *Metrics) ExitScheduled() {
	if m != nil {
		m.ExitsScheduled.Inc()
	}
}

func (m *Metrics) ExitTransition(to string) {
	if m != nil {
		m.ExitTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ExitAttempt(result string, took time.Duration) {
	if m != nil {
		m.ExitAttempts.WithLabelValues(result).Inc()
		m.ExitExecutionDur.Observe(took.Seconds())
	}
}

func (m *Metrics) SetArmedTimers(n int) {
	if m != nil {
		m.ArmedTimers.Set(float64(n))
	}
}

func (m *Metrics) Recovered(action string) {
	if m != nil {
		m.RecoveredExits.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) OrderPlaced(status string) {
	if m != nil {
		m.OrdersPlaced.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetTrackedOrders(n int) {
	if m != nil {
		m.TrackedOrders.Set(float64(n))
	}
}

func (m *Metrics) ConfirmPoll(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ConfirmPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) ConfirmOutcome(status string, latency time.Duration) {
	if m != nil {
		m.ConfirmOutcomes.WithLabelValues(status).Inc()
		m.ConfirmLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) ManualReview(reason string) {
	if m != nil {
		m.ManualReviews.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) BrokerCall(op string, took time.Duration) {
	if m != nil {
		m.BrokerCallDur.WithLabelValues(op).Observe(took.Seconds())
	}
}

// BreakerState records a circuit breaker transition. to is the numeric
// state (0=closed, 1=open, 2=half-open).
func (m *Metrics) BreakerState(name string, to int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == 1 {
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) EventPublished() {
	if m != nil {
		m.EventsPublished.Inc()
	}
}

func (m *Metrics) EventBuffered() {
	if m != nil {
		m.EventsBuffered.Inc()
	}
}

func (m *Metrics) EventDropped(subscriber string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(subscriber).Inc()
	}
}

func (m *Metrics) TransitionCommitted(took time.Duration) {
	if m != nil {
		m.SQLiteTransitionDur.Observe(took.Seconds())
	}
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	SQLiteOK             bool      `json:"sqlite_ok"`
	RedisEnabled         bool      `json:"redis_enabled"`
	RedisConnected       bool      `json:"redis_connected"`
	SchedulerInitialized bool      `json:"scheduler_initialized"`
	MonitorRunning       bool      `json:"monitor_running"`
	BrokerBreaker        string    `json:"broker_breaker"`
	SQLiteLatencyMs      float64   `json:"sqlite_latency_ms"`
	RedisLatencyMs       float64   `json:"redis_latency_ms"`
	LastCheckAt          time.Time `json:"last_check_at"`
	StartedAt            time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:     time.Now(),
		BrokerBreaker: "closed",
	}
}

func (h *HealthStatus) SetSchedulerInitialized(v bool) {
	h.mu.Lock()
	h.SchedulerInitialized = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMonitorRunning(v bool) {
	h.mu.Lock()
	h.MonitorRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetBrokerBreaker(state string) {
	h.mu.Lock()
	h.BrokerBreaker = state
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	check()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The store and an initialized
// scheduler are required; Redis and the broker breaker only degrade.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if (h.RedisEnabled && !h.RedisConnected) || h.BrokerBreaker != "closed" || !h.MonitorRunning {
		overall = "degraded"
	}
	if !h.SQLiteOK || !h.SchedulerInitialized {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	status := struct {
		Status               string  `json:"status"`
		Uptime               string  `json:"uptime"`
		SQLiteOK             bool    `json:"sqlite_ok"`
		SQLiteLatencyMs      float64 `json:"sqlite_latency_ms"`
		RedisEnabled         bool    `json:"redis_enabled"`
		RedisConnected       bool    `json:"redis_connected"`
		RedisLatencyMs       float64 `json:"redis_latency_ms"`
		SchedulerInitialized bool    `json:"scheduler_initialized"`
		MonitorRunning       bool    `json:"monitor_running"`
		BrokerBreaker        string  `json:"broker_breaker"`
		LastCheckAt          string  `json:"last_check_at"`
	}{
		Status:               overall,
		Uptime:               time.Since(h.StartedAt).Round(time.Second).String(),
		SQLiteOK:             h.SQLiteOK,
		SQLiteLatencyMs:      h.SQLiteLatencyMs,
		RedisEnabled:         h.RedisEnabled,
		RedisConnected:       h.RedisConnected,
		RedisLatencyMs:       h.RedisLatencyMs,
		SchedulerInitialized: h.SchedulerInitialized,
		MonitorRunning:       h.MonitorRunning,
		BrokerBreaker:        h.BrokerBreaker,
		LastCheckAt:          h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. gatherer is usually the
// registry the metrics were registered with.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
