package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Decision metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_decisions_total",
			Help: "Total policy decisions by action and source",
		},
		[]string{"action", "source"},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "secondchance_evaluation_duration_seconds",
			Help:    "Time to gather facts and evaluate a decision",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	PolicyWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secondchance_policy_warnings_total",
			Help: "Misconfigured restriction checks skipped during evaluation",
		},
	)

	RestrictionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_restriction_cache_lookups_total",
			Help: "Restriction cache lookups by result",
		},
		[]string{"result"},
	)

	GradualReductions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secondchance_gradual_reductions_total",
			Help: "Daily limits lowered by gradual reduction",
		},
	)

	// Usage metrics
	SessionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secondchance_sessions_closed_total",
			Help: "Total foreground sessions closed",
		},
	)

	UsageSecondsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_usage_seconds_total",
			Help: "Foreground seconds recorded per app",
		},
		[]string{"app_id"},
	)

	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_violations_total",
			Help: "Denied launch attempts per app",
		},
		[]string{"app_id"},
	)

	PendingPersistence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secondchance_pending_persistence",
			Help: "Usage writes waiting to be retried",
		},
	)

	ForegroundApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secondchance_foreground_apps",
			Help: "Apps currently in the foreground state",
		},
	)

	// Crisis metrics
	CrisisActivations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secondchance_crisis_activations_total",
			Help: "Crisis override activations recorded in the audit log",
		},
	)

	CrisisActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secondchance_crisis_active",
			Help: "1 while the crisis override is in force",
		},
	)

	// Approval metrics
	ApprovalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_approval_requests_total",
			Help: "Approval request transitions by status",
		},
		[]string{"status"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secondchance_notifications_total",
			Help: "Outbox dispatch attempts by result",
		},
		[]string{"result"},
	)

	// Bridge metrics
	BridgeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "secondchance_bridge_connections",
			Help: "Connected platform observers (tool connections excluded)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DecisionsTotal,
		EvaluationDuration,
		PolicyWarnings,
		RestrictionCacheLookups,
		GradualReductions,
		SessionsClosed,
		UsageSecondsConsumed,
		ViolationsTotal,
		PendingPersistence,
		ForegroundApps,
		CrisisActivations,
		CrisisActive,
		ApprovalRequests,
		NotificationsTotal,
		BridgeConnections,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
