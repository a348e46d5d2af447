// Package metrics defines the Prometheus instrumentation exposed over the
// process's own /metrics endpoint (§3.5), mirroring the teacher's optional
// dashboard server but scoped to metrics only — no dashboard UI.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every counter/gauge the engine emits.
type Metrics struct {
	OrdersSubmitted   prometheus.Counter
	OrdersRejected    *prometheus.CounterVec // label: reason
	Incidents         *prometheus.CounterVec // label: type
	GovernorCooldowns prometheus.Counter
	OpenPositions     *prometheus.GaugeVec // label: va
	KillSwitchActive  *prometheus.GaugeVec // label: va
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics against a caller-supplied registry, so
// tests can register without polluting the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Total number of orders submitted to the exchange.",
		}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of order plans rejected, by reason.",
		}, []string{"reason"}),
		Incidents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "incidents_total",
			Help: "Total number of operational incidents recorded, by type.",
		}, []string{"type"}),
		GovernorCooldowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "governor_cooldowns_total",
			Help: "Total number of cooldowns activated by the governor.",
		}),
		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Number of open positions per virtual account.",
		}, []string{"va"}),
		KillSwitchActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kill_switch_active",
			Help: "1 if the virtual account's kill switch is active, else 0.",
		}, []string{"va"}),
	}
}

// RecordRejection increments the rejected-orders counter for reason.
func (m *Metrics) RecordRejection(reason string) {
	m.OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordIncident increments the incidents counter for typ.
func (m *Metrics) RecordIncident(typ string) {
	m.Incidents.WithLabelValues(typ).Inc()
}

// SetOpenPositions sets the open-positions gauge for va.
func (m *Metrics) SetOpenPositions(va string, count int) {
	m.OpenPositions.WithLabelValues(va).Set(float64(count))
}

// SetKillSwitch sets the kill-switch gauge for va to 1 or 0.
func (m *Metrics) SetKillSwitch(va string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.KillSwitchActive.WithLabelValues(va).Set(v)
}

// Server exposes the metrics registry over HTTP.
type Server struct {
	addr   string
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds a /metrics HTTP server listening on addr (":port").
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: logger.With().Str("component", "metrics-server").Logger(),
	}
}

// Start blocks serving /metrics until Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("metrics server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
