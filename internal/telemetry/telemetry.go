// Package telemetry exposes prometheus metrics and pprof over a local HTTP
// listener and pumps bus events into the collectors.
package telemetry

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/connquality"
	"courier/internal/correlate"
	"courier/internal/eventbus"
	"courier/internal/queue"
	logx "courier/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9188"

type Metrics struct {
	reg *prometheus.Registry

	MessagesDelivered    prometheus.Counter
	MessagesDeadLettered prometheus.Counter
	DeliveryAttempts     prometheus.Counter
	ProcessingSeconds    prometheus.Histogram
	QueueDepth           *prometheus.GaugeVec
	StallsDetected       prometheus.Counter
	Resolutions          *prometheus.CounterVec
	ConnectionQuality    prometheus.Gauge
	PrimaryChanges       prometheus.Counter
	BroadcastsApplied    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_delivered_total",
			Help: "Messages delivered to the backend.",
		}),
		MessagesDeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_dead_lettered_total",
			Help: "Messages that exhausted all delivery attempts.",
		}),
		DeliveryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Individual delivery attempts, including retries.",
		}),
		ProcessingSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_message_processing_seconds",
			Help:    "Enqueue-to-delivered latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Queued messages per session.",
		}, []string{"session"}),
		StallsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_stalls_detected_total",
			Help: "Correlation records pending past the stall threshold.",
		}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_notification_resolutions_total",
			Help: "Resolved correlation records by source path.",
		}, []string{"source"}),
		ConnectionQuality: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connection_quality",
			Help: "Current connection quality (0 unknown .. 5 offline).",
		}),
		PrimaryChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_primary_changes_total",
			Help: "Primary device transitions across all sessions.",
		}),
		BroadcastsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_state_updates_applied_total",
			Help: "Session state updates retained after reconciliation.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetQuality mirrors the reliability monitor's state into the gauge.
func (m *Metrics) SetQuality(q connquality.Quality) {
	m.ConnectionQuality.Set(float64(q))
}

// Consume pumps bus events into the collectors until ctx is cancelled.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.SubscribeTypes(64,
		queue.EventDelivered,
		queue.EventDeadLettered,
		correlate.EventStallDetected,
		correlate.EventResolved,
		"registry.primary_changed",
		"session.state_applied",
	)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e eventbus.Event) {
	switch data := e.Data.(type) {
	case queue.DeliveredEvent:
		m.MessagesDelivered.Inc()
		m.DeliveryAttempts.Add(float64(data.Attempts))
		m.ProcessingSeconds.Observe(data.Elapsed.Seconds())
	case queue.DeadLetteredEvent:
		m.MessagesDeadLettered.Inc()
		m.DeliveryAttempts.Add(float64(data.Attempts))
	case correlate.StallEvent:
		m.StallsDetected.Inc()
	case correlate.ResolvedEvent:
		m.Resolutions.WithLabelValues(data.Source).Inc()
	default:
		switch e.Type {
		case "registry.primary_changed":
			m.PrimaryChanges.Inc()
		case "session.state_applied":
			m.BroadcastsApplied.Inc()
		}
	}
}

// Server is the local metrics/pprof listener.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, metrics *Metrics, log logx.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Mux exposes the underlying mux so the app can mount extra handlers
// (e.g. the push callback endpoint).
func (s *Server) Mux() *http.ServeMux {
	return s.srv.Handler.(*http.ServeMux)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("telemetry listening", logx.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
