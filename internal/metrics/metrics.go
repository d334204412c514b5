// Package metrics exposes broker-level Prometheus metrics and the /metrics
// HTTP endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coremq-dev/coremq/internal/logger"
)

// Metrics contains all broker metrics.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	FramesRejected    *prometheus.CounterVec

	ReplicationForwarded  prometheus.Counter
	ReplicationIngested   prometheus.Counter
	ReplicationDuplicates prometheus.Counter
	PeersConnected        prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry.
func New() (*Metrics, *prometheus.Registry) {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coremq",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live client sessions",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Total messages accepted for publish",
		}, []string{"source"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Total message frames enqueued to subscribers",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Total deliveries dropped because a session buffer overflowed or closed",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "protocol",
			Name:      "frames_rejected_total",
			Help:      "Total inbound frames rejected with an error response",
		}, []string{"reason"}),
		ReplicationForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "replication",
			Name:      "forwarded_total",
			Help:      "Total messages forwarded to cluster peers",
		}),
		ReplicationIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "replication",
			Name:      "ingested_total",
			Help:      "Total peer messages applied locally",
		}),
		ReplicationDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coremq",
			Subsystem: "replication",
			Name:      "duplicates_total",
			Help:      "Total peer messages discarded as loops or duplicates",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coremq",
			Subsystem: "replication",
			Name:      "peers_connected",
			Help:      "Number of cluster peers currently connected",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.SessionsActive,
		m.MessagesPublished,
		m.MessagesDelivered,
		m.MessagesDropped,
		m.FramesRejected,
		m.ReplicationForwarded,
		m.ReplicationIngested,
		m.ReplicationDuplicates,
		m.PeersConnected,
	)
	return m, registry
}

// StartServer serves /metrics on the given port. Port 0 disables the
// endpoint.
func StartServer(port int, registry *prometheus.Registry) *http.Server {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorF("Metrics server error: %v", err)
		}
	}()
	logger.InfoF("Metrics endpoint listening on :%d/metrics", port)
	return srv
}
