// Package metrics holds the client's prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "krypt"

var (
	EnvelopesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "envelopes_received_total",
		Help: "Decoded inbound envelopes by type.",
	}, []string{"type"})

	EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "envelopes_sent_total",
		Help: "Envelopes written to the relay by type.",
	}, []string{"type"})

	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "send_failures_total",
		Help: "Send calls that found no open channel or failed to write.",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "decode_errors_total",
		Help: "Inbound frames dropped by the codec.",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "connections_total",
		Help: "Successful relay connections.",
	})

	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "relay", Name: "connected",
		Help: "1 while the relay channel is open.",
	})

	DecryptFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "decrypt_failures_total",
		Help: "Payloads that failed to decrypt by envelope type.",
	}, []string{"type"})

	TransfersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "completed_total",
		Help: "Inbound files fully reassembled.",
	})

	TransfersDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "discarded_total",
		Help: "Inbound transfers dropped before completion.",
	}, []string{"reason"})

	TransfersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "in_flight",
		Help: "Inbound transfers waiting for chunks.",
	})

	CallsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "call", Name: "started_total",
		Help: "Calls by direction.",
	}, []string{"direction"})

	CallsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "call", Name: "ended_total",
		Help: "Call teardowns by reason.",
	}, []string{"reason"})

	HandlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "handler_panics_total",
		Help: "Recovered panics in inbound handlers.",
	})
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the registry holding every collector of this package.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			EnvelopesReceived, EnvelopesSent, SendFailures, DecodeErrors,
			Reconnects, Connected, DecryptFailures,
			TransfersCompleted, TransfersDiscarded, TransfersInFlight,
			CallsStarted, CallsEnded, HandlerPanics,
		)
	})
	return registry
}

// Handler exposes the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	log := logger.Named("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
