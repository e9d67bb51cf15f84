// Package metrics exposes the node's counters in prometheus form.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatm_messages_admitted_total",
		Help: "Topic messages that passed the authorization gate.",
	})
	MessagesDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatm_messages_denied_total",
		Help: "Topic messages rejected by the gate, by reason.",
	}, []string{"reason"})
	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatm_decode_failures_total",
		Help: "Inbound payloads that failed wire decoding.",
	})
	AttestationsVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatm_attestations_verified_total",
		Help: "Membership credentials that verified successfully.",
	})
	AttestationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatm_attestations_failed_total",
		Help: "Membership credentials that failed verification.",
	})
	AttestationRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatm_attestation_requests_total",
		Help: "Attestation requests sent to peers.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesAdmitted,
		MessagesDenied,
		DecodeFailures,
		AttestationsVerified,
		AttestationsFailed,
		AttestationRequests,
	)
}

// Serve runs the metrics listener until ctx is cancelled. An empty addr
// disables the listener and Serve returns immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
