package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// Metrics counts benchmark activity of every rank in the
// process. A nil *Metrics discards everything.
type Metrics struct {
	Registry *prometheus.Registry

	tests     *prometheus.CounterVec
	requests  prometheus.Counter
	bytes     *prometheus.CounterVec
	execTimes *prometheus.HistogramVec
}

// NewMetrics registers the benchmark metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsan",
			Name:      "tests_total",
			Help:      "Tests run by local ranks, including warmups.",
		}, []string{"pattern", "direction", "phase"}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netsan",
			Name:      "server_requests_total",
			Help:      "Client requests completed by local server ranks.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netsan",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved by local ranks.",
		}, []string{"pattern"}),
		execTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netsan",
			Name:      "test_seconds",
			Help:      "Measured execution time of one test on one rank.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 16),
		}, []string{"pattern"}),
	}
	m.Registry.MustRegister(m.tests, m.requests, m.bytes, m.execTimes)
	return m
}

// TestDone records one finished test.
func (m *Metrics) TestDone(pattern, direction string, warmup bool, execTime float64) {
	if m == nil {
		return
	}
	phase := "measure"
	if warmup {
		phase = "warmup"
	}
	m.tests.WithLabelValues(pattern, direction, phase).Inc()
	if !warmup {
		m.execTimes.WithLabelValues(pattern).Observe(execTime)
	}
}

// RequestsDone adds completed server requests.
func (m *Metrics) RequestsDone(n int) {
	if m == nil {
		return
	}
	m.requests.Add(float64(n))
}

// BytesMoved adds payload bytes for a pattern.
func (m *Metrics) BytesMoved(pattern string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(pattern).Add(float64(n))
}

// TestCount returns the number of tests recorded with the
// given labels.
func (m *Metrics) TestCount(pattern, direction string, warmup bool) float64 {
	phase := "measure"
	if warmup {
		phase = "warmup"
	}
	return counterValue(m.tests.WithLabelValues(pattern, direction, phase))
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
