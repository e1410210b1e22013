// Package metrics exposes daemon counters and gauges for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iteratedev/iterate/internal/store"
)

const namespace = "iterate"

// Recorder holds the daemon's collectors on a private registry, so several
// daemons in one test binary do not collide.
type Recorder struct {
	reg *prometheus.Registry

	iterations       *prometheus.GaugeVec
	pipelineDuration *prometheus.HistogramVec
	picks            *prometheus.CounterVec
	proxyRequests    *prometheus.CounterVec
	wsClients        prometheus.Gauge
	processExits     *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		iterations: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "iterations",
				Help:      "Current number of iterations by status",
			},
			[]string{"status"},
		),
		pipelineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "create_duration_seconds",
				Help:      "Time from creation request to ready or error",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		picks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "picks_total",
				Help:      "Pick operations by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		proxyRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Requests answered by the iteration proxy by status code",
			},
			[]string{"code"},
		),
		wsClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Connected WebSocket clients",
			},
		),
		processExits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Preview server exits, requested or unexpected",
			},
			[]string{"kind"},
		),
	}
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetIterations replaces the per-status gauge. Statuses with no iterations
// are reported as zero.
func (r *Recorder) SetIterations(its map[string]store.Iteration) {
	counts := make(map[store.Status]int, len(store.AllStatuses))
	for _, it := range its {
		counts[it.Status]++
	}
	for _, status := range store.AllStatuses {
		r.iterations.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// ObservePipeline records how long an iteration took to reach a final status.
func (r *Recorder) ObservePipeline(status store.Status, d time.Duration) {
	r.pipelineDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (r *Recorder) IncPick(strategy string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	r.picks.WithLabelValues(strategy, result).Inc()
}

func (r *Recorder) IncProxy(code int) {
	r.proxyRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (r *Recorder) SetClients(n int) {
	r.wsClients.Set(float64(n))
}

func (r *Recorder) IncExit(requested bool) {
	kind := "unexpected"
	if requested {
		kind = "requested"
	}
	r.processExits.WithLabelValues(kind).Inc()
}
