// Package metrics exports session activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caffe_mobile"

// Collector implements session.Observer.
type Collector struct {
	registry *prometheus.Registry

	loads          prometheus.Counter
	loadDuration   prometheus.Histogram
	forwards       prometheus.Counter
	samples        prometheus.Counter
	forwardLatency prometheus.Histogram
	failures       *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Models loaded successfully.",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_seconds",
			Help:      "Time spent loading a model.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_passes_total",
			Help:      "Forward passes completed.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_samples_total",
			Help:      "Samples run through completed forward passes.",
		}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_latency_seconds",
			Help:      "Forward pass latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed session operations.",
		}, []string{"op"}),
	}

	c.registry.MustRegister(
		c.loads, c.loadDuration,
		c.forwards, c.samples, c.forwardLatency,
		c.failures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ModelLoaded(elapsed time.Duration, err error) {
	if err != nil {
		c.failures.WithLabelValues("load").Inc()
		return
	}
	c.loads.Inc()
	c.loadDuration.Observe(elapsed.Seconds())
}

func (c *Collector) InputsStaged(_ int, err error) {
	if err != nil {
		c.failures.WithLabelValues("set_inputs").Inc()
	}
}

func (c *Collector) ForwardDone(samples int, latency time.Duration, err error) {
	if err != nil {
		c.failures.WithLabelValues("predict").Inc()
		return
	}
	c.forwards.Inc()
	c.samples.Add(float64(samples))
	c.forwardLatency.Observe(latency.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
