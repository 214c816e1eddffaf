package observability

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	prometheusNamespace   = "doctor"
	metricsReadTimeout    = 5 * time.Second
	metricsShutdownBudget = 2 * time.Second
)

// DurationBuckets span a sub-second health fetch up to a slow container
// restart followed by the settle delay.
var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// family is one registered metric vector and the label names it was created
// with. Later samples with different labels are dropped.
type family struct {
	kind   MetricType
	labels []string
	add    func(prometheus.Labels, float64)
}

// PrometheusCollector turns Metric samples into Prometheus vectors, creating
// each vector on first use, and serves them with the Go runtime and process
// collectors of the doctor itself.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	families map[string]*family
}

// NewPrometheusCollector builds a collector with a dedicated registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: prometheusNamespace}),
	)
	return &PrometheusCollector{
		registry: registry,
		families: make(map[string]*family),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if metric.Name == "" {
		return
	}
	labels := prometheus.Labels{}
	for k, v := range metric.Labels {
		labels[k] = v
	}
	names := labelNames(metric.Labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[metric.Name]
	if !ok {
		f = c.register(metric, names)
		if f == nil {
			return
		}
		c.families[metric.Name] = f
	}
	if f.kind != metric.Type || !slices.Equal(f.labels, names) {
		return
	}
	f.add(labels, metric.Value)
}

func (c *PrometheusCollector) register(metric Metric, names []string) *family {
	help := helpText(metric)
	var (
		vec prometheus.Collector
		add func(prometheus.Labels, float64)
	)
	switch metric.Type {
	case MetricCounter:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: prometheusNamespace, Name: metric.Name, Help: help}, names)
		vec = v
		add = func(l prometheus.Labels, value float64) {
			if value >= 0 {
				v.With(l).Add(value)
			}
		}
	case MetricGauge:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: prometheusNamespace, Name: metric.Name, Help: help}, names)
		vec = v
		add = func(l prometheus.Labels, value float64) { v.With(l).Set(value) }
	case MetricHistogram:
		opts := prometheus.HistogramOpts{Namespace: prometheusNamespace, Name: metric.Name, Help: help}
		if metric.Unit == "seconds" {
			opts.Buckets = DurationBuckets
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		v := prometheus.NewHistogramVec(opts, names)
		vec = v
		add = func(l prometheus.Labels, value float64) { v.With(l).Observe(value) }
	default:
		return nil
	}
	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	return &family{kind: metric.Type, labels: names, add: add}
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics and a /healthz liveness endpoint on addr until ctx
// is cancelled.
func (c *PrometheusCollector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsReadTimeout}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownBudget)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func helpText(metric Metric) string {
	if desc := strings.TrimSpace(metric.Description); desc != "" {
		return desc
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
