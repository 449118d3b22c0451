// Package metrics collects pipeline and model counters in a private
// Prometheus registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scenegrouper"

// Model request outcomes
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeAuth    = "auth"
	OutcomeBadJSON = "bad_json"
	OutcomeError   = "error"
)

// Collector holds all metrics of one process. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	PreviewsGenerated prometheus.Counter
	PreviewCacheHits  prometheus.Counter
	PreviewFailures   prometheus.Counter
	HashFailures      prometheus.Counter
	FilesScanned      prometheus.Counter
	FilesSkipped      prometheus.Counter

	ModelRequests *prometheus.CounterVec
	ModelLatency  *prometheus.HistogramVec
}

// New creates a Collector with its own registry
func New() *Collector {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	c := &Collector{
		registry:          registry,
		PreviewsGenerated: counter("previews_generated_total", "Total number of previews rendered"),
		PreviewCacheHits:  counter("preview_cache_hits_total", "Total number of previews served from cache"),
		PreviewFailures:   counter("preview_failures_total", "Total number of preview failures"),
		HashFailures:      counter("hash_failures_total", "Total number of perceptual hash failures"),
		FilesScanned:      counter("files_scanned_total", "Total number of supported files found"),
		FilesSkipped:      counter("files_skipped_total", "Total number of unreadable files skipped"),
		ModelRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_requests_total",
				Help:      "Total number of vision model requests",
			},
			[]string{"provider", "outcome"},
		),
		ModelLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_request_duration_seconds",
				Help:      "Vision model request duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		c.PreviewsGenerated,
		c.PreviewCacheHits,
		c.PreviewFailures,
		c.HashFailures,
		c.FilesScanned,
		c.FilesSkipped,
		c.ModelRequests,
		c.ModelLatency,
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) PreviewGenerated() {
	if c != nil {
		c.PreviewsGenerated.Inc()
	}
}

func (c *Collector) PreviewCacheHit() {
	if c != nil {
		c.PreviewCacheHits.Inc()
	}
}

func (c *Collector) PreviewFailed() {
	if c != nil {
		c.PreviewFailures.Inc()
	}
}

func (c *Collector) HashFailed() {
	if c != nil {
		c.HashFailures.Inc()
	}
}

// ScanFinished records the file counts of one scan
func (c *Collector) ScanFinished(total, skipped int) {
	if c != nil {
		c.FilesScanned.Add(float64(total))
		c.FilesSkipped.Add(float64(skipped))
	}
}

// ModelRequest records one vision model call
func (c *Collector) ModelRequest(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ModelRequests.WithLabelValues(provider, outcome).Inc()
	c.ModelLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// WriteTextfile writes the registry in Prometheus text format, for the
// node_exporter textfile collector or plain inspection.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
