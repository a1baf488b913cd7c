// Package metrics exposes parse progress as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threadcorpus"

// Parser holds the collectors updated by a parse run. A nil *Parser is
// valid and records nothing, so callers never need to check.
type Parser struct {
	records       prometheus.Counter
	skippedLines  prometheus.Counter
	qualified     prometheus.Counter
	rejected      prometheus.Counter
	cacheLines    prometheus.Gauge
	flushes       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	chains        prometheus.Counter
	dropped       prometheus.Counter
	demoted       prometheus.Counter
	bytesWritten  prometheus.Counter
	shardsClosed  prometheus.Counter
	state         *prometheus.GaugeVec
}

// NewParser registers the parser collectors on reg. It returns nil when reg
// is nil.
func NewParser(reg prometheus.Registerer) *Parser {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)

	return &Parser{
		records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Complete records decoded from the archive",
		}),
		skippedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_lines_total",
			Help:      "Archive lines skipped as incomplete",
		}),
		qualified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qualified_total",
			Help:      "Records accepted into the cache",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Records rejected by the qualification filter",
		}),
		cacheLines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_lines",
			Help:      "Lines currently held in the cache",
		}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Cache flushes by reason",
		}, []string{"reason"}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent reconciling and emitting one cache window",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		chains: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_emitted_total",
			Help:      "Complete chains written to shards",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_dropped_total",
			Help:      "Odd-length chains discarded",
		}),
		demoted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_demoted_total",
			Help:      "Lines whose parent was outside the cache window",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Uncompressed bytes written to shards",
		}),
		shardsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_closed_total",
			Help:      "Output shards finalized",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the parser's current state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (m *Parser) Record(qualified bool) {
	if m == nil {
		return
	}
	m.records.Inc()
	if qualified {
		m.qualified.Inc()
	} else {
		m.rejected.Inc()
	}
}

func (m *Parser) SkippedLines(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedLines.Add(float64(n))
}

func (m *Parser) CacheLines(n int) {
	if m == nil {
		return
	}
	m.cacheLines.Set(float64(n))
}

// Flush records one reconcile-and-emit cycle.
func (m *Parser) Flush(reason string, took time.Duration, chains, dropped, demoted int, bytes int64) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(reason).Inc()
	m.flushDuration.Observe(took.Seconds())
	m.chains.Add(float64(chains))
	m.dropped.Add(float64(dropped))
	m.demoted.Add(float64(demoted))
	m.bytesWritten.Add(float64(bytes))
}

func (m *Parser) ShardClosed() {
	if m == nil {
		return
	}
	m.shardsClosed.Inc()
}

// State marks current as the active state among all.
func (m *Parser) State(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}
