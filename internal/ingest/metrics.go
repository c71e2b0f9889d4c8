package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "compact_indexer"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	events        *prometheus.CounterVec
	faults        *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	halted        *prometheus.GaugeVec
	cursor        *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil metrics registerer", ErrInvalidConfig)
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events handled, by chain, kind and outcome",
		}, []string{"chain", "kind", "result"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Fatal faults, by chain and class",
		}, []string{"chain", "class"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "apply_duration_seconds",
			Help:      "Latency of one ledger apply",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "chain_halted",
			Help:      "1 when the chain stopped on a fault",
		}, []string{"chain"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cursor_block",
			Help:      "Block number of the last event applied per chain",
		}, []string{"chain"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.faults, m.applyDuration, m.halted, m.cursor} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("%w: metrics already registered", ErrInvalidConfig)
			}
			return nil, fmt.Errorf("ingest: register metrics: %w", err)
		}
	}
	return m, nil
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

func (m *Metrics) event(chainID uint64, kind, result string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(chainLabel(chainID), kind, result).Inc()
}

func (m *Metrics) fault(chainID uint64, class string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(chainLabel(chainID), class).Inc()
	m.halted.WithLabelValues(chainLabel(chainID)).Set(1)
}

func (m *Metrics) observeApply(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.applyDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) setCursor(chainID, block uint64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(chainLabel(chainID)).Set(float64(block))
}
