package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

/*
Package metrics defines the observability sink the storage engine reports
to. Table stores and keyspaces call the sink at the points of interest; the
prometheus implementation turns those calls into labeled collectors and the
no-op implementation discards them.
*/

////////////////////////////////////////////////////////////////////////////////

// Sink receives engine events.
type Sink interface {
	// WriteLatency records the time taken to apply one update to a table.
	WriteLatency(keyspace, table string, d time.Duration)
	// UpdateDelta records the smallest timestamp gap between an update and
	// the data it superseded.
	UpdateDelta(keyspace, table string, d time.Duration)
	MemtableSwitched(keyspace, table string)
	FlushCompleted(keyspace, table string, bytes int64, d time.Duration)
	FlushFailed(keyspace, table string)
	PendingFlushes(keyspace, table string, n int)
	PendingFlushBytes(keyspace, table string, n int64)
	LockTimeout(keyspace string)
	SchemaRace(keyspace string)
}

// Keys for engine metrics.
const (
	WriteLatencySecondsKey   = "cstore_write_latency_seconds"
	UpdateDeltaSecondsKey    = "cstore_update_delta_seconds"
	MemtableSwitchesTotalKey = "cstore_memtable_switches_total"
	FlushedBytesTotalKey     = "cstore_flushed_bytes_total"
	FlushDurationSecondsKey  = "cstore_flush_duration_seconds"
	FailedFlushesTotalKey    = "cstore_failed_flushes_total"
	PendingFlushesKey        = "cstore_pending_flushes"
	PendingFlushBytesKey     = "cstore_pending_flush_bytes"
	LockTimeoutsTotalKey     = "cstore_view_lock_timeouts_total"
	SchemaRacesTotalKey      = "cstore_schema_races_total"
)

// Prometheus is a Sink backed by prometheus collectors.
type Prometheus struct {
	writeLatency      *prometheus.HistogramVec
	updateDelta       *prometheus.HistogramVec
	switches          *prometheus.CounterVec
	flushedBytes      *prometheus.CounterVec
	flushDuration     *prometheus.HistogramVec
	failedFlushes     *prometheus.CounterVec
	pendingFlushes    *prometheus.GaugeVec
	pendingFlushBytes *prometheus.GaugeVec
	lockTimeouts      *prometheus.CounterVec
	schemaRaces       *prometheus.CounterVec
}

// NewPrometheus creates the engine collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	tableLabels := []string{"keyspace", "table"}
	p := &Prometheus{
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    WriteLatencySecondsKey,
			Help:    "Time taken to apply an update to a memtable.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, tableLabels),
		updateDelta: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    UpdateDeltaSecondsKey,
			Help:    "Smallest timestamp gap between an update and the cell it replaced.",
			Buckets: prometheus.ExponentialBuckets(1e-3, 10, 8),
		}, tableLabels),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MemtableSwitchesTotalKey,
			Help: "Cumulative number of memtable switches.",
		}, tableLabels),
		flushedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: FlushedBytesTotalKey,
			Help: "Cumulative number of segment bytes written by flushes.",
		}, tableLabels),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: FlushDurationSecondsKey,
			Help: "Time taken to persist a memtable.",
		}, tableLabels),
		failedFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: FailedFlushesTotalKey,
			Help: "Cumulative number of flushes that failed to persist.",
		}, tableLabels),
		pendingFlushes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: PendingFlushesKey,
			Help: "Number of memtables switched out and not yet persisted.",
		}, tableLabels),
		pendingFlushBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: PendingFlushBytesKey,
			Help: "Bytes held by memtables switched out and not yet persisted.",
		}, tableLabels),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: LockTimeoutsTotalKey,
			Help: "Cumulative number of view lock acquisitions that timed out.",
		}, []string{"keyspace"}),
		schemaRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: SchemaRacesTotalKey,
			Help: "Cumulative number of updates skipped because their table was missing.",
		}, []string{"keyspace"}),
	}
	if reg != nil {
		reg.MustRegister(p.Collectors()...)
	}
	return p
}

// Collectors returns the underlying collectors.
func (p *Prometheus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.writeLatency,
		p.updateDelta,
		p.switches,
		p.flushedBytes,
		p.flushDuration,
		p.failedFlushes,
		p.pendingFlushes,
		p.pendingFlushBytes,
		p.lockTimeouts,
		p.schemaRaces,
	}
}

func (p *Prometheus) WriteLatency(keyspace, table string, d time.Duration) {
	p.writeLatency.WithLabelValues(keyspace, table).Observe(d.Seconds())
}

func (p *Prometheus) UpdateDelta(keyspace, table string, d time.Duration) {
	p.updateDelta.WithLabelValues(keyspace, table).Observe(d.Seconds())
}

func (p *Prometheus) MemtableSwitched(keyspace, table string) {
	p.switches.WithLabelValues(keyspace, table).Inc()
}

func (p *Prometheus) FlushCompleted(keyspace, table string, bytes int64, d time.Duration) {
	p.flushedBytes.WithLabelValues(keyspace, table).Add(float64(bytes))
	p.flushDuration.WithLabelValues(keyspace, table).Observe(d.Seconds())
}

func (p *Prometheus) FlushFailed(keyspace, table string) {
	p.failedFlushes.WithLabelValues(keyspace, table).Inc()
}

func (p *Prometheus) PendingFlushes(keyspace, table string, n int) {
	p.pendingFlushes.WithLabelValues(keyspace, table).Set(float64(n))
}

func (p *Prometheus) PendingFlushBytes(keyspace, table string, n int64) {
	p.pendingFlushBytes.WithLabelValues(keyspace, table).Set(float64(n))
}

func (p *Prometheus) LockTimeout(keyspace string) {
	p.lockTimeouts.WithLabelValues(keyspace).Inc()
}

func (p *Prometheus) SchemaRace(keyspace string) {
	p.schemaRaces.WithLabelValues(keyspace).Inc()
}

// Noop discards all events.
type Noop struct{}

func (Noop) WriteLatency(string, string, time.Duration)          {}
func (Noop) UpdateDelta(string, string, time.Duration)           {}
func (Noop) MemtableSwitched(string, string)                     {}
func (Noop) FlushCompleted(string, string, int64, time.Duration) {}
func (Noop) FlushFailed(string, string)                          {}
func (Noop) PendingFlushes(string, string, int)                  {}
func (Noop) PendingFlushBytes(string, string, int64)             {}
func (Noop) LockTimeout(string)                                  {}
func (Noop) SchemaRace(string)                                   {}
