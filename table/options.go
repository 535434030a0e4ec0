package table

import (
	"time"

	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/tracker"
)

type config struct {
	keyspace               string
	memtableFlushThreshold int64
	flushPeriod            time.Duration
	metrics                metrics.Sink
	lifecycle              tracker.Lifecycle
	indexes                *index.Manager
	views                  Views
	pool                   *memtable.Pool
}

// Option is an option for a table store.
type Option func(*config)

// WithKeyspace sets the keyspace name used in logs and metrics.
func WithKeyspace(name string) Option {
	return func(c *config) {
		c.keyspace = name
	}
}

// WithMemtableFlushThreshold sets the size in bytes at which the current
// memtable is switched out and flushed. Zero disables size-triggered flushes.
func WithMemtableFlushThreshold(bytes int64) Option {
	return func(c *config) {
		c.memtableFlushThreshold = bytes
	}
}

// WithFlushPeriod sets the maximum age of a dirty memtable before it is
// flushed. Zero disables scheduled flushes.
func WithFlushPeriod(period time.Duration) Option {
	return func(c *config) {
		c.flushPeriod = period
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *config) {
		c.metrics = sink
	}
}

// WithLifecycle sets the receiver of view transition notifications.
func WithLifecycle(lc tracker.Lifecycle) Option {
	return func(c *config) {
		c.lifecycle = lc
	}
}

// WithIndexes sets the table's secondary indexes.
func WithIndexes(m *index.Manager) Option {
	return func(c *config) {
		c.indexes = m
	}
}

// WithViews sets the collaborator that truncates the table's materialized
// views.
func WithViews(v Views) Option {
	return func(c *config) {
		c.views = v
	}
}

// WithPool sets the memory pool memtables allocate from.
func WithPool(p *memtable.Pool) Option {
	return func(c *config) {
		c.pool = p
	}
}
