package keyspace

import (
	"time"

	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/schema"
)

type config struct {
	writeTimeout    time.Duration
	resubmit        bool
	flushWorkers    int
	memtableSpace   int64
	cleanupRatio    float64
	viewLockStripes int
	metrics         metrics.Sink
	schemas         *schema.Store
}

// Option is an option for the keyspace registry.
type Option func(*config)

// WithWriteTimeout sets how long a write may wait for a view lock, measured
// from the creation of its mutation.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

// WithResubmit controls what happens when a write finds its view lock held.
// If set, the write is queued and retried in the background until the write
// timeout; otherwise the caller waits for the lock.
func WithResubmit(resubmit bool) Option {
	return func(c *config) {
		c.resubmit = resubmit
	}
}

// WithFlushWorkers sets the number of flushes that may persist at once.
func WithFlushWorkers(n int) Option {
	return func(c *config) {
		c.flushWorkers = n
	}
}

// WithMemtableSpace sets the soft limit on memtable memory across all
// keyspaces, and the fraction of it at which the largest memtable is flushed.
func WithMemtableSpace(bytes int64, cleanupRatio float64) Option {
	return func(c *config) {
		c.memtableSpace = bytes
		c.cleanupRatio = cleanupRatio
	}
}

// WithViewLockStripes sets the number of per-key view lock stripes in each
// keyspace.
func WithViewLockStripes(n int) Option {
	return func(c *config) {
		c.viewLockStripes = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *config) {
		c.metrics = sink
	}
}

// WithSchemaStore persists keyspace definitions as they are opened and
// altered.
func WithSchemaStore(store *schema.Store) Option {
	return func(c *config) {
		c.schemas = store
	}
}
