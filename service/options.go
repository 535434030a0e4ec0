package service

import (
	"log/slog"
	"time"

	"github.com/wkalt/cstore/storage"
)

// Option is a functional option for the cstore service.
type Option func(*Options)

// Options contains options for the cstore service.
type Options struct {
	Port                  int
	LogLevel              slog.Level
	StorageProvider       storage.Provider
	DatabasePath          string
	CommitLogDir          string
	CommitLogSegmentBytes int64
	SyncCommitLog         bool
	SchemaFile            string
	FlushWorkers          int
	MemtableSpaceBytes    int64
	MemtableCleanupRatio  float64
	WriteTimeout          time.Duration
	AllowedOrigins        []string
	SharedKey             string
	PprofAddr             string
	ShutdownTimeout       time.Duration
}

// WithPort sets the port to listen on.
func WithPort(port int) Option {
	return func(opts *Options) {
		opts.Port = port
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level slog.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = level
	}
}

// WithStorageProvider sets the storage provider segments and index
// snapshots are written to.
func WithStorageProvider(provider storage.Provider) Option {
	return func(opts *Options) {
		opts.StorageProvider = provider
	}
}

// WithDatabasePath sets the location of the catalog database.
func WithDatabasePath(path string) Option {
	return func(opts *Options) {
		opts.DatabasePath = path
	}
}

// WithCommitLogDir sets the commit log directory.
func WithCommitLogDir(dir string) Option {
	return func(opts *Options) {
		opts.CommitLogDir = dir
	}
}

// WithCommitLogSegmentMegabytes sets the size at which commit log segments
// are rotated.
func WithCommitLogSegmentMegabytes(size int64) Option {
	return func(opts *Options) {
		opts.CommitLogSegmentBytes = size * megabyte
	}
}

// WithSyncCommitLog makes every commit log append wait for fsync.
func WithSyncCommitLog(sync bool) Option {
	return func(opts *Options) {
		opts.SyncCommitLog = sync
	}
}

// WithSchemaFile sets a schema file whose keyspaces are opened at startup.
func WithSchemaFile(path string) Option {
	return func(opts *Options) {
		opts.SchemaFile = path
	}
}

// WithFlushWorkers sets the number of concurrent flush workers.
func WithFlushWorkers(workers int) Option {
	return func(opts *Options) {
		opts.FlushWorkers = workers
	}
}

// WithMemtableSpaceMegabytes sets the memory budget shared by all memtables.
// Zero disables the limit.
func WithMemtableSpaceMegabytes(size int64) Option {
	return func(opts *Options) {
		opts.MemtableSpaceBytes = size * megabyte
	}
}

// WithMemtableCleanupRatio sets the fraction of the memtable budget in use
// at which the largest memtable is flushed.
func WithMemtableCleanupRatio(ratio float64) Option {
	return func(opts *Options) {
		opts.MemtableCleanupRatio = ratio
	}
}

// WithWriteTimeout sets how long a write may wait for a view lock.
func WithWriteTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.WriteTimeout = d
	}
}

// WithAllowedOrigins sets the allowed CORS origins.
func WithAllowedOrigins(origins []string) Option {
	return func(opts *Options) {
		opts.AllowedOrigins = origins
	}
}

// WithSharedKey sets a bearer token required on every request.
func WithSharedKey(key string) Option {
	return func(opts *Options) {
		opts.SharedKey = key
	}
}

// WithPprofAddr sets the address of the pprof server. An empty address
// disables it.
func WithPprofAddr(addr string) Option {
	return func(opts *Options) {
		opts.PprofAddr = addr
	}
}

// WithShutdownTimeout sets how long shutdown waits for open connections.
func WithShutdownTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.ShutdownTimeout = d
	}
}
