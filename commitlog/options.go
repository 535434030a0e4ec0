package commitlog

/*
Options for the commit log manager.
*/

////////////////////////////////////////////////////////////////////////////////

type config struct {
	targetFileSize int64
	syncWrites     bool
}

// Option is a function that modifies the commit log configuration.
type Option func(*config)

// WithTargetFileSize sets the target size for log segments. When the active
// segment exceeds this size, the manager closes it and starts a new one.
func WithTargetFileSize(size int64) Option {
	return func(c *config) {
		c.targetFileSize = size
	}
}

// WithSyncWrites causes every append to fsync the active segment before
// returning.
func WithSyncWrites(sync bool) Option {
	return func(c *config) {
		c.syncWrites = sync
	}
}
