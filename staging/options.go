package staging

import "flashboot/diag"

// DefaultCopyBlockSize is the RAM buffer used when copying staging to active.
const DefaultCopyBlockSize = 1024

// Config holds the manager configuration.
type Config struct {
	// Logger is used for logging operations (optional)
	Logger diag.Logger

	// Observer is notified after every state or progress change (optional)
	Observer Observer

	// CopyBlockSize is the size of the buffer used during commit
	CopyBlockSize int
}

func defaultConfig() Config {
	return Config{
		Logger:        diag.Nop(),
		CopyBlockSize: DefaultCopyBlockSize,
	}
}

// Option is a functional option for configuring the Manager.
type Option func(*Config)

// WithLogger sets a logger for staging operations.
func WithLogger(logger diag.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithObserver sets an observer for session progress.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observer = o
	}
}

// WithCopyBlockSize sets the commit copy buffer size. Values outside
// 16..64K are ignored.
func WithCopyBlockSize(size int) Option {
	return func(c *Config) {
		if size >= 16 && size <= 64*1024 {
			c.CopyBlockSize = size
		}
	}
}
