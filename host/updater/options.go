package updater

import (
	"time"

	"flashboot/diag"
	"flashboot/protocol"
)

// Config holds the client configuration.
type Config struct {
	// ProgressCallback is called while an image is flashed (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging operations (optional)
	Logger diag.Logger

	// Timeout bounds a single request, including its retransmissions
	Timeout time.Duration

	// EraseTimeout is used for BEGIN and FINALIZE, which erase flash
	EraseTimeout time.Duration

	// ChunkSize is the data carried per CHUNK command
	ChunkSize int

	// Retries is the number of retransmissions of an unanswered frame
	Retries int

	// Verify reads the active partition back after FINALIZE
	Verify bool
}

func defaultConfig() Config {
	return Config{
		Logger:       diag.Nop(),
		Timeout:      time.Second,
		EraseTimeout: 20 * time.Second,
		ChunkSize:    protocol.ChunkMax,
		Retries:      protocol.DefaultRetries,
	}
}

// Option is a functional option for configuring the Client.
type Option func(*Config)

// WithProgressCallback sets a callback to track flashing progress.
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for client operations.
func WithLogger(logger diag.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithEraseTimeout sets the timeout for requests that erase flash.
func WithEraseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.EraseTimeout = timeout
	}
}

// WithChunkSize sets the CHUNK payload size, clamped to 1..protocol.ChunkMax.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		c.ChunkSize = max(1, min(size, protocol.ChunkMax))
	}
}

// WithRetries sets the number of retransmissions.
func WithRetries(retries int) Option {
	return func(c *Config) {
		c.Retries = retries
	}
}

// WithVerify enables reading the image back after it is committed.
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}
