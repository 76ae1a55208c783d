package boot

import (
	"flashboot/diag"
	"flashboot/staging"
)

// Defaults for the STM32F4 target.
const (
	DefaultWaitWindowMillis = 3000
	DefaultRAMStart         = 0x20000000
	DefaultRAMSize          = 128 * 1024
)

// Stager is the part of the staging manager the orchestrator needs to
// abandon an update when the host goes quiet.
type Stager interface {
	Session() staging.Session
	Abort()
}

// Config holds the orchestrator configuration.
type Config struct {
	// WaitWindowMillis is how long the bootloader waits for host activity
	// before booting the application.
	WaitWindowMillis uint32

	// RAMStart and RAMSize bound a plausible initial stack pointer.
	RAMStart uint32
	RAMSize  uint32

	Logger  diag.Logger
	Session Stager
}

func defaultConfig() Config {
	return Config{
		WaitWindowMillis: DefaultWaitWindowMillis,
		RAMStart:         DefaultRAMStart,
		RAMSize:          DefaultRAMSize,
		Logger:           diag.Nop(),
	}
}

// Option configures an Orchestrator.
type Option func(*Config)

// WithWaitWindow sets the host inactivity window in milliseconds.
func WithWaitWindow(ms uint32) Option {
	return func(c *Config) {
		if ms > 0 {
			c.WaitWindowMillis = ms
		}
	}
}

// WithRAM sets the RAM range used to validate the application stack pointer.
func WithRAM(start, size uint32) Option {
	return func(c *Config) {
		if size > 0 {
			c.RAMStart = start
			c.RAMSize = size
		}
	}
}

// WithLogger sets a logger for boot decisions.
func WithLogger(logger diag.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithSession lets the orchestrator abort a stalled update on timeout.
func WithSession(s Stager) Option {
	return func(c *Config) {
		c.Session = s
	}
}
