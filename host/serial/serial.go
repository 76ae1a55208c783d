// Package serial opens the link to a bootloader: a USB CDC serial port, or
// a TCP socket when talking to the simulator.
package serial

import (
	"io"
	"strings"
	"time"
)

// Port is a byte stream to the device.
type Port interface {
	io.ReadWriteCloser

	// Flush discards anything still buffered by the driver
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3") or "tcp://host:port"
	Device string

	// Baud rate (USB CDC ignores this)
	Baud int

	// ReadTimeout bounds a single Read; 0 blocks
	ReadTimeout time.Duration
}

// DefaultConfig returns the configuration used by bootctl.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

const tcpScheme = "tcp://"

// IsNetwork reports whether device names a TCP endpoint.
func IsNetwork(device string) bool {
	return strings.HasPrefix(device, tcpScheme)
}

// NetworkAddress strips the tcp:// scheme.
func NetworkAddress(device string) string {
	return strings.TrimPrefix(device, tcpScheme)
}
