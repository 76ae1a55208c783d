package serial

import (
	"fmt"
	"net"
	"time"

	"github.com/tarm/serial"
)

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens the port named by cfg.Device.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("no device given")
	}
	if IsNetwork(cfg.Device) {
		return dialNetwork(cfg)
	}

	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg,
	}, nil
}

// Read reads data from the serial port
func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards unread input and unsent output.
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// NetPort is a Port over a TCP connection.
type NetPort struct {
	conn net.Conn
}

func dialNetwork(cfg *Config) (Port, error) {
	addr := NetworkAddress(cfg.Device)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &NetPort{conn: conn}, nil
}

// NewNetPort wraps an established connection.
func NewNetPort(conn net.Conn) *NetPort {
	return &NetPort{conn: conn}
}

func (p *NetPort) Read(b []byte) (int, error) {
	return p.conn.Read(b)
}

func (p *NetPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *NetPort) Close() error {
	return p.conn.Close()
}

// Flush is a no-op; TCP has nothing to discard.
func (p *NetPort) Flush() error {
	return nil
}
