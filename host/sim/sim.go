// Package sim runs the bootloader core against an emulated flash bank so
// that the host tools can be exercised without hardware.
package sim

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"flashboot/boot"
	"flashboot/config"
	"flashboot/core"
	"flashboot/diag"
	"flashboot/flash"
	"flashboot/partition"
	"flashboot/staging"
)

// PollInterval is how often the simulated control loop runs.
const PollInterval = time.Millisecond

// Outcome describes how a power cycle ended.
type Outcome struct {
	Jumped  bool
	Address uint32
	Stats   core.Stats
}

// Device is a simulated board. Flash contents and the boot marker survive
// across power cycles; everything else is rebuilt by Serve.
type Device struct {
	cfg    *config.Config
	emu    *flash.Emulator
	layer  *flash.Layer
	table  *partition.Table
	marker *boot.MemoryMarker
	logger diag.Logger
	epoch  time.Time

	// one power cycle at a time
	mu sync.Mutex
}

// New creates a Device over emu. A nil cfg uses config.Default().
func New(cfg *config.Config, emu *flash.Emulator, logger diag.Logger) *Device {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = diag.Nop()
	}
	if busy := BusyFunc(cfg.Emulator); busy != nil {
		emu.Busy = busy
	}
	return &Device{
		cfg:    cfg,
		emu:    emu,
		layer:  flash.NewLayer(emu, emu.Geometry()),
		table:  partition.MustDefault(),
		marker: boot.NewMemoryMarker(boot.IntentNone),
		logger: logger,
		epoch:  time.Now(),
	}
}

// BusyFunc turns emulator timings into a flash.Emulator Busy hook. It
// returns nil when no delay is configured.
func BusyFunc(c config.EmulatorConfig) func(op flash.Op, n int) {
	if c.EraseMillisPerSector == 0 && c.ProgramMicrosPerWord == 0 {
		return nil
	}
	return func(op flash.Op, n int) {
		switch op {
		case flash.OpErase:
			time.Sleep(time.Duration(c.EraseMillisPerSector) * time.Millisecond)
		case flash.OpProgram:
			words := (n + 3) / 4
			time.Sleep(time.Duration(words) * time.Duration(c.ProgramMicrosPerWord) * time.Microsecond)
		}
	}
}

// Emulator returns the flash bank.
func (d *Device) Emulator() *flash.Emulator {
	return d.emu
}

// Marker returns the boot marker, which persists across power cycles.
func (d *Device) Marker() *boot.MemoryMarker {
	return d.marker
}

// Layer returns the flash access layer.
func (d *Device) Layer() *flash.Layer {
	return d.layer
}

func (d *Device) now() uint32 {
	return uint32(time.Since(d.epoch).Milliseconds())
}

// Serve runs one power cycle with conn as the host link. It returns when
// the bootloader jumps to the application, the host hangs up, or ctx is
// cancelled. conn is closed on return.
func (d *Device) Serve(ctx context.Context, conn io.ReadWriteCloser) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer conn.Close()

	manager, err := staging.New(d.layer, d.table,
		append(d.cfg.StagingOptions(), staging.WithLogger(d.logger))...)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	jump := func(addr uint32) {
		out.Jumped = true
		out.Address = addr
	}
	orch, err := boot.New(d.layer, d.table, d.marker, jump,
		append(d.cfg.BootOptions(), boot.WithSession(manager), boot.WithLogger(d.logger))...)
	if err != nil {
		return Outcome{}, err
	}

	dispatcher := core.NewDispatcher(manager, orch, d.layer, d.table, d.logger)
	loop := core.NewLoop(dispatcher, orch, conn, d.logger)

	orch.Enter(d.now())

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if taken := loop.OnBytesReceived(buf[:n]); taken < n {
					d.logger.Debug("receive fifo full", "dropped", n-taken)
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if loop.Poll(d.now()) {
			out.Stats = loop.Stats()
			return out, nil
		}
		select {
		case <-ctx.Done():
			out.Stats = loop.Stats()
			return out, ctx.Err()
		case err := <-readErr:
			// Let the loop answer whatever arrived before the hang-up
			loop.Poll(d.now())
			out.Stats = loop.Stats()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return out, nil
			}
			return out, err
		case <-ticker.C:
		}
	}
}
