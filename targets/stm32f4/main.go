//go:build stm32f4

package main

import (
	_ "embed"
	"time"

	"flashboot/boot"
	"flashboot/config"
	"flashboot/core"
	"flashboot/diag"
	"flashboot/flash"
	"flashboot/partition"
	"flashboot/staging"
)

//go:embed bootloader.json
var configJSON []byte

var (
	loop  *core.Loop
	start time.Time
)

// millis is the loop clock. It wraps after ~49 days, which the
// orchestrator tolerates.
func millis() uint32 {
	return uint32(time.Since(start).Milliseconds())
}

func main() {
	start = time.Now()

	cfg, err := config.LoadConfig(configJSON)
	if err != nil {
		cfg = config.Default()
	}
	logger := diag.WriterLogger{Prefix: "boot"}
	if cfg.Debug {
		if err := InitDebugUART(); err != nil {
			logger.Error("debug uart unavailable", "err", err)
		}
	}

	// Without the host link there is nothing to serve
	if err := InitSerial(); err != nil {
		halt(err)
	}

	dev := NewFlashController()
	layer := flash.NewLayer(dev, flash.STM32F4Geometry1M())
	table := partition.MustDefault()

	stagingOpts := append(cfg.StagingOptions(), staging.WithLogger(logger))
	if cfg.Display.Enabled {
		if d := InitDisplay(cfg.Display, logger); d != nil {
			stagingOpts = append(stagingOpts, staging.WithObserver(d))
		}
	}
	manager, err := staging.New(layer, table, stagingOpts...)
	if err != nil {
		halt(err)
	}

	orch, err := boot.New(layer, table, NewBackupMarker(), JumpToApplication,
		append(cfg.BootOptions(), boot.WithSession(manager), boot.WithLogger(logger))...)
	if err != nil {
		halt(err)
	}

	// A boot intent left by the application or the previous session
	// jumps before the host link is touched.
	if orch.Enter(millis()).Boot {
		orch.CheckPendingJump()
	}

	dispatcher := core.NewDispatcher(manager, orch, layer, table, logger)
	loop = core.NewLoop(dispatcher, orch, serialSender{}, logger)

	go serialReaderLoop()

	for {
		loop.Poll(millis())
		// Yield to the reader goroutine
		time.Sleep(100 * time.Microsecond)
	}
}

// halt reports a fatal configuration error and stays in place so the
// event log can be read over SWD.
func halt(err error) {
	diag.SetEnabled(true)
	diag.Println("fatal: " + err.Error())
	for {
		time.Sleep(time.Second)
	}
}
