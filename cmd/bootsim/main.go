// Command bootsim runs the bootloader against an emulated flash bank and
// serves its protocol on a TCP port, one host at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"flashboot/config"
	"flashboot/flash"
	"flashboot/host/hostlog"
	"flashboot/host/serial"
	"flashboot/host/sim"
)

var (
	listen     = flag.String("listen", "127.0.0.1:7070", "TCP address to serve on")
	imagePath  = flag.String("image", "", "Flash image file (.bin raw bank or .hex), loaded at start and saved after every session")
	configPath = flag.String("config", "", "JSON configuration file")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
	jsonOutput = flag.Bool("json", false, "Log as JSON")
)

func main() {
	flag.Parse()

	logger := hostlog.New(os.Stderr, *verbose, *jsonOutput)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			logger.WithError(err).Fatal("Failed to load config")
		}
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	emu := flash.NewEmulator(flash.STM32F4Geometry1M())
	if *imagePath != "" {
		if err := loadImage(emu, *imagePath); err != nil {
			logger.WithError(err).Fatal("Failed to load flash image")
		}
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.WithError(err).Fatal("Failed to listen")
	}
	logger.WithFields(logrus.Fields{
		"addr":        ln.Addr().String(),
		"wait_window": cfg.WaitWindowMillis,
	}).Info("Simulator listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	dev := sim.New(cfg, emu, hostlog.Adapt(logger.WithField("component", "bootloader")))
	ctx = hostlog.WithLogger(ctx, logger)
	if err := serve(ctx, ln, dev); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Fatal("Simulator stopped")
	}
	logger.Info("Simulator stopped")
}

// serve accepts hosts one at a time. Each connection is a fresh power
// cycle of the board.
func serve(ctx context.Context, ln net.Listener, dev *sim.Device) error {
	logger := hostlog.GetLogger(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		log := logger.WithField("remote", conn.RemoteAddr().String())
		log.Info("Host connected")

		out, err := dev.Serve(ctx, serial.NewNetPort(conn))
		fields := logrus.Fields{
			"overflows":   out.Stats.Overflows,
			"send_errors": out.Stats.SendErrors,
			"duplicates":  out.Stats.Duplicates,
		}
		switch {
		case err != nil:
			log.WithFields(fields).WithError(err).Warn("Session ended")
		case out.Jumped:
			fields["addr"] = out.Address
			log.WithFields(fields).Info("Jumped to application, resetting board")
		default:
			log.WithFields(fields).Info("Host disconnected")
		}

		if *imagePath != "" {
			if err := saveImage(dev.Emulator(), *imagePath); err != nil {
				log.WithError(err).Error("Failed to save flash image")
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func isHex(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".hex" || ext == ".ihex"
}

func loadImage(emu *flash.Emulator, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		// Start blank; the file is created on first save
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if isHex(path) {
		return emu.LoadHex(f)
	}
	return emu.Load(f)
}

func saveImage(emu *flash.Emulator, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if isHex(path) {
		err = emu.WriteHex(f)
	} else {
		err = emu.Save(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
