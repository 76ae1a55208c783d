// Command bootctl flashes and controls a flashboot bootloader over USB
// serial or, for the simulator, TCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"flashboot/host/hostlog"
	"flashboot/host/serial"
	"flashboot/host/updater"
)

var (
	device     = flag.String("device", "/dev/ttyACM0", "Serial device path or tcp://host:port")
	baud       = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	chunk      = flag.Int("chunk", 0, "CHUNK payload size (default: largest that fits a frame)")
	timeout    = flag.Duration("timeout", time.Second, "Per-request timeout")
	retries    = flag.Int("retries", 3, "Retransmissions per request")
	verify     = flag.Bool("verify", false, "Read the image back after flashing")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
	jsonOutput = flag.Bool("json", false, "Log as JSON")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\nCommands:\n", os.Args[0])
	printHelp(os.Stderr)
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := hostlog.New(os.Stderr, *verbose, *jsonOutput)

	portCfg := serial.DefaultConfig(*device)
	portCfg.Baud = *baud
	port, err := serial.Open(portCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open device")
	}
	// Drop whatever the device sent before we attached
	if err := port.Flush(); err != nil {
		logger.WithError(err).Warn("Failed to flush device input")
	}

	opts := []updater.Option{
		updater.WithLogger(hostlog.Adapt(logger)),
		updater.WithTimeout(*timeout),
		updater.WithRetries(*retries),
		updater.WithVerify(*verify),
	}
	if *chunk > 0 {
		opts = append(opts, updater.WithChunkSize(*chunk))
	}
	if !*jsonOutput {
		opts = append(opts, updater.WithProgressCallback(progressBar(os.Stderr)))
	}
	client := updater.New(port, opts...)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = hostlog.WithLogger(ctx, logger.WithField("device", *device))

	if err := runCommand(ctx, client, flag.Args(), os.Stdin, os.Stdout); err != nil {
		logger.WithError(err).Error("Command failed")
		client.Close()
		os.Exit(1)
	}
}
