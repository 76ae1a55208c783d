package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"flashboot/host/hostlog"
	"flashboot/host/image"
	"flashboot/host/updater"
	"flashboot/partition"
	"flashboot/protocol"
)

var errUsage = errors.New("usage")

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "  ping                    - Check that the bootloader answers")
	fmt.Fprintln(w, "  info                    - Show version, session and partitions")
	fmt.Fprintln(w, "  flash FILE              - Flash a .bin or .hex image")
	fmt.Fprintln(w, "  boot                    - Start the application")
	fmt.Fprintln(w, "  abort                   - Abandon the current update")
	fmt.Fprintln(w, "  echo TEXT               - Round-trip TEXT through the device")
	fmt.Fprintln(w, "  read KIND OFFSET LENGTH - Hex dump a partition range")
	fmt.Fprintln(w, "  console                 - Interactive prompt")
}

// runCommand executes one bootctl command. console reads further commands
// from in.
func runCommand(ctx context.Context, client *updater.Client, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return nil
	}
	hostlog.GetLogger(ctx).WithField("command", args[0]).Debug("Running command")

	switch cmd, rest := args[0], args[1:]; cmd {
	case "ping":
		if err := client.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "PONG")

	case "info":
		info, err := client.Info(ctx)
		if err != nil {
			return err
		}
		printInfo(out, info)

	case "flash":
		if len(rest) != 1 {
			return fmt.Errorf("%w: flash FILE", errUsage)
		}
		img, err := image.Load(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Flashing %s: %d bytes, crc32 0x%08X\n", rest[0], img.Size(), img.Checksum)
		if err := client.Flash(ctx, img); err != nil {
			return err
		}
		fmt.Fprintln(out, "Image committed")

	case "boot":
		if err := client.Boot(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Booting application")

	case "abort":
		if err := client.Abort(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Session aborted")

	case "echo":
		reply, err := client.Echo(ctx, []byte(strings.Join(rest, " ")))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(reply))

	case "read":
		return runRead(ctx, client, rest, out)

	case "console":
		return runConsole(ctx, client, in, out)

	case "help", "?":
		printHelp(out)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

func runRead(ctx context.Context, client *updater.Client, args []string, out io.Writer) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: read KIND OFFSET LENGTH", errUsage)
	}
	kind, ok := partition.ParseKind(args[0])
	if !ok {
		return fmt.Errorf("unknown partition kind %q", args[0])
	}
	offset, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("bad offset: %w", err)
	}
	length, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return fmt.Errorf("bad length: %w", err)
	}

	data, err := client.ReadAll(ctx, kind, uint32(offset), uint32(length))
	if err != nil {
		return err
	}
	hexDump(out, uint32(offset), data)
	return nil
}

// runConsole is an interactive prompt. Lines are split shell-style so
// arguments may be quoted.
func runConsole(ctx context.Context, client *updater.Client, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "quit", "exit", "q":
			return nil
		case "console":
			fmt.Fprintln(out, "Already in console")
			continue
		}
		if err := runCommand(ctx, client, args, nil, out); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func printInfo(out io.Writer, info *updater.DeviceInfo) {
	s := info.Session
	fmt.Fprintf(out, "Bootloader %s (protocol chunk %d bytes)\n", info.Version, protocol.ChunkMax)
	fmt.Fprintf(out, "Session: %s, %d/%d bytes, crc32 0x%08X\n", s.State, s.BytesReceived, s.ExpectedSize, s.Checksum)
	fmt.Fprintln(out, "Partitions:")
	for _, p := range info.Partitions {
		fmt.Fprintf(out, "  %-10s %-14s 0x%08X  %4d KiB\n", p.Name, p.Kind, p.Base, p.Size/1024)
	}
}

func hexDump(out io.Writer, base uint32, data []byte) {
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]
		fmt.Fprintf(out, "%08X ", base+uint32(off))
		for _, b := range line {
			fmt.Fprintf(out, " %02X", b)
		}
		fmt.Fprintln(out)
	}
}

// progressBar renders flashing progress on one terminal line.
func progressBar(w io.Writer) updater.ProgressCallback {
	return func(p updater.Progress) {
		const width = 40
		filled := int(p.Percentage / 100 * width)
		fmt.Fprintf(w, "\r%-10s [%s%s] %5.1f%%", p.Phase,
			strings.Repeat("#", filled), strings.Repeat(".", width-filled), p.Percentage)
		if p.Phase == updater.PhaseComplete {
			fmt.Fprintln(w)
		}
	}
}
