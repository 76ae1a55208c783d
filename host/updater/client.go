// Package updater is the host side of the bootloader protocol: it sends
// commands over a HostTransport and flashes whole images.
package updater

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"flashboot/diag"
	"flashboot/fault"
	"flashboot/host/image"
	"flashboot/partition"
	"flashboot/protocol"
	"flashboot/staging"
)

// PartitionInfo is one entry of the device's partition table.
type PartitionInfo struct {
	Name string
	Kind partition.Kind
	Base uint32
	Size uint32
}

// DeviceInfo is the decoded INFO result.
type DeviceInfo struct {
	Version    string
	Session    staging.Session
	Partitions []PartitionInfo
}

// Partition returns the entry for kind.
func (i *DeviceInfo) Partition(kind partition.Kind) (PartitionInfo, bool) {
	for _, p := range i.Partitions {
		if p.Kind == kind {
			return p, true
		}
	}
	return PartitionInfo{}, false
}

// Client talks to one bootloader.
type Client struct {
	transport *protocol.HostTransport
	config    Config
}

// New creates a Client over port. The client owns port from now on.
func New(port io.ReadWriteCloser, opts ...Option) *Client {
	if port == nil {
		panic("port cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	t := protocol.NewHostTransport(port)
	t.SetRetries(cfg.Retries)
	return &Client{transport: t, config: cfg}
}

// Close shuts the transport down and closes the port.
func (c *Client) Close() error {
	return c.transport.Close()
}

// call sends one command and returns the body of a successful result.
func (c *Client) call(ctx context.Context, cmd uint16, args func(protocol.OutputBuffer), timeout time.Duration) ([]byte, error) {
	name := protocol.CommandName(cmd)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	msg, err := c.transport.Request(ctx, cmd, args, timeout)
	if err != nil {
		return nil, err
	}
	res, err := protocol.DecodeResult(msg.Payload)
	if err != nil {
		return nil, &UnexpectedResponseError{Command: name, Detail: err.Error()}
	}
	if res.Command != cmd {
		return nil, &UnexpectedResponseError{
			Command: name,
			Detail:  "result answers " + protocol.CommandName(res.Command),
		}
	}
	if res.Status != uint8(fault.OK) {
		return nil, &DeviceError{Command: name, Kind: fault.Kind(res.Status), Message: string(res.Body)}
	}
	return res.Body, nil
}

// Ping checks that the bootloader answers.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.call(ctx, protocol.CmdPing, nil, c.config.Timeout)
	if err != nil {
		return err
	}
	if string(body) != "PONG" {
		return &UnexpectedResponseError{Command: "ping", Detail: fmt.Sprintf("body %q", body)}
	}
	return nil
}

// Echo sends data and returns what came back.
func (c *Client) Echo(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) > protocol.EchoMax {
		return nil, fmt.Errorf("echo: %d bytes, max %d", len(data), protocol.EchoMax)
	}
	return c.call(ctx, protocol.CmdEcho, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(out, data)
	}, c.config.Timeout)
}

// Info returns the bootloader version, its session and its partition table.
func (c *Client) Info(ctx context.Context) (*DeviceInfo, error) {
	body, err := c.call(ctx, protocol.CmdInfo, nil, c.config.Timeout)
	if err != nil {
		return nil, err
	}
	info, err := decodeInfo(body)
	if err != nil {
		return nil, &UnexpectedResponseError{Command: "info", Detail: err.Error()}
	}
	return info, nil
}

func decodeInfo(body []byte) (*DeviceInfo, error) {
	data := body
	info := &DeviceInfo{}

	var err error
	if info.Version, err = protocol.DecodeVLQString(&data); err != nil {
		return nil, err
	}
	state, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return nil, err
	}
	info.Session.State = staging.State(state)
	for _, field := range []*uint32{&info.Session.ExpectedSize, &info.Session.BytesReceived, &info.Session.Checksum} {
		if *field, err = protocol.DecodeVLQUint(&data); err != nil {
			return nil, err
		}
	}

	count, err := protocol.DecodeVLQUint(&data)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var p PartitionInfo
		if p.Name, err = protocol.DecodeVLQString(&data); err != nil {
			return nil, err
		}
		kind, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return nil, err
		}
		p.Kind = partition.Kind(kind)
		if p.Base, err = protocol.DecodeVLQUint(&data); err != nil {
			return nil, err
		}
		if p.Size, err = protocol.DecodeVLQUint(&data); err != nil {
			return nil, err
		}
		info.Partitions = append(info.Partitions, p)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(data))
	}
	return info, nil
}

// Begin opens a session for an image of size bytes.
func (c *Client) Begin(ctx context.Context, size uint32) error {
	_, err := c.call(ctx, protocol.CmdBegin, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, size)
	}, c.config.EraseTimeout)
	return err
}

// Chunk sends data for offset and returns the device's byte count.
func (c *Client) Chunk(ctx context.Context, offset uint32, data []byte) (uint32, error) {
	if len(data) > protocol.ChunkMax {
		return 0, fmt.Errorf("chunk of %d bytes exceeds %d", len(data), protocol.ChunkMax)
	}
	body, err := c.call(ctx, protocol.CmdChunk, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQBytes(out, data)
	}, c.config.Timeout)
	if err != nil {
		return 0, err
	}
	received, err := protocol.DecodeVLQUint(&body)
	if err != nil {
		return 0, &UnexpectedResponseError{Command: "chunk", Detail: err.Error()}
	}
	return received, nil
}

// Finalize asks the device to verify the image and commit it.
func (c *Client) Finalize(ctx context.Context, checksum uint32) error {
	_, err := c.call(ctx, protocol.CmdFinalize, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, checksum)
	}, c.config.EraseTimeout)
	return err
}

// Abort ends the device's session.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdAbort, nil, c.config.Timeout)
	return err
}

// Boot asks the bootloader to start the application.
func (c *Client) Boot(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CmdBoot, nil, c.config.Timeout)
	return err
}

// Read returns length bytes at offset in the partition of the given kind.
// length is limited to protocol.ReadMax.
func (c *Client) Read(ctx context.Context, kind partition.Kind, offset, length uint32) ([]byte, error) {
	return c.call(ctx, protocol.CmdRead, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(kind))
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, length)
	}, c.config.Timeout)
}

// ReadAll reads length bytes at offset using as many READ commands as needed.
func (c *Client) ReadAll(ctx context.Context, kind partition.Kind, offset, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	for done := uint32(0); done < length; {
		n := min(length-done, protocol.ReadMax)
		data, err := c.Read(ctx, kind, offset+done, n)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		done += n
	}
	return out, nil
}

// Flash sends img through a full BEGIN, CHUNK..., FINALIZE sequence. A
// failure after BEGIN aborts the session so the device is left idle.
func (c *Client) Flash(ctx context.Context, img *image.Image) error {
	if img == nil {
		return fmt.Errorf("image cannot be nil")
	}
	start := time.Now()
	total := img.Size()

	c.report(Progress{Phase: PhaseErasing, TotalBytes: total, Elapsed: time.Since(start)})
	if err := c.Begin(ctx, total); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	err := img.Chunks(c.config.ChunkSize, func(off uint32, data []byte) error {
		received, err := c.Chunk(ctx, off, data)
		if err != nil {
			return fmt.Errorf("chunk at 0x%X: %w", off, err)
		}
		if want := off + uint32(len(data)); received != want {
			return &UnexpectedResponseError{
				Command: "chunk",
				Detail:  fmt.Sprintf("device has %d bytes, expected %d", received, want),
			}
		}
		c.report(Progress{
			Phase:      PhaseSending,
			BytesSent:  received,
			TotalBytes: total,
			Percentage: 95 * float64(received) / float64(total),
			Elapsed:    time.Since(start),
		})
		return nil
	})
	if err != nil {
		c.abortQuietly(err)
		return err
	}

	c.report(Progress{Phase: PhaseFinalize, BytesSent: total, TotalBytes: total, Percentage: 95, Elapsed: time.Since(start)})
	if err := c.Finalize(ctx, img.Checksum); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if c.config.Verify {
		c.report(Progress{Phase: PhaseVerifying, BytesSent: total, TotalBytes: total, Percentage: 97, Elapsed: time.Since(start)})
		if err := c.verify(ctx, img); err != nil {
			return err
		}
	}

	c.report(Progress{Phase: PhaseComplete, BytesSent: total, TotalBytes: total, Percentage: 100, Elapsed: time.Since(start)})
	c.config.Logger.Info("image flashed",
		"bytes", total,
		"crc", diag.Hex32(img.Checksum),
		"elapsed", time.Since(start).String(),
	)
	return nil
}

func (c *Client) verify(ctx context.Context, img *image.Image) error {
	got, err := c.ReadAll(ctx, partition.ActiveApp, 0, img.Size())
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if bytes.Equal(got, img.Data) {
		return nil
	}
	for i := range got {
		if got[i] != img.Data[i] {
			return &VerificationError{Offset: uint32(i), Expected: img.Data[i], Actual: got[i]}
		}
	}
	return &VerificationError{Offset: uint32(len(got))}
}

func (c *Client) abortQuietly(cause error) {
	// A fresh context: the caller's may be what failed
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout*time.Duration(c.config.Retries+1))
	defer cancel()
	if err := c.Abort(ctx); err != nil {
		c.config.Logger.Error("abort after failure", "cause", cause, "err", err)
	}
}

func (c *Client) report(p Progress) {
	if c.config.ProgressCallback != nil {
		c.config.ProgressCallback(p)
	}
}
