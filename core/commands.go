package core

import (
	"flashboot/boot"
	"flashboot/diag"
	"flashboot/fault"
	"flashboot/flash"
	"flashboot/partition"
	"flashboot/protocol"
	"flashboot/staging"
)

// maxErrorText bounds the error text carried in a failed result.
const maxErrorText = 128

// Replier sends a result message. *protocol.Transport implements it.
type Replier interface {
	SendResult(cmd uint16, status uint8, body []byte) error
}

// Dispatcher decodes commands and maps each onto a staging or boot
// operation. Every command gets exactly one result.
type Dispatcher struct {
	registry *CommandRegistry
	manager  *staging.Manager
	boot     *boot.Orchestrator
	layer    *flash.Layer
	table    *partition.Table
	replier  Replier
	logger   diag.Logger
	body     *protocol.ScratchOutput
}

// NewDispatcher registers the bootloader commands.
func NewDispatcher(manager *staging.Manager, orch *boot.Orchestrator, layer *flash.Layer, table *partition.Table, logger diag.Logger) *Dispatcher {
	if logger == nil {
		logger = diag.Nop()
	}
	d := &Dispatcher{
		registry: NewCommandRegistry(),
		manager:  manager,
		boot:     orch,
		layer:    layer,
		table:    table,
		logger:   logger,
		body:     protocol.NewScratchOutput(),
	}

	d.registry.Register(protocol.CmdPing, "ping", d.handlePing)
	d.registry.Register(protocol.CmdBegin, "begin", d.handleBegin)
	d.registry.Register(protocol.CmdChunk, "chunk", d.handleChunk)
	d.registry.Register(protocol.CmdFinalize, "finalize", d.handleFinalize)
	d.registry.Register(protocol.CmdAbort, "abort", d.handleAbort)
	d.registry.Register(protocol.CmdBoot, "boot", d.handleBoot)
	d.registry.Register(protocol.CmdEcho, "echo", d.handleEcho)
	d.registry.Register(protocol.CmdInfo, "info", d.handleInfo)
	d.registry.Register(protocol.CmdRead, "read", d.handleRead)
	return d
}

// SetReplier sets where results go.
func (d *Dispatcher) SetReplier(r Replier) {
	d.replier = r
}

// Registry returns the command registry.
func (d *Dispatcher) Registry() *CommandRegistry {
	return d.registry
}

// Handle runs one command and sends its result. It has the signature of a
// protocol.CommandHandler. A ProtocolError is returned so that the rest of
// the frame is dropped; other failures are reported and swallowed.
func (d *Dispatcher) Handle(cmdID uint16, data *[]byte) error {
	d.body.Reset()
	err := d.registry.Dispatch(cmdID, data, d.body)
	kind := fault.KindOf(err)

	if err != nil {
		d.logger.Debug("command failed", "cmd", protocol.CommandName(cmdID), "err", err)
		text := err.Error()
		if len(text) > maxErrorText {
			text = text[:maxErrorText]
		}
		d.reply(cmdID, kind, []byte(text))
	} else {
		d.reply(cmdID, fault.OK, d.body.Result())
	}

	if kind == fault.ProtocolError {
		*data = nil
		return err
	}
	return nil
}

// reply sends the result. A body too large for one frame is replaced by an
// InvalidSize failure so the host still gets an answer.
func (d *Dispatcher) reply(cmd uint16, kind fault.Kind, body []byte) {
	if d.replier == nil {
		return
	}
	if err := d.replier.SendResult(cmd, uint8(kind), body); err != nil {
		d.logger.Error("result dropped", "cmd", protocol.CommandName(cmd), "size", len(body), "err", err)
		_ = d.replier.SendResult(cmd, uint8(fault.InvalidSize), []byte("response too large"))
	}
}

func (d *Dispatcher) handlePing(args *[]byte, body protocol.OutputBuffer) error {
	if err := endOfArgs(args); err != nil {
		return err
	}
	body.Output([]byte("PONG"))
	return nil
}

func (d *Dispatcher) handleBegin(args *[]byte, body protocol.OutputBuffer) error {
	size, err := argUint(args, "size")
	if err != nil {
		return err
	}
	if err := endOfArgs(args); err != nil {
		return err
	}
	return d.manager.Begin(size)
}

func (d *Dispatcher) handleChunk(args *[]byte, body protocol.OutputBuffer) error {
	offset, err := argUint(args, "offset")
	if err != nil {
		return err
	}
	data, err := argBytes(args, "data")
	if err != nil {
		return err
	}
	if err := endOfArgs(args); err != nil {
		return err
	}
	if err := d.manager.WriteChunk(offset, data); err != nil {
		return err
	}
	protocol.EncodeVLQUint(body, d.manager.Session().BytesReceived)
	return nil
}

func (d *Dispatcher) handleFinalize(args *[]byte, body protocol.OutputBuffer) error {
	checksum, err := argUint(args, "checksum")
	if err != nil {
		return err
	}
	if err := endOfArgs(args); err != nil {
		return err
	}
	if err := d.manager.Finalize(checksum); err != nil {
		return err
	}
	// The image is in place either way; a lost marker only means the
	// next reset waits for the host first.
	if err := d.boot.MarkCommitted(); err != nil {
		d.logger.Error("boot marker not set", "err", err)
	}
	return nil
}

func (d *Dispatcher) handleAbort(args *[]byte, body protocol.OutputBuffer) error {
	if err := endOfArgs(args); err != nil {
		return err
	}
	d.manager.Abort()
	return nil
}

func (d *Dispatcher) handleBoot(args *[]byte, body protocol.OutputBuffer) error {
	if err := endOfArgs(args); err != nil {
		return err
	}
	return d.boot.RequestBoot()
}

func (d *Dispatcher) handleEcho(args *[]byte, body protocol.OutputBuffer) error {
	data, err := argBytes(args, "data")
	if err != nil {
		return err
	}
	if err := endOfArgs(args); err != nil {
		return err
	}
	if len(data) > protocol.EchoMax {
		return fault.New(fault.InvalidSize, "echo",
			diag.Itoa(len(data))+" bytes, max "+diag.Itoa(protocol.EchoMax))
	}
	body.Output(data)
	return nil
}

// handleInfo reports the version, the session and the partition table:
// version, state, expected, received, checksum, count, then per partition
// name, kind, base, size.
func (d *Dispatcher) handleInfo(args *[]byte, body protocol.OutputBuffer) error {
	if err := endOfArgs(args); err != nil {
		return err
	}
	s := d.manager.Session()
	protocol.EncodeVLQString(body, protocol.Version)
	protocol.EncodeVLQUint(body, uint32(s.State))
	protocol.EncodeVLQUint(body, s.ExpectedSize)
	protocol.EncodeVLQUint(body, s.BytesReceived)
	protocol.EncodeVLQUint(body, s.Checksum)

	parts := d.table.Partitions()
	protocol.EncodeVLQUint(body, uint32(len(parts)))
	for _, p := range parts {
		protocol.EncodeVLQString(body, p.Name)
		protocol.EncodeVLQUint(body, uint32(p.Kind))
		protocol.EncodeVLQUint(body, p.Base)
		protocol.EncodeVLQUint(body, p.Size)
	}
	return nil
}

func (d *Dispatcher) handleRead(args *[]byte, body protocol.OutputBuffer) error {
	kind, err := argUint(args, "kind")
	if err != nil {
		return err
	}
	offset, err := argUint(args, "offset")
	if err != nil {
		return err
	}
	length, err := argUint(args, "length")
	if err != nil {
		return err
	}
	if err := endOfArgs(args); err != nil {
		return err
	}
	if length > protocol.ReadMax {
		return fault.New(fault.InvalidSize, "read", "length "+diag.Utoa(length)+" above "+diag.Itoa(protocol.ReadMax))
	}

	if kind > 0xFF {
		return fault.New(fault.UnknownPartition, "read", "kind "+diag.Utoa(kind))
	}
	p, err := d.table.Resolve(partition.Kind(kind))
	if err != nil {
		return err
	}
	var buf [protocol.ReadMax]byte
	if err := d.layer.ReadInto(p, offset, buf[:length]); err != nil {
		return err
	}
	body.Output(buf[:length])
	return nil
}

func argUint(args *[]byte, name string) (uint32, error) {
	v, err := protocol.DecodeVLQUint(args)
	if err != nil {
		return 0, fault.New(fault.ProtocolError, "decode", "missing or truncated "+name)
	}
	return v, nil
}

func argBytes(args *[]byte, name string) ([]byte, error) {
	b, err := protocol.DecodeVLQBytes(args)
	if err != nil {
		return nil, fault.New(fault.ProtocolError, "decode", "missing or truncated "+name)
	}
	return b, nil
}

func endOfArgs(args *[]byte) error {
	if len(*args) != 0 {
		return fault.New(fault.ProtocolError, "decode", diag.Itoa(len(*args))+" trailing bytes")
	}
	return nil
}
