// Package protocol implements the bootloader wire protocol: CRC16 framed
// blocks carrying VLQ encoded commands, with sequence numbers so that lost
// or repeated frames are detected.
//
// A frame is [len][seq][payload...][crc16 hi][crc16 lo][0x7E]. The payload
// holds one or more commands, each a VLQ command ID followed by its
// arguments. The device answers every command with a single result message.
package protocol

// Version is reported by the INFO command.
const Version = "0.3.0"

// Protocol constants
const (
	MessageMax = 512 // Scratch output size, room for a result frame plus an ACK

	// Message sequence masks
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4

	// ReadMax bounds the READ payload so the result fits in one frame.
	ReadMax = 192

	// ChunkMax is the largest CHUNK payload that fits in one frame next to
	// the command ID, offset and length prefix.
	ChunkMax = MessageLengthMax - MessageLengthMin - 1 - 5 - 2

	// EchoMax is the largest ECHO payload whose result still fits in one
	// frame: result ID, command, status and a two byte length prefix.
	EchoMax = MessageLengthMax - MessageLengthMin - 3 - 2
)

// Command IDs. ID 0 is the result message sent by the device.
const (
	CmdResult uint16 = iota
	CmdPing
	CmdBegin
	CmdChunk
	CmdFinalize
	CmdAbort
	CmdBoot
	CmdEcho
	CmdInfo
	CmdRead

	// CmdInvalid is passed to the handler when a command ID cannot be decoded.
	CmdInvalid uint16 = 0xFFFF
)

var commandNames = [...]string{
	CmdResult:   "result",
	CmdPing:     "ping",
	CmdBegin:    "begin",
	CmdChunk:    "chunk",
	CmdFinalize: "finalize",
	CmdAbort:    "abort",
	CmdBoot:     "boot",
	CmdEcho:     "echo",
	CmdInfo:     "info",
	CmdRead:     "read",
}

// CommandName returns the lower-case name of a command ID.
func CommandName(id uint16) string {
	if int(id) < len(commandNames) {
		return commandNames[id]
	}
	return "unknown"
}

// Result is a decoded result message: the command it answers, a status
// (0 for success, otherwise an error kind) and a command specific body.
type Result struct {
	Command uint16
	Status  uint8
	Body    []byte
}

// EncodeResult writes a result message for cmd.
func EncodeResult(output OutputBuffer, cmd uint16, status uint8, body []byte) {
	EncodeVLQUint(output, uint32(CmdResult))
	EncodeVLQUint(output, uint32(cmd))
	EncodeVLQUint(output, uint32(status))
	EncodeVLQBytes(output, body)
}

// DecodeResult parses a result message payload, including its command ID.
func DecodeResult(payload []byte) (Result, error) {
	data := payload
	id, err := DecodeVLQUint(&data)
	if err != nil {
		return Result{}, err
	}
	if uint16(id) != CmdResult {
		return Result{}, ErrNotResult
	}
	cmd, err := DecodeVLQUint(&data)
	if err != nil {
		return Result{}, err
	}
	status, err := DecodeVLQUint(&data)
	if err != nil {
		return Result{}, err
	}
	body, err := DecodeVLQBytes(&data)
	if err != nil {
		return Result{}, err
	}
	return Result{Command: uint16(cmd), Status: uint8(status), Body: body}, nil
}
