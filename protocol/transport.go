package protocol

import "errors"

var (
	// ErrFrameTooLarge is returned when a response does not fit in one frame.
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")

	errHandlerPanic = errors.New("command handler panicked")
)

// CommandHandler runs one decoded command. data is advanced past the
// arguments it consumed.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the device end of the link. It is not safe for concurrent
// use; the control loop owns it.
type Transport struct {
	frames  deframer
	nextSeq uint8 // sequence expected from the host, echoed in ACKs and responses

	output        OutputBuffer
	payload       ScratchOutput
	handler       CommandHandler
	resetCallback func()
	flushCallback func()

	// Last accepted frame and the responses it produced, so a retransmit
	// is answered without running the command twice.
	haveLast   bool
	lastSeq    uint8
	lastCRC    uint16
	replay     [MessageMax]byte
	replayLen  int
	duplicates uint32
}

// NewTransport creates a device transport writing to output.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		frames:  deframer{wantDest: true},
		nextSeq: MessageDest,
		output:  output,
		handler: handler,
	}
}

// Receive consumes whole frames from input, runs them and queues the
// ACK for each. Partial frames stay in input until the rest arrives.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for {
		before := t.frames.resyncs
		m, rest, ok := t.frames.next(data)
		if t.frames.resyncs != before {
			t.encodeAckNak()
		}
		data = rest
		if !ok {
			break
		}
		t.accept(m)
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) accept(m Message) {
	switch {
	case t.haveLast && m.Sequence == t.lastSeq && m.CRC == t.lastCRC:
		// Retransmit of the frame we just ran; its ACK was lost.
		t.duplicates++
		t.output.Output(t.replay[:t.replayLen])
	case m.Sequence == t.nextSeq || m.Sequence == MessageDest:
		if m.Sequence != t.nextSeq {
			t.resetSequence()
		}
		t.nextSeq = ((m.Sequence + 1) & MessageSeqMask) | MessageDest

		cursor := t.output.CurPosition()
		_ = t.parseFrame(m.Payload)
		t.remember(m.Sequence, m.CRC, t.output.DataSince(cursor))
	}
	// Frames out of sequence are not run; the ACK names the one expected.
	t.encodeAckNak()
}

// parseFrame extracts and dispatches commands from a frame
func (t *Transport) parseFrame(frame []byte) (err error) {
	// Recover from any panics in command handlers to prevent firmware crash
	defer func() {
		if r := recover(); r != nil {
			t.frames.lost = true
			err = errHandlerPanic
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			// Let the handler answer with an error for the truncated ID
			cmdID = uint32(CmdInvalid)
			frame = nil
		}

		if t.handler != nil {
			if err := t.handler(uint16(cmdID), &frame); err != nil {
				// The handler has reported the error; the rest of the frame
				// cannot be decoded reliably.
				return err
			}
		}
	}
	return nil
}

func (t *Transport) remember(seq uint8, crc uint16, responses []byte) {
	t.haveLast = true
	t.lastSeq = seq
	t.lastCRC = crc
	t.replayLen = copy(t.replay[:], responses)
}

// encodeAckNak queues an empty frame carrying the next expected sequence.
func (t *Transport) encodeAckNak() {
	var ack [MessageLengthMin]byte
	ack[MessagePositionSeq] = t.nextSeq
	t.output.Output(appendTrailer(ack[:MessageHeaderSize]))
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes one frame whose payload is produced by frameData.
// Responses carry the same sequence as the ACK for the frame that caused
// them. A payload that does not fit in one frame is discarded and
// ErrFrameTooLarge returned; nothing is written in that case.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) error {
	t.payload.Reset()
	frameData(&t.payload)
	payload := t.payload.Result()
	if t.payload.Overflowed() || len(payload)+MessageLengthMin > MessageLengthMax {
		return ErrFrameTooLarge
	}

	cursor := t.output.CurPosition()
	t.output.Output([]byte{uint8(len(payload) + MessageLengthMin), t.nextSeq})
	t.output.Output(payload)
	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
	return nil
}

// SendResult sends the result message for cmd.
func (t *Transport) SendResult(cmd uint16, status uint8, body []byte) error {
	return t.EncodeFrame(func(output OutputBuffer) {
		EncodeResult(output, cmd, status, body)
	})
}

// Reset returns the transport to its power-on state, e.g. after the host
// port is reopened.
func (t *Transport) Reset() {
	t.frames.reset()
	t.resetSequence()
}

// Duplicates returns how many retransmitted frames were answered from the
// replay buffer.
func (t *Transport) Duplicates() uint32 {
	return t.duplicates
}

// SetResetCallback sets a callback to be called when host reset is detected
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback to immediately flush ACK messages
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

func (t *Transport) resetSequence() {
	t.nextSeq = MessageDest
	t.haveLast = false
	t.replayLen = 0
	if t.resetCallback != nil {
		t.resetCallback()
	}
}
