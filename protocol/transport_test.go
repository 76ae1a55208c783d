package protocol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// buildFrame returns a complete host frame carrying payload.
func buildFrame(seq uint8, payload []byte) []byte {
	frame := append([]byte{uint8(len(payload) + MessageLengthMin), seq}, payload...)
	crc := CRC16(frame)
	return append(frame, uint8(crc>>8), uint8(crc), MessageValueSync)
}

func commandPayload(cmd uint16, args ...uint32) []byte {
	out := NewScratchOutput()
	EncodeVLQUint(out, uint32(cmd))
	for _, a := range args {
		EncodeVLQUint(out, a)
	}
	return append([]byte(nil), out.Result()...)
}

// splitFrames parses well-formed frames out of device output.
func splitFrames(t *testing.T, data []byte) []*Message {
	t.Helper()
	var msgs []*Message
	for len(data) > 0 {
		n := int(data[0])
		if n < MessageLengthMin || n > len(data) || data[n-1] != MessageValueSync {
			t.Fatalf("malformed output at %v", data)
		}
		msgs = append(msgs, &Message{
			Length:   data[0],
			Sequence: data[1],
			Payload:  data[MessageHeaderSize : n-MessageTrailerSize],
		})
		data = data[n:]
	}
	return msgs
}

type echoDevice struct {
	out       *ScratchOutput
	transport *Transport
	calls     []uint16
	resets    int
}

// newEchoDevice answers every command with an OK result echoing its
// remaining argument bytes.
func newEchoDevice() *echoDevice {
	d := &echoDevice{out: NewScratchOutput()}
	d.transport = NewTransport(d.out, func(cmd uint16, data *[]byte) error {
		d.calls = append(d.calls, cmd)
		if cmd == CmdInvalid {
			d.transport.SendResult(cmd, 9, nil)
			return errors.New("bad command")
		}
		body := *data
		*data = nil
		d.transport.SendResult(cmd, 0, body)
		return nil
	})
	d.transport.SetResetCallback(func() { d.resets++ })
	return d
}

func (d *echoDevice) feed(t *testing.T, data []byte) []*Message {
	t.Helper()
	d.out.Reset()
	d.transport.Receive(NewSliceInputBuffer(data))
	return splitFrames(t, append([]byte(nil), d.out.Result()...))
}

func ackSeq(t *testing.T, msgs []*Message) uint8 {
	t.Helper()
	last := msgs[len(msgs)-1]
	if len(last.Payload) != 0 {
		t.Fatalf("last frame is not an ACK: %+v", last)
	}
	return last.Sequence
}

func TestTransportAnswersAndAcks(t *testing.T) {
	d := newEchoDevice()
	msgs := d.feed(t, buildFrame(0x10, commandPayload(CmdPing)))

	if len(d.calls) != 1 || d.calls[0] != CmdPing {
		t.Fatalf("calls = %v", d.calls)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d frames, want result and ACK", len(msgs))
	}
	r, err := DecodeResult(msgs[0].Payload)
	if err != nil || r.Command != CmdPing || r.Status != 0 {
		t.Errorf("result = %+v, %v", r, err)
	}
	if msgs[0].Sequence != 0x11 || ackSeq(t, msgs) != 0x11 {
		t.Errorf("sequences = 0x%02x/0x%02x, want 0x11", msgs[0].Sequence, ackSeq(t, msgs))
	}
}

func TestTransportSequenceWraps(t *testing.T) {
	d := newEchoDevice()
	for i := 0; i < 20; i++ {
		seq := uint8(0x10 | (i & 0x0F))
		msgs := d.feed(t, buildFrame(seq, commandPayload(CmdEcho, uint32(i))))
		want := uint8(0x10 | ((i + 1) & 0x0F))
		if got := ackSeq(t, msgs); got != want {
			t.Fatalf("frame %d: ack 0x%02x, want 0x%02x", i, got, want)
		}
	}
	if len(d.calls) != 20 {
		t.Errorf("executed %d frames, want 20", len(d.calls))
	}
}

func TestTransportIgnoresOutOfSequence(t *testing.T) {
	d := newEchoDevice()
	msgs := d.feed(t, buildFrame(0x13, commandPayload(CmdPing)))

	if len(d.calls) != 0 {
		t.Errorf("out of sequence frame executed: %v", d.calls)
	}
	if len(msgs) != 1 || ackSeq(t, msgs) != 0x10 {
		t.Errorf("expected a single NAK for 0x10, got %+v", msgs)
	}
}

func TestTransportReplaysDuplicate(t *testing.T) {
	d := newEchoDevice()
	frame := buildFrame(0x10, commandPayload(CmdBegin, 1024))

	first := d.feed(t, frame)
	firstOut := append([]byte(nil), d.out.Result()...)
	second := d.feed(t, frame)

	if len(d.calls) != 1 {
		t.Fatalf("duplicate executed again: calls = %v", d.calls)
	}
	if !bytes.Equal(firstOut, d.out.Result()) {
		t.Errorf("replay differs:\n first  %v\n second %v", firstOut, d.out.Result())
	}
	if len(first) != len(second) {
		t.Errorf("frame count %d then %d", len(first), len(second))
	}
	if d.transport.Duplicates() != 1 {
		t.Errorf("Duplicates = %d, want 1", d.transport.Duplicates())
	}

	// The next sequence is still accepted normally.
	d.feed(t, buildFrame(0x11, commandPayload(CmdPing)))
	if len(d.calls) != 2 {
		t.Errorf("calls = %v", d.calls)
	}
}

func TestTransportHostRestart(t *testing.T) {
	d := newEchoDevice()
	d.feed(t, buildFrame(0x10, commandPayload(CmdPing)))
	d.feed(t, buildFrame(0x11, commandPayload(CmdInfo)))

	// A new host starts again at 0x10 with a different frame.
	msgs := d.feed(t, buildFrame(0x10, commandPayload(CmdAbort)))
	if len(d.calls) != 3 || d.calls[2] != CmdAbort {
		t.Fatalf("calls = %v", d.calls)
	}
	if d.resets != 1 {
		t.Errorf("resets = %d, want 1", d.resets)
	}
	if ackSeq(t, msgs) != 0x11 {
		t.Errorf("ack = 0x%02x, want 0x11", ackSeq(t, msgs))
	}
}

func TestTransportResyncAfterGarbage(t *testing.T) {
	d := newEchoDevice()
	stream := append([]byte{0x01, 0x02, 0x03, MessageValueSync}, buildFrame(0x10, commandPayload(CmdPing))...)
	msgs := d.feed(t, stream)

	if len(d.calls) != 1 {
		t.Fatalf("frame after garbage not executed: calls = %v", d.calls)
	}
	// NAK on resync, then result and ACK.
	if len(msgs) != 3 {
		t.Errorf("got %d frames, want 3", len(msgs))
	}
}

func TestTransportDropsCorruptFrame(t *testing.T) {
	d := newEchoDevice()
	frame := buildFrame(0x10, commandPayload(CmdBegin, 2048))
	frame[3] ^= 0x40

	msgs := d.feed(t, frame)
	if len(d.calls) != 0 {
		t.Fatalf("corrupt frame executed: %v", d.calls)
	}
	if ackSeq(t, msgs) != 0x10 {
		t.Errorf("NAK = 0x%02x, want 0x10", ackSeq(t, msgs))
	}

	// Retransmission goes through.
	d.feed(t, buildFrame(0x10, commandPayload(CmdBegin, 2048)))
	if len(d.calls) != 1 {
		t.Errorf("retransmit not executed: %v", d.calls)
	}
}

func TestTransportPartialFrame(t *testing.T) {
	d := newEchoDevice()
	frame := buildFrame(0x10, commandPayload(CmdPing))
	input := NewFifoBuffer(64)

	input.Write(frame[:4])
	d.transport.Receive(input)
	if len(d.calls) != 0 || input.Available() != 4 {
		t.Fatalf("partial frame consumed: calls=%v available=%d", d.calls, input.Available())
	}

	input.Write(frame[4:])
	d.transport.Receive(input)
	if len(d.calls) != 1 || input.Available() != 0 {
		t.Errorf("complete frame not consumed: calls=%v available=%d", d.calls, input.Available())
	}
}

func TestTransportInvalidCommandID(t *testing.T) {
	d := newEchoDevice()
	msgs := d.feed(t, buildFrame(0x10, []byte{0x81}))

	if len(d.calls) != 1 || d.calls[0] != CmdInvalid {
		t.Fatalf("calls = %v, want CmdInvalid", d.calls)
	}
	r, err := DecodeResult(msgs[0].Payload)
	if err != nil || r.Status != 9 {
		t.Errorf("result = %+v, %v", r, err)
	}
}

func TestSendResultTooLarge(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)

	tests := []struct {
		size int
		want error
	}{
		{EchoMax, nil},
		{EchoMax + 1, ErrFrameTooLarge},
		{MessageMax, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		out.Reset()
		err := tr.SendResult(CmdEcho, 0, make([]byte, tt.size))
		if !errors.Is(err, tt.want) {
			t.Errorf("SendResult(%d bytes) = %v, want %v", tt.size, err, tt.want)
			continue
		}
		if err != nil && len(out.Result()) != 0 {
			t.Errorf("rejected frame left %d bytes of output", len(out.Result()))
		}
		if err == nil {
			if got := int(out.Result()[MessagePositionLen]); got != len(out.Result()) {
				t.Errorf("length byte %d, frame is %d bytes", got, len(out.Result()))
			}
		}
	}
}

// pipeDevice serves an echo device on one end of a net.Pipe.
type pipeDevice struct {
	*echoDevice
	conn net.Conn
	mu   sync.Mutex
	// dropWrites discards that many output flushes.
	dropWrites int
}

func (p *pipeDevice) serve() {
	buf := make([]byte, 256)
	input := NewFifoBuffer(1024)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		input.Write(buf[:n])
		p.transport.Receive(input)
		out := append([]byte(nil), p.out.Result()...)
		p.out.Reset()
		drop := p.dropWrites > 0 && len(out) > 0
		if drop {
			p.dropWrites--
		}
		p.mu.Unlock()
		if len(out) > 0 && !drop {
			if _, err := p.conn.Write(out); err != nil {
				return
			}
		}
	}
}

func (p *pipeDevice) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// lossyConn drops the first drop writes.
type lossyConn struct {
	net.Conn
	mu   sync.Mutex
	drop int
}

func (c *lossyConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.drop > 0 {
		c.drop--
		c.mu.Unlock()
		return len(b), nil
	}
	c.mu.Unlock()
	return c.Conn.Write(b)
}

func newPipePair(t *testing.T, hostDrops, deviceDrops int) (*HostTransport, *pipeDevice) {
	t.Helper()
	hostEnd, deviceEnd := net.Pipe()
	dev := &pipeDevice{echoDevice: newEchoDevice(), conn: deviceEnd, dropWrites: deviceDrops}
	go dev.serve()

	host := NewHostTransport(&lossyConn{Conn: hostEnd, drop: hostDrops})
	t.Cleanup(func() {
		host.Close()
		deviceEnd.Close()
	})
	return host, dev
}

func TestHostRequest(t *testing.T) {
	host, dev := newPipePair(t, 0, 0)

	for i := 0; i < 18; i++ {
		resp, err := host.Request(context.Background(), CmdEcho, func(out OutputBuffer) {
			EncodeVLQUint(out, uint32(i))
		}, time.Second)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		r, err := DecodeResult(resp.Payload)
		if err != nil || r.Command != CmdEcho {
			t.Fatalf("request %d: result %+v, %v", i, r, err)
		}
		data := r.Body
		if v, _ := DecodeVLQUint(&data); v != uint32(i) {
			t.Errorf("request %d echoed %d", i, v)
		}
	}
	if dev.callCount() != 18 {
		t.Errorf("device executed %d commands, want 18", dev.callCount())
	}
	if seq := host.GetCurrentSequence(); seq != 0x12 {
		t.Errorf("host sequence = 0x%02x, want 0x12", seq)
	}
}

func TestHostRetransmitsLostRequest(t *testing.T) {
	host, dev := newPipePair(t, 1, 0)

	if _, err := host.Request(context.Background(), CmdPing, nil, 100*time.Millisecond); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if dev.callCount() != 1 {
		t.Errorf("device executed %d commands, want 1", dev.callCount())
	}
}

func TestHostRetransmitsAfterLostAnswer(t *testing.T) {
	host, dev := newPipePair(t, 0, 1)

	if _, err := host.Request(context.Background(), CmdBegin, func(out OutputBuffer) {
		EncodeVLQUint(out, 4096)
	}, 100*time.Millisecond); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if dev.callCount() != 1 {
		t.Errorf("device executed %d commands, want 1 (duplicate must be replayed)", dev.callCount())
	}
}

func TestHostRequestGivesUp(t *testing.T) {
	host, _ := newPipePair(t, 10, 0)
	host.SetRetries(1)

	_, err := host.Request(context.Background(), CmdPing, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Request = %v, want ErrTimeout", err)
	}
}

func TestHostRequestCancelled(t *testing.T) {
	host, _ := newPipePair(t, 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := host.Request(ctx, CmdPing, nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Request = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancelled request took %v", elapsed)
	}
	if seq := host.GetCurrentSequence(); seq != MessageDest {
		t.Errorf("sequence after cancel = 0x%02x, want 0x%02x", seq, MessageDest)
	}
}

func TestHostRequestAfterClose(t *testing.T) {
	host, _ := newPipePair(t, 0, 0)
	host.Close()

	if _, err := host.Request(context.Background(), CmdPing, nil, time.Second); err == nil {
		t.Error("Request on closed transport succeeded")
	}
}
