package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when neither an ACK nor a result arrives in time.
	ErrTimeout = errors.New("timed out waiting for device")
	// ErrClosed is returned once the transport or its port is closed.
	ErrClosed = errors.New("transport closed")

	errNak = errors.New("device requested retransmit")
)

// DefaultRetries is how many times a request is retransmitted.
const DefaultRetries = 3

const hostRxSize = 1024

// HostTransport is the host end of the link. It sends one request at a
// time and matches the device's ACK and response to it by sequence.
type HostTransport struct {
	port    io.ReadWriteCloser
	seq     atomic.Uint32 // sequence of the next request, 0x10..0x1F
	retries int

	acks      chan Message
	responses chan Message

	reqMu   sync.Mutex
	writeMu sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostTransport starts reading from port in the background.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		retries:   DefaultRetries,
		acks:      make(chan Message, 8),
		responses: make(chan Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.seq.Store(MessageDest)
	go t.readLoop()
	return t
}

// SetRetries sets how many times an unanswered request is retransmitted.
func (t *HostTransport) SetRetries(n int) {
	if n >= 0 {
		t.retries = n
	}
}

// Request sends cmdID with the arguments written by args and waits for both
// the ACK and the response carrying the next sequence. Unanswered requests
// are retransmitted unchanged; the device replays its answer to a repeat
// instead of running the command again. Cancelling ctx abandons the
// request at once.
func (t *HostTransport) Request(ctx context.Context, cmdID uint16, args func(output OutputBuffer), timeout time.Duration) (*Message, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	seq := uint8(t.seq.Load())
	frame, err := encodeRequest(seq, cmdID, args)
	if err != nil {
		return nil, err
	}
	next := ((seq + 1) & MessageSeqMask) | MessageDest

	t.drain()

	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if err := t.write(frame); err != nil {
			return nil, fmt.Errorf("write %s: %w", CommandName(cmdID), err)
		}
		resp, err := t.await(ctx, seq, next, timeout)
		switch {
		case err == nil:
			t.seq.Store(uint32(next))
			return resp, nil
		case errors.Is(err, ErrClosed):
			return nil, err
		case ctx.Err() != nil:
			// The device may still run the request; restart the sequence so
			// the next request is not mistaken for its successor.
			t.seq.Store(MessageDest)
			return nil, fmt.Errorf("%s: %w", CommandName(cmdID), err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s: no answer after %d attempts: %w", CommandName(cmdID), t.retries+1, lastErr)
}

func encodeRequest(seq uint8, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	payload := NewScratchOutput()
	EncodeVLQUint(payload, uint32(cmdID))
	if args != nil {
		args(payload)
	}
	body := payload.Result()
	if payload.Overflowed() || len(body)+MessageLengthMin > MessageLengthMax {
		return nil, fmt.Errorf("%s: request does not fit in one frame", CommandName(cmdID))
	}

	frame := make([]byte, MessageHeaderSize, len(body)+MessageLengthMin)
	frame[MessagePositionSeq] = seq
	return appendTrailer(append(frame, body...)), nil
}

// await collects the ACK and the response for one transmission.
func (t *HostTransport) await(ctx context.Context, seq, next uint8, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	acked := false
	var resp *Message
	for !acked || resp == nil {
		select {
		case ack := <-t.acks:
			switch ack.Sequence {
			case next:
				acked = true
			case seq:
				// The device saw a damaged frame and still expects this one.
				return nil, errNak
			}
		case m := <-t.responses:
			if m.Sequence == next {
				resp = &m
			}
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.stop:
			return nil, ErrClosed
		case <-t.done:
			return nil, ErrClosed
		}
	}
	return resp, nil
}

func (t *HostTransport) write(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	n, err := t.port.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	return err
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	var frames deframer
	input := NewFifoBuffer(hostRxSize)
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf[:min(len(buf), input.Free())])
		if n > 0 {
			input.Write(buf[:n])
			data := input.Data()
			for {
				m, rest, ok := frames.next(data)
				data = rest
				if !ok {
					break
				}
				m.Payload = append([]byte(nil), m.Payload...)
				t.dispatch(m)
			}
			input.Pop(input.Available() - len(data))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case <-t.stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// dispatch queues m for await, dropping the oldest entry when nobody is
// listening.
func (t *HostTransport) dispatch(m Message) {
	ch := t.responses
	if len(m.Payload) == 0 {
		ch = t.acks
	}
	for {
		select {
		case ch <- m:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (t *HostTransport) drain() {
	for {
		select {
		case <-t.acks:
		case <-t.responses:
		default:
			return
		}
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		// Closing the port unblocks a pending Read.
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.done
	})
	return err
}

// Reset restarts the sequence, which the device treats as a new host.
func (t *HostTransport) Reset() {
	t.seq.Store(MessageDest)
	t.drain()
}

// GetCurrentSequence returns the sequence the next request will carry.
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(t.seq.Load())
}
