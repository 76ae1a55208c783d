package core

import (
	"io"

	"flashboot/boot"
	"flashboot/diag"
	"flashboot/protocol"
)

// RxBufferSize is the receive FIFO between the transport and the loop.
const RxBufferSize = 1024

// Sender carries frames back to the host. Writes may fail; the host
// retransmits.
type Sender = io.Writer

// Stats are the loop's error counters.
type Stats struct {
	Overflows  uint32 // received bytes dropped on a full FIFO
	SendErrors uint32 // failed writes to the Sender
	Duplicates uint32 // retransmitted frames answered from the replay buffer
}

// Loop is the bootloader control loop. Bytes arrive through
// OnBytesReceived from the transport's interrupt or reader goroutine; all
// command processing and flash work happens in Poll.
type Loop struct {
	rx         *protocol.FifoBuffer // shared with OnBytesReceived
	work       *protocol.FifoBuffer // owned by Poll
	output     *protocol.ScratchOutput
	transport  *protocol.Transport
	dispatcher *Dispatcher
	boot       *boot.Orchestrator
	sender     Sender
	logger     diag.Logger
	scratch    [64]byte
	stats      Stats
}

// NewLoop wires the dispatcher to a transport whose output goes to sender.
func NewLoop(d *Dispatcher, orch *boot.Orchestrator, sender Sender, logger diag.Logger) *Loop {
	if logger == nil {
		logger = diag.Nop()
	}
	l := &Loop{
		rx:         protocol.NewFifoBuffer(RxBufferSize),
		work:       protocol.NewFifoBuffer(RxBufferSize),
		output:     protocol.NewScratchOutput(),
		dispatcher: d,
		boot:       orch,
		sender:     sender,
		logger:     logger,
	}
	l.transport = protocol.NewTransport(l.output, d.Handle)
	// ACKs go out as soon as they are queued
	l.transport.SetFlushCallback(l.flush)
	l.transport.SetResetCallback(func() {
		logger.Info("host restarted sequence")
	})
	d.SetReplier(l.transport)
	return l
}

// OnBytesReceived queues received bytes and returns how many were taken.
// It never blocks; bytes that do not fit are dropped and recovered by host
// retransmission.
func (l *Loop) OnBytesReceived(data []byte) int {
	state := disableInterrupts()
	n := l.rx.Write(data)
	if n < len(data) {
		l.stats.Overflows++
	}
	restoreInterrupts(state)
	return n
}

// Poll runs one iteration at time now (milliseconds): process received
// frames, flush responses, apply the boot timeout and finally perform a
// pending jump. It reports whether the jump was made.
func (l *Loop) Poll(now uint32) bool {
	if l.drain() > 0 {
		l.boot.NoteActivity(now)
		l.transport.Receive(l.work)
	}
	l.flush()

	l.boot.Tick(now)
	if l.boot.Pending() {
		// Nothing queued may be lost to the jump
		l.flush()
		return l.boot.CheckPendingJump()
	}
	return false
}

// Reset drops buffered input and output, e.g. after the host disconnects.
func (l *Loop) Reset() {
	state := disableInterrupts()
	l.rx.Reset()
	restoreInterrupts(state)
	l.work.Reset()
	l.output.Reset()
	l.transport.Reset()
}

// Stats returns the error counters.
func (l *Loop) Stats() Stats {
	state := disableInterrupts()
	s := l.stats
	restoreInterrupts(state)
	s.Duplicates = l.transport.Duplicates()
	return s
}

// drain moves bytes from the shared FIFO into the loop's own buffer,
// holding the critical section only for short copies.
func (l *Loop) drain() int {
	total := 0
	for {
		free := l.work.Free()
		if free == 0 {
			break
		}
		chunk := l.scratch[:min(free, len(l.scratch))]
		state := disableInterrupts()
		n := l.rx.Read(chunk)
		restoreInterrupts(state)
		if n == 0 {
			break
		}
		l.work.Write(chunk[:n])
		total += n
	}
	return total
}

func (l *Loop) flush() {
	out := l.output.Result()
	if len(out) == 0 {
		return
	}
	if _, err := l.sender.Write(out); err != nil {
		l.stats.SendErrors++
		l.logger.Debug("send failed", "err", err)
	}
	l.output.Reset()
}
