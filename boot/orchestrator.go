// Package boot decides, once per reset, whether to stay in the bootloader or
// hand control to the active application.
package boot

import (
	"encoding/binary"

	"flashboot/diag"
	"flashboot/fault"
	"flashboot/flash"
	"flashboot/partition"
	"flashboot/staging"
)

// Decision is the outcome of the boot policy.
type Decision struct {
	Boot    bool
	Address uint32
	Reason  string
}

// ShouldBoot is a decision to jump to the application at addr.
func ShouldBoot(addr uint32) Decision {
	return Decision{Boot: true, Address: addr, Reason: "boot " + diag.Hex32(addr)}
}

// RemainInBootloader is a decision to keep serving the host.
func RemainInBootloader(reason string) Decision {
	return Decision{Reason: reason}
}

// Jumper transfers control to the image whose vector table is at addr. On
// hardware it does not return.
type Jumper func(addr uint32)

// Orchestrator owns the boot decision and the pending jump. Times are
// millisecond ticks that may wrap.
type Orchestrator struct {
	layer  *flash.Layer
	active partition.Partition
	marker MarkerStore
	jump   Jumper
	config Config

	decision Decision
	deadline uint32
	waiting  bool
	pending  bool
	jumped   bool
}

// New creates an Orchestrator for the active partition of table.
func New(layer *flash.Layer, table *partition.Table, marker MarkerStore, jump Jumper, opts ...Option) (*Orchestrator, error) {
	active, err := table.Resolve(partition.ActiveApp)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		layer:    layer,
		active:   active,
		marker:   marker,
		jump:     jump,
		config:   cfg,
		decision: RemainInBootloader("not entered"),
	}, nil
}

// Enter runs the power-on policy. A stored boot intent is consumed and, if
// the application is valid, boots it straight away. Otherwise the bootloader
// waits for the host until now plus the wait window.
func (o *Orchestrator) Enter(now uint32) Decision {
	intent, err := o.marker.Load()
	if err != nil {
		o.config.Logger.Error("boot marker unreadable", "err", err)
		intent = IntentNone
	}

	if intent == IntentBoot {
		// An intent is honoured once.
		o.storeIntent(IntentNone)
		err := o.ValidateApp()
		if err == nil {
			return o.decideBoot("boot requested")
		}
		o.config.Logger.Error("boot requested but application invalid", "err", err)
	}

	o.waiting = true
	o.deadline = now + o.config.WaitWindowMillis
	o.decision = RemainInBootloader("waiting for host")
	o.config.Logger.Info("waiting for host", "window_ms", o.config.WaitWindowMillis)
	return o.decision
}

// NoteActivity pushes the deadline out after host traffic.
func (o *Orchestrator) NoteActivity(now uint32) {
	if o.waiting {
		o.deadline = now + o.config.WaitWindowMillis
	}
}

// Tick applies the timeout policy. Once the deadline passes any open
// session is abandoned and the application booted if it is valid;
// otherwise the bootloader stays up with no further deadline.
func (o *Orchestrator) Tick(now uint32) Decision {
	if !o.waiting || o.pending || timerIsBefore(now, o.deadline) {
		return o.decision
	}
	o.waiting = false

	if s := o.config.Session; s != nil {
		switch s.Session().State {
		case staging.Receiving, staging.Validating:
			o.config.Logger.Info("host inactive, aborting update", "received", s.Session().BytesReceived)
			s.Abort()
		}
	}

	if err := o.ValidateApp(); err != nil {
		o.config.Logger.Info("no valid application, staying in bootloader", "err", err)
		o.decision = RemainInBootloader("no valid application")
		return o.decision
	}
	return o.decideBoot("wait window expired")
}

// RequestBoot handles an explicit boot command. The intent is persisted so
// the decision survives a reset, and the jump is left pending for the
// control loop to perform after the reply is sent.
func (o *Orchestrator) RequestBoot() error {
	if err := o.ValidateApp(); err != nil {
		return err
	}
	if err := o.marker.Store(IntentBoot); err != nil {
		return fault.New(fault.HardwareFault, "request boot", err.Error())
	}
	o.decideBoot("boot command")
	return nil
}

// MarkCommitted records that a new image was committed, so the next reset
// boots it without waiting.
func (o *Orchestrator) MarkCommitted() error {
	if err := o.marker.Store(IntentBoot); err != nil {
		return fault.New(fault.HardwareFault, "mark committed", err.Error())
	}
	return nil
}

// CheckPendingJump performs a pending jump. It reports whether it did; on
// hardware it never returns in that case.
func (o *Orchestrator) CheckPendingJump() bool {
	if !o.pending || o.jumped {
		return false
	}
	o.jumped = true
	o.layer.Events().Record(diag.EvtJump, o.decision.Address, 0)
	o.config.Logger.Info("jumping to application", "addr", diag.Hex32(o.decision.Address))
	if o.jump != nil {
		o.jump(o.decision.Address)
	}
	return true
}

// Decision returns the current decision.
func (o *Orchestrator) Decision() Decision {
	return o.decision
}

// Pending reports whether a jump is waiting to be performed.
func (o *Orchestrator) Pending() bool {
	return o.pending && !o.jumped
}

// Deadline returns the inactivity deadline and whether one is armed.
func (o *Orchestrator) Deadline() (uint32, bool) {
	return o.deadline, o.waiting
}

// ValidateApp checks the first two words of the active image: the initial
// stack pointer must lie in RAM and the reset vector must be a Thumb
// address inside the active partition.
func (o *Orchestrator) ValidateApp() error {
	var vec [8]byte
	if err := o.layer.ReadInto(o.active, 0, vec[:]); err != nil {
		return err
	}
	sp := binary.LittleEndian.Uint32(vec[0:4])
	reset := binary.LittleEndian.Uint32(vec[4:8])

	if sp == 0xFFFFFFFF && reset == 0xFFFFFFFF {
		return fault.New(fault.InvalidState, "validate app", "active partition is erased")
	}
	ramEnd := o.config.RAMStart + o.config.RAMSize
	if sp < o.config.RAMStart || sp > ramEnd || sp&3 != 0 {
		return fault.New(fault.InvalidState, "validate app", "stack pointer "+diag.Hex32(sp)+" outside RAM")
	}
	if reset&1 == 0 {
		return fault.New(fault.InvalidState, "validate app", "reset vector "+diag.Hex32(reset)+" is not thumb")
	}
	if entry := reset &^ 1; entry < o.active.Base || entry >= o.active.End() {
		return fault.New(fault.InvalidState, "validate app", "reset vector "+diag.Hex32(reset)+" outside "+o.active.Name)
	}
	return nil
}

func (o *Orchestrator) decideBoot(reason string) Decision {
	o.waiting = false
	o.pending = true
	o.decision = ShouldBoot(o.active.Base)
	o.config.Logger.Info("boot decided", "reason", reason, "addr", diag.Hex32(o.active.Base))
	return o.decision
}

func (o *Orchestrator) storeIntent(i Intent) {
	if err := o.marker.Store(i); err != nil {
		o.config.Logger.Error("boot marker write failed", "intent", i.String(), "err", err)
	}
}

// timerIsBefore reports whether a is before b, tolerating wraparound.
func timerIsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
