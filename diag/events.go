package diag

// Event captures a flash or session event for post-mortem analysis
type Event struct {
	Type  uint8
	Addr  uint32 // Flash address or partition base
	Value uint32 // Context-dependent value (length, offset, kind)
}

// Event type codes
const (
	EvtErase    = 1 // Sector erase issued
	EvtProgram  = 2 // Program issued
	EvtFault    = 3 // Flash operation failed verification
	EvtBegin    = 4 // Staging session opened
	EvtFinalize = 5 // Finalize requested
	EvtCommit   = 6 // Image committed to the active partition
	EvtAbort    = 7 // Session aborted
	EvtJump     = 8 // Jump to application
)

// RingSize is the number of events kept
const RingSize = 32

// Ring is a fixed-size event log. It never allocates and is not safe for
// concurrent use; it is only touched from the control loop.
type Ring struct {
	events [RingSize]Event
	head   uint8
	count  uint8
}

// Record appends an event, overwriting the oldest one when full.
func (r *Ring) Record(typ uint8, addr, value uint32) {
	r.events[r.head] = Event{Type: typ, Addr: addr, Value: value}
	r.head = (r.head + 1) % RingSize
	if r.count < RingSize {
		r.count++
	}
}

// Events returns the recorded events, oldest first.
func (r *Ring) Events() []Event {
	out := make([]Event, 0, r.count)
	start := (int(r.head) + RingSize - int(r.count)) % RingSize
	for i := 0; i < int(r.count); i++ {
		out = append(out, r.events[(start+i)%RingSize])
	}
	return out
}

// Clear drops all events.
func (r *Ring) Clear() {
	*r = Ring{}
}

// Dump outputs the ring through the debug writer (call on fault).
func (r *Ring) Dump() {
	Println("[EVENTS] === Event Ring Dump ===")
	for _, evt := range r.Events() {
		Println("[EVENTS] " + eventName(evt.Type) +
			" addr=" + Hex32(evt.Addr) +
			" v=" + Utoa(evt.Value))
	}
	Println("[EVENTS] === End Dump ===")
}

func eventName(t uint8) string {
	switch t {
	case EvtErase:
		return "ERASE"
	case EvtProgram:
		return "PROGRAM"
	case EvtFault:
		return "FAULT!"
	case EvtBegin:
		return "BEGIN"
	case EvtFinalize:
		return "FINALIZE"
	case EvtCommit:
		return "COMMIT"
	case EvtAbort:
		return "ABORT"
	case EvtJump:
		return "JUMP"
	default:
		return "UNKNOWN"
	}
}
