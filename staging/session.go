package staging

// State is the phase of a staging session.
type State uint8

const (
	Idle State = iota
	Receiving
	Validating
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Validating:
		return "validating"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session is a snapshot of the update in progress.
//
// Invariants: BytesReceived <= ExpectedSize <= size of the staging partition.
type Session struct {
	ExpectedSize  uint32
	BytesReceived uint32
	Checksum      uint32 // CRC-32 (IEEE) of the bytes received so far
	State         State
}

// Observer is notified of session changes, e.g. to drive a status display.
// Implementations must return quickly; they run on the control loop.
type Observer interface {
	SessionChanged(s Session)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Session)

func (f ObserverFunc) SessionChanged(s Session) {
	f(s)
}
