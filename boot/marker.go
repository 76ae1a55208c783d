package boot

import "sync"

// Intent is the value held by the boot-intent marker. The marker survives a
// reset but not a power cycle, so a stale intent cannot trap the device.
type Intent uint32

const (
	IntentNone Intent = 0
	IntentBoot Intent = 0xB0075EED
)

func (i Intent) String() string {
	switch i {
	case IntentNone:
		return "none"
	case IntentBoot:
		return "boot"
	default:
		return "invalid"
	}
}

// MarkerStore persists the boot intent across a reset. On the STM32F4 it is
// an RTC backup register, outside every flash partition.
type MarkerStore interface {
	Load() (Intent, error)
	Store(Intent) error
}

// MemoryMarker is a MarkerStore held in RAM, for hosted builds and tests.
type MemoryMarker struct {
	mu     sync.Mutex
	intent Intent
	stores int
}

// NewMemoryMarker returns a marker preset to intent.
func NewMemoryMarker(intent Intent) *MemoryMarker {
	return &MemoryMarker{intent: intent}
}

func (m *MemoryMarker) Load() (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intent, nil
}

func (m *MemoryMarker) Store(i Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intent = i
	m.stores++
	return nil
}

// Stores returns how many times the marker has been written.
func (m *MemoryMarker) Stores() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores
}
