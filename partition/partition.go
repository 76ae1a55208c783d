// Package partition describes how the 1 MiB flash is statically divided.
//
// The table is fixed at build time and never mutated. It must match between
// the bootloader and the application builds.
package partition

import (
	"strconv"

	"flashboot/fault"
)

// Flash geometry constants
const (
	FlashBase = 0x08000000 // Flash start address
	FlashSize = 0x00100000 // 1 MiB total
)

// Region base addresses
const (
	AddrActiveApp      = 0x08000000
	AddrStagingBuffer  = 0x08040000
	AddrUserVariables  = 0x08080000
	AddrBootloaderSelf = 0x080A0000
	AddrAppInit        = 0x080C0000
)

// Region sizes
const (
	SizeActiveApp      = 0x00040000 // 256 KiB
	SizeStagingBuffer  = 0x00040000 // 256 KiB
	SizeUserVariables  = 0x00020000 // 128 KiB
	SizeBootloaderSelf = 0x00020000 // 128 KiB
	SizeAppInit        = 0x00040000 // 256 KiB
)

// Kind names the purpose of a region.
type Kind uint8

const (
	ActiveApp Kind = iota
	StagingBuffer
	UserVariables
	BootloaderSelf
	AppInit
)

func (k Kind) String() string {
	switch k {
	case ActiveApp:
		return "active"
	case StagingBuffer:
		return "staging"
	case UserVariables:
		return "uservars"
	case BootloaderSelf:
		return "bootloader"
	case AppInit:
		return "appinit"
	default:
		return "kind" + strconv.Itoa(int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Kinds returns every kind in layout order.
func Kinds() []Kind {
	return []Kind{ActiveApp, StagingBuffer, UserVariables, BootloaderSelf, AppInit}
}

// Partition is a fixed, named region of flash.
type Partition struct {
	Name string
	Base uint32
	Size uint32
	Kind Kind
}

// End returns the first address past the partition.
func (p Partition) End() uint32 {
	return p.Base + p.Size
}

// Contains reports whether [off, off+n) lies inside the partition.
func (p Partition) Contains(off, n uint32) bool {
	if off > p.Size {
		return false
	}
	return n <= p.Size-off
}

// Addr converts a partition-relative offset to an absolute flash address.
func (p Partition) Addr(off uint32) uint32 {
	return p.Base + off
}

// Table is an immutable set of partitions.
type Table struct {
	parts []Partition
}

// NewTable copies parts into a table. It does not validate; call Validate.
func NewTable(parts []Partition) *Table {
	cp := make([]Partition, len(parts))
	copy(cp, parts)
	return &Table{parts: cp}
}

var defaultLayout = []Partition{
	{Name: "app0", Base: AddrActiveApp, Size: SizeActiveApp, Kind: ActiveApp},
	{Name: "app_buf", Base: AddrStagingBuffer, Size: SizeStagingBuffer, Kind: StagingBuffer},
	{Name: "user_var", Base: AddrUserVariables, Size: SizeUserVariables, Kind: UserVariables},
	{Name: "bootloader", Base: AddrBootloaderSelf, Size: SizeBootloaderSelf, Kind: BootloaderSelf},
	{Name: "app_init", Base: AddrAppInit, Size: SizeAppInit, Kind: AppInit},
}

// Default returns the production layout.
func Default() *Table {
	return NewTable(defaultLayout)
}

// MustDefault returns the production layout after asserting its invariants.
// It is called once at startup; a failure is a build-time mistake.
func MustDefault() *Table {
	t := Default()
	if err := t.Validate(FlashBase, FlashSize); err != nil {
		panic(err.Error())
	}
	return t
}

// Validate checks that partitions are contiguous from base, non-overlapping,
// non-empty, of distinct kinds, and fit within capacity.
func (t *Table) Validate(base, capacity uint32) error {
	if len(t.parts) == 0 {
		return fault.New(fault.UnknownPartition, "validate", "empty table")
	}

	seen := make(map[Kind]bool, len(t.parts))
	next := uint64(base)
	for _, p := range t.parts {
		if p.Size == 0 {
			return fault.New(fault.UnknownPartition, "validate", p.Name+" has zero size")
		}
		if seen[p.Kind] {
			return fault.New(fault.UnknownPartition, "validate", "duplicate kind "+p.Kind.String())
		}
		seen[p.Kind] = true
		if uint64(p.Base) != next {
			return fault.New(fault.UnknownPartition, "validate",
				p.Name+" is not contiguous with the previous partition")
		}
		next = uint64(p.Base) + uint64(p.Size)
	}
	if next-uint64(base) > uint64(capacity) {
		return fault.New(fault.UnknownPartition, "validate", "layout exceeds flash capacity")
	}
	return nil
}

// Resolve returns the region configured for kind.
func (t *Table) Resolve(kind Kind) (Partition, error) {
	for _, p := range t.parts {
		if p.Kind == kind {
			return p, nil
		}
	}
	return Partition{}, fault.New(fault.UnknownPartition, "resolve", kind.String())
}

// MustResolve is Resolve for kinds that a validated table is known to hold.
func (t *Table) MustResolve(kind Kind) Partition {
	p, err := t.Resolve(kind)
	if err != nil {
		panic(err.Error())
	}
	return p
}

// Partitions returns a copy of the table in layout order.
func (t *Table) Partitions() []Partition {
	cp := make([]Partition, len(t.parts))
	copy(cp, t.parts)
	return cp
}

// Total returns the sum of all partition sizes.
func (t *Table) Total() uint32 {
	var total uint32
	for _, p := range t.parts {
		total += p.Size
	}
	return total
}
