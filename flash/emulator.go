package flash

import (
	"errors"
	"io"

	"github.com/marcinbor85/gohex"
)

// ErrInjected is returned by the emulator when a fault hook fires.
var ErrInjected = errors.New("injected flash fault")

var errRange = errors.New("address outside flash bank")

// Op identifies an emulated controller operation.
type Op uint8

const (
	OpErase Op = iota + 1
	OpProgram
)

// Emulator is a RAM-backed Device with NOR semantics: erase sets a whole
// sector to 0xFF and program can only clear bits.
type Emulator struct {
	geo Geometry
	mem []byte

	// FailErase, when set and returning true, makes EraseSector fail
	// without touching the sector.
	FailErase func(index int) bool

	// FailProgram, when set and returning true, makes Program write only
	// the first half of the data before failing (a torn write).
	FailProgram func(addr uint32, n int) bool

	// Busy is called with the operation and its size, standing in for the
	// controller busy-wait.
	Busy func(op Op, n int)

	erases   int
	programs int
}

// NewEmulator returns an erased bank with the given geometry.
func NewEmulator(geo Geometry) *Emulator {
	mem := make([]byte, geo.Size())
	for i := range mem {
		mem[i] = Erased
	}
	return &Emulator{geo: geo, mem: mem}
}

// Geometry returns the emulated geometry.
func (e *Emulator) Geometry() Geometry {
	return e.geo
}

func (e *Emulator) EraseSector(index int) error {
	if index < 0 || index >= len(e.geo.Sectors) {
		return errRange
	}
	if e.FailErase != nil && e.FailErase(index) {
		return ErrInjected
	}
	s := e.geo.Sectors[index]
	if e.Busy != nil {
		e.Busy(OpErase, int(s.Size))
	}
	start := s.Addr - e.geo.Base
	for i := start; i < start+s.Size; i++ {
		e.mem[i] = Erased
	}
	e.erases++
	return nil
}

func (e *Emulator) Program(addr uint32, data []byte) error {
	off, ok := e.offset(addr, len(data))
	if !ok {
		return errRange
	}
	if e.Busy != nil {
		e.Busy(OpProgram, len(data))
	}
	n := len(data)
	var err error
	if e.FailProgram != nil && e.FailProgram(addr, len(data)) {
		n = len(data) / 2
		err = ErrInjected
	}
	for i := 0; i < n; i++ {
		e.mem[off+i] &= data[i]
	}
	e.programs++
	return err
}

func (e *Emulator) Read(addr uint32, buf []byte) error {
	off, ok := e.offset(addr, len(buf))
	if !ok {
		return errRange
	}
	copy(buf, e.mem[off:off+len(buf)])
	return nil
}

// Poke overwrites raw memory, bypassing NOR semantics. Tests use it to seed
// images and corrupt staged data.
func (e *Emulator) Poke(addr uint32, data []byte) {
	off, ok := e.offset(addr, len(data))
	if !ok {
		panic("poke outside flash bank")
	}
	copy(e.mem[off:], data)
}

// Erases returns the number of completed sector erases.
func (e *Emulator) Erases() int {
	return e.erases
}

// Programs returns the number of program operations issued.
func (e *Emulator) Programs() int {
	return e.programs
}

// Save writes the raw bank contents to w.
func (e *Emulator) Save(w io.Writer) error {
	_, err := w.Write(e.mem)
	return err
}

// Load replaces the bank contents from a raw image. A short image leaves
// the remainder erased.
func (e *Emulator) Load(r io.Reader) error {
	for i := range e.mem {
		e.mem[i] = Erased
	}
	_, err := io.ReadFull(r, e.mem)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil
	}
	return err
}

// WriteHex dumps every programmed (non-blank) span of the bank as Intel HEX.
func (e *Emulator) WriteHex(w io.Writer) error {
	mem := gohex.NewMemory()
	start := -1
	for i := 0; i <= len(e.mem); i++ {
		blank := i == len(e.mem) || e.mem[i] == Erased
		switch {
		case !blank && start < 0:
			start = i
		case blank && start >= 0:
			if err := mem.AddBinary(e.geo.Base+uint32(start), e.mem[start:i]); err != nil {
				return err
			}
			start = -1
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// LoadHex pokes every data segment of an Intel HEX stream into the bank.
func (e *Emulator) LoadHex(r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return err
	}
	for _, seg := range mem.GetDataSegments() {
		if _, ok := e.offset(seg.Address, len(seg.Data)); !ok {
			return errRange
		}
		e.Poke(seg.Address, seg.Data)
	}
	return nil
}

func (e *Emulator) offset(addr uint32, n int) (int, bool) {
	if addr < e.geo.Base {
		return 0, false
	}
	off := int(addr - e.geo.Base)
	if off+n > len(e.mem) {
		return 0, false
	}
	return off, true
}
