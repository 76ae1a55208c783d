// Package flash implements partition-scoped erase, program and read on top
// of a raw flash Device.
//
// Every operation is confined to a single partition and fails with
// fault.OutOfBounds rather than touching a neighbour. Erase and program are
// verified by reading back; a mismatch is reported as fault.HardwareFault.
// The layer never erases implicitly: Program on a dirty range fails with
// fault.NotErased so erase costs stay visible to the caller.
package flash

import (
	"hash/crc32"

	"flashboot/diag"
	"flashboot/fault"
	"flashboot/partition"
)

// Erased is the value of an erased flash byte.
const Erased = 0xFF

// verifyChunk is the size of the stack buffer used for read-back checks.
const verifyChunk = 64

// Range is a partition-relative byte range.
type Range struct {
	Offset uint32
	Length uint32
}

// Layer enforces partition bounds over a Device. It is not safe for
// concurrent use; the control loop is its only caller.
type Layer struct {
	dev    Device
	geo    Geometry
	events diag.Ring
}

// NewLayer creates a Layer over dev with the given erase geometry.
func NewLayer(dev Device, geo Geometry) *Layer {
	return &Layer{dev: dev, geo: geo}
}

// Geometry returns the erase geometry.
func (l *Layer) Geometry() Geometry {
	return l.geo
}

// Events returns the post-mortem event ring.
func (l *Layer) Events() *diag.Ring {
	return &l.events
}

// EraseUnits returns the partition-relative range that Erase(p, off, n)
// would actually erase. Erase units are usually coarser than the request;
// bytes around the requested range inside the same sectors are erased too.
func (l *Layer) EraseUnits(p partition.Partition, off, n uint32) (Range, error) {
	if !p.Contains(off, n) {
		return Range{}, outOfBounds("erase", p, off, n)
	}
	if n == 0 {
		return Range{Offset: off}, nil
	}
	first, ok1 := l.geo.SectorAt(p.Addr(off))
	last, ok2 := l.geo.SectorAt(p.Addr(off + n - 1))
	if !ok1 || !ok2 {
		return Range{}, outOfBounds("erase", p, off, n)
	}
	start := l.geo.Sectors[first].Addr
	end := l.geo.Sectors[last].End()
	if start < p.Base || end > p.End() {
		return Range{}, fault.New(fault.OutOfBounds, "erase",
			"erase unit straddles "+p.Name+" boundary")
	}
	return Range{Offset: start - p.Base, Length: end - start}, nil
}

// Erase erases every sector overlapping [off, off+n) of p and returns the
// range actually erased.
func (l *Layer) Erase(p partition.Partition, off, n uint32) (Range, error) {
	r, err := l.EraseUnits(p, off, n)
	if err != nil || r.Length == 0 {
		return r, err
	}

	first, _ := l.geo.SectorAt(p.Addr(r.Offset))
	last, _ := l.geo.SectorAt(p.Addr(r.Offset + r.Length - 1))
	for i := first; i <= last; i++ {
		s := l.geo.Sectors[i]
		l.events.Record(diag.EvtErase, s.Addr, s.Size)
		if err := l.dev.EraseSector(i); err != nil {
			return r, l.hardwareFault("erase", s.Addr, "sector "+diag.Itoa(i)+": "+err.Error())
		}
		blank, err := l.isBlank(s.Addr, s.Size)
		if err != nil {
			return r, l.hardwareFault("erase", s.Addr, err.Error())
		}
		if !blank {
			return r, l.hardwareFault("erase", s.Addr, "erase verify failed on sector "+diag.Itoa(i))
		}
	}
	return r, nil
}

// Program writes data at off within p. The destination must be erased.
func (l *Layer) Program(p partition.Partition, off uint32, data []byte) error {
	n := uint32(len(data))
	if !p.Contains(off, n) {
		return outOfBounds("program", p, off, n)
	}
	if n == 0 {
		return nil
	}

	addr := p.Addr(off)
	blank, err := l.isBlank(addr, n)
	if err != nil {
		return l.hardwareFault("program", addr, err.Error())
	}
	if !blank {
		return fault.New(fault.NotErased, "program",
			p.Name+" at offset "+diag.Utoa(off)+" is not erased")
	}

	l.events.Record(diag.EvtProgram, addr, n)
	if err := l.dev.Program(addr, data); err != nil {
		return l.hardwareFault("program", addr, err.Error())
	}
	if err := l.verify(addr, data); err != nil {
		return l.hardwareFault("program", addr, err.Error())
	}
	return nil
}

// Read returns n bytes from off within p.
func (l *Layer) Read(p partition.Partition, off, n uint32) ([]byte, error) {
	if !p.Contains(off, n) {
		return nil, outOfBounds("read", p, off, n)
	}
	buf := make([]byte, n)
	if err := l.dev.Read(p.Addr(off), buf); err != nil {
		return nil, l.hardwareFault("read", p.Addr(off), err.Error())
	}
	return buf, nil
}

// ReadInto fills buf from off within p without allocating.
func (l *Layer) ReadInto(p partition.Partition, off uint32, buf []byte) error {
	if !p.Contains(off, uint32(len(buf))) {
		return outOfBounds("read", p, off, uint32(len(buf)))
	}
	if err := l.dev.Read(p.Addr(off), buf); err != nil {
		return l.hardwareFault("read", p.Addr(off), err.Error())
	}
	return nil
}

// Checksum returns the CRC-32 (IEEE) of [off, off+n) within p.
func (l *Layer) Checksum(p partition.Partition, off, n uint32) (uint32, error) {
	if !p.Contains(off, n) {
		return 0, outOfBounds("checksum", p, off, n)
	}
	var buf [verifyChunk]byte
	var sum uint32
	for done := uint32(0); done < n; {
		chunk := buf[:min(n-done, verifyChunk)]
		if err := l.dev.Read(p.Addr(off+done), chunk); err != nil {
			return 0, l.hardwareFault("checksum", p.Addr(off+done), err.Error())
		}
		sum = crc32.Update(sum, crc32.IEEETable, chunk)
		done += uint32(len(chunk))
	}
	return sum, nil
}

// IsErased reports whether [off, off+n) of p reads as all-ones.
func (l *Layer) IsErased(p partition.Partition, off, n uint32) (bool, error) {
	if !p.Contains(off, n) {
		return false, outOfBounds("read", p, off, n)
	}
	blank, err := l.isBlank(p.Addr(off), n)
	if err != nil {
		return false, l.hardwareFault("read", p.Addr(off), err.Error())
	}
	return blank, nil
}

func (l *Layer) isBlank(addr, n uint32) (bool, error) {
	var buf [verifyChunk]byte
	for done := uint32(0); done < n; {
		chunk := buf[:min(n-done, verifyChunk)]
		if err := l.dev.Read(addr+done, chunk); err != nil {
			return false, err
		}
		for _, b := range chunk {
			if b != Erased {
				return false, nil
			}
		}
		done += uint32(len(chunk))
	}
	return true, nil
}

func (l *Layer) verify(addr uint32, want []byte) error {
	var buf [verifyChunk]byte
	for done := 0; done < len(want); {
		chunk := buf[:min(len(want)-done, verifyChunk)]
		if err := l.dev.Read(addr+uint32(done), chunk); err != nil {
			return err
		}
		for i, b := range chunk {
			if b != want[done+i] {
				return fault.New(fault.HardwareFault, "verify",
					"mismatch at "+diag.Hex32(addr+uint32(done+i)))
			}
		}
		done += len(chunk)
	}
	return nil
}

func (l *Layer) hardwareFault(op string, addr uint32, detail string) error {
	l.events.Record(diag.EvtFault, addr, uint32(fault.HardwareFault))
	return fault.New(fault.HardwareFault, op, detail)
}

func outOfBounds(op string, p partition.Partition, off, n uint32) error {
	return fault.New(fault.OutOfBounds, op,
		p.Name+" offset="+diag.Utoa(off)+" length="+diag.Utoa(n)+" size="+diag.Utoa(p.Size))
}
