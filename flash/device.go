package flash

// Device is the raw flash controller. Implementations block until the
// controller is idle again; none of the calls can be cancelled once started.
type Device interface {
	// EraseSector erases the sector with the given index to all-ones.
	EraseSector(index int) error

	// Program writes data at an absolute address. The controller can only
	// clear bits, so the destination should be erased beforehand.
	Program(addr uint32, data []byte) error

	// Read fills buf from an absolute address.
	Read(addr uint32, buf []byte) error
}

// Sector is one hardware erase unit.
type Sector struct {
	Addr uint32
	Size uint32
}

// End returns the first address past the sector.
func (s Sector) End() uint32 {
	return s.Addr + s.Size
}

// Geometry describes the erase units of a flash bank.
type Geometry struct {
	Base    uint32
	Sectors []Sector
}

// Size returns the total size of the bank.
func (g Geometry) Size() uint32 {
	var total uint32
	for _, s := range g.Sectors {
		total += s.Size
	}
	return total
}

// SectorAt returns the index of the sector holding addr.
func (g Geometry) SectorAt(addr uint32) (int, bool) {
	for i, s := range g.Sectors {
		if addr >= s.Addr && addr < s.End() {
			return i, true
		}
	}
	return 0, false
}

// STM32F4Geometry1M is the single-bank 1 MiB STM32F4 layout:
// 4x16K, 1x64K, 7x128K. Every partition boundary of the default table falls
// on a sector boundary.
func STM32F4Geometry1M() Geometry {
	sizes := []uint32{
		16 << 10, 16 << 10, 16 << 10, 16 << 10,
		64 << 10,
		128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10,
	}
	return buildGeometry(0x08000000, sizes)
}

// UniformGeometry returns a bank of count equally sized sectors.
func UniformGeometry(base, sectorSize uint32, count int) Geometry {
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = sectorSize
	}
	return buildGeometry(base, sizes)
}

func buildGeometry(base uint32, sizes []uint32) Geometry {
	g := Geometry{Base: base, Sectors: make([]Sector, len(sizes))}
	addr := base
	for i, size := range sizes {
		g.Sectors[i] = Sector{Addr: addr, Size: size}
		addr += size
	}
	return g
}
