// Package image loads firmware images for flashing. Raw binaries are taken
// as is; Intel HEX files are flattened relative to the application base.
package image

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"

	"flashboot/partition"
)

// Image is a flat firmware image destined for the active partition.
type Image struct {
	Data     []byte
	Base     uint32
	Checksum uint32 // CRC-32 (IEEE) of Data
}

// Size returns the image length in bytes.
func (img *Image) Size() uint32 {
	return uint32(len(img.Data))
}

func newImage(base uint32, data []byte, maxSize uint32) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	if uint64(len(data)) > uint64(maxSize) {
		return nil, fmt.Errorf("image is %d bytes, partition holds %d", len(data), maxSize)
	}
	return &Image{
		Data:     data,
		Base:     base,
		Checksum: crc32.ChecksumIEEE(data),
	}, nil
}

// LoadBinary reads a raw image linked at base.
func LoadBinary(r io.Reader, base, maxSize uint32) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return newImage(base, data, maxSize)
}

// LoadHex parses Intel HEX and flattens it into one image starting at base.
// Gaps between segments are filled with erased bytes. Data outside
// base..base+maxSize is rejected.
func LoadHex(r io.Reader, base, maxSize uint32) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("failed to parse hex: %w", err)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, fmt.Errorf("hex file has no data")
	}

	end := uint64(base)
	for _, seg := range segments {
		if seg.Address < base {
			return nil, fmt.Errorf("segment at 0x%08X lies below image base 0x%08X", seg.Address, base)
		}
		segEnd := uint64(seg.Address) + uint64(len(seg.Data))
		if segEnd > uint64(base)+uint64(maxSize) {
			return nil, fmt.Errorf("segment at 0x%08X runs past the partition end", seg.Address)
		}
		if segEnd > end {
			end = segEnd
		}
	}

	data := bytes.Repeat([]byte{0xFF}, int(end-uint64(base)))
	for _, seg := range segments {
		copy(data[seg.Address-base:], seg.Data)
	}
	return newImage(base, data, maxSize)
}

// Load reads path, choosing the format by extension (.hex/.ihex or raw).
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return LoadHex(f, partition.AddrActiveApp, partition.SizeActiveApp)
	default:
		return LoadBinary(f, partition.AddrActiveApp, partition.SizeActiveApp)
	}
}

// Chunks splits the image into pieces of at most size bytes, calling fn
// with each offset. fn's error stops the walk.
func (img *Image) Chunks(size int, fn func(offset uint32, data []byte) error) error {
	if size <= 0 {
		return fmt.Errorf("invalid chunk size %d", size)
	}
	for off := 0; off < len(img.Data); off += size {
		end := min(off+size, len(img.Data))
		if err := fn(uint32(off), img.Data[off:end]); err != nil {
			return err
		}
	}
	return nil
}
