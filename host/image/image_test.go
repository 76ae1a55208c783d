package image

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"

	"flashboot/partition"
)

const base = partition.AddrActiveApp

func hexOf(t *testing.T, segments map[uint32][]byte) string {
	t.Helper()
	mem := gohex.NewMemory()
	for addr, data := range segments {
		if err := mem.AddBinary(addr, data); err != nil {
			t.Fatalf("AddBinary: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := mem.DumpIntelHex(&buf, 16); err != nil {
		t.Fatalf("DumpIntelHex: %v", err)
	}
	return buf.String()
}

func TestLoadBinary(t *testing.T) {
	data := []byte{0x00, 0x00, 0x02, 0x20, 0xC1, 0x01, 0x00, 0x08}
	img, err := LoadBinary(bytes.NewReader(data), base, 1024)
	if err != nil {
		t.Fatalf("LoadBinary failed: %v", err)
	}
	if img.Size() != 8 || img.Checksum != crc32.ChecksumIEEE(data) {
		t.Errorf("image = size %d crc 0x%08X", img.Size(), img.Checksum)
	}
}

func TestLoadBinaryLimits(t *testing.T) {
	if _, err := LoadBinary(bytes.NewReader(nil), base, 1024); err == nil {
		t.Error("empty image accepted")
	}
	if _, err := LoadBinary(bytes.NewReader(make([]byte, 1025)), base, 1024); err == nil {
		t.Error("oversized image accepted")
	}
}

func TestLoadHexFillsGaps(t *testing.T) {
	src := hexOf(t, map[uint32][]byte{
		base:         {1, 2, 3, 4},
		base + 0x100: {5, 6},
	})

	img, err := LoadHex(strings.NewReader(src), base, partition.SizeActiveApp)
	if err != nil {
		t.Fatalf("LoadHex failed: %v", err)
	}
	if img.Size() != 0x102 {
		t.Fatalf("size = 0x%X, want 0x102", img.Size())
	}
	if !bytes.Equal(img.Data[:4], []byte{1, 2, 3, 4}) || !bytes.Equal(img.Data[0x100:], []byte{5, 6}) {
		t.Error("segment data misplaced")
	}
	for i := 4; i < 0x100; i++ {
		if img.Data[i] != 0xFF {
			t.Fatalf("gap byte %d = 0x%02X, want 0xFF", i, img.Data[i])
		}
	}
}

func TestLoadHexRejectsOutsidePartition(t *testing.T) {
	tests := []struct {
		name     string
		segments map[uint32][]byte
	}{
		{"below base", map[uint32][]byte{base - 0x10: {1}}},
		{"past end", map[uint32][]byte{base + 0x3F0: make([]byte, 0x20)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadHex(strings.NewReader(hexOf(t, tt.segments)), base, 0x400); err == nil {
				t.Error("LoadHex accepted data outside the partition")
			}
		})
	}
}

func TestLoadHexMalformed(t *testing.T) {
	if _, err := LoadHex(strings.NewReader(":zz\n"), base, 1024); err == nil {
		t.Error("malformed hex accepted")
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	data := []byte{9, 8, 7, 6, 5}

	binPath := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(binPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	hexPath := filepath.Join(dir, "app.hex")
	if err := os.WriteFile(hexPath, []byte(hexOf(t, map[uint32][]byte{base: data})), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{binPath, hexPath} {
		img, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		if !bytes.Equal(img.Data, data) {
			t.Errorf("Load(%s) = %v", path, img.Data)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.bin")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestChunks(t *testing.T) {
	img := &Image{Data: make([]byte, 10)}
	var offsets []uint32
	var sizes []int
	err := img.Chunks(4, func(off uint32, data []byte) error {
		offsets = append(offsets, off)
		sizes = append(sizes, len(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Chunks failed: %v", err)
	}
	if len(offsets) != 3 || offsets[2] != 8 || sizes[2] != 2 {
		t.Errorf("offsets %v sizes %v", offsets, sizes)
	}
	if err := img.Chunks(0, nil); err == nil {
		t.Error("zero chunk size accepted")
	}
}
