package flash

import (
	"bytes"
	"testing"
)

func TestEmulatorNORSemantics(t *testing.T) {
	emu := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))

	if err := emu.Program(0x08000000, []byte{0xF0}); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if err := emu.Program(0x08000000, []byte{0x3C}); err != nil {
		t.Fatalf("Program failed: %v", err)
	}

	buf := make([]byte, 1)
	emu.Read(0x08000000, buf)
	if buf[0] != 0x30 {
		t.Errorf("programmed byte = 0x%02X, want 0x30 (bits can only clear)", buf[0])
	}

	if err := emu.EraseSector(0); err != nil {
		t.Fatalf("EraseSector failed: %v", err)
	}
	emu.Read(0x08000000, buf)
	if buf[0] != 0xFF {
		t.Errorf("erased byte = 0x%02X, want 0xFF", buf[0])
	}
}

func TestEmulatorRangeChecks(t *testing.T) {
	emu := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))

	if err := emu.EraseSector(2); err == nil {
		t.Error("expected error for sector index past end")
	}
	if err := emu.Program(0x08000200, []byte{0}); err == nil {
		t.Error("expected error for program past end")
	}
	if err := emu.Read(0x07FFFFFF, make([]byte, 1)); err == nil {
		t.Error("expected error for read before base")
	}
}

func TestEmulatorBusyHook(t *testing.T) {
	emu := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	var ops []Op
	emu.Busy = func(op Op, n int) { ops = append(ops, op) }

	emu.EraseSector(1)
	emu.Program(0x08000000, []byte{1, 2})

	if len(ops) != 2 || ops[0] != OpErase || ops[1] != OpProgram {
		t.Errorf("busy hook saw %v", ops)
	}
	if emu.Erases() != 1 || emu.Programs() != 1 {
		t.Errorf("counters: erases=%d programs=%d", emu.Erases(), emu.Programs())
	}
}

func TestEmulatorSaveLoad(t *testing.T) {
	emu := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	emu.Program(0x08000010, []byte("hello"))

	var buf bytes.Buffer
	if err := emu.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	if err := restored.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := make([]byte, 5)
	restored.Read(0x08000010, got)
	if string(got) != "hello" {
		t.Errorf("restored data = %q", got)
	}

	// A short image leaves the rest erased.
	short := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	if err := short.Load(bytes.NewReader([]byte{1, 2})); err != nil {
		t.Fatalf("Load short failed: %v", err)
	}
	tail := make([]byte, 1)
	short.Read(0x080001FF, tail)
	if tail[0] != 0xFF {
		t.Errorf("tail = 0x%02X, want 0xFF", tail[0])
	}
}

func TestEmulatorHexRoundTrip(t *testing.T) {
	emu := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	emu.Program(0x08000000, []byte{0x00, 0x20, 0x00, 0x20})
	emu.Program(0x08000180, []byte("tail"))

	var hex bytes.Buffer
	if err := emu.WriteHex(&hex); err != nil {
		t.Fatalf("WriteHex failed: %v", err)
	}

	restored := NewEmulator(UniformGeometry(0x08000000, 0x100, 2))
	if err := restored.LoadHex(&hex); err != nil {
		t.Fatalf("LoadHex failed: %v", err)
	}

	a := make([]byte, 0x200)
	b := make([]byte, 0x200)
	emu.Read(0x08000000, a)
	restored.Read(0x08000000, b)
	if !bytes.Equal(a, b) {
		t.Error("HEX round trip changed the bank contents")
	}
}
