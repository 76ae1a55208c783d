package staging

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"

	"flashboot/fault"
	"flashboot/flash"
	"flashboot/partition"
)

type fixture struct {
	emu     *flash.Emulator
	layer   *flash.Layer
	table   *partition.Table
	manager *Manager
	active  partition.Partition
	staging partition.Partition
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	emu := flash.NewEmulator(flash.STM32F4Geometry1M())
	layer := flash.NewLayer(emu, emu.Geometry())
	table := partition.MustDefault()
	m, err := New(layer, table, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{
		emu:     emu,
		layer:   layer,
		table:   table,
		manager: m,
		active:  table.MustResolve(partition.ActiveApp),
		staging: table.MustResolve(partition.StagingBuffer),
	}
}

// seedActive writes a recognisable "old" application into the active partition.
func (f *fixture) seedActive(n int) []byte {
	old := make([]byte, n)
	for i := range old {
		old[i] = byte(0xA5 ^ i)
	}
	f.emu.Poke(f.active.Base, old)
	return old
}

func (f *fixture) activeBytes(t *testing.T, n uint32) []byte {
	t.Helper()
	got, err := f.layer.Read(f.active, 0, n)
	if err != nil {
		t.Fatalf("Read active failed: %v", err)
	}
	return got
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*31 + 7)
	}
	return img
}

// sendChunks writes img as chunks of the given sizes.
func sendChunks(t *testing.T, m *Manager, img []byte, sizes []int) {
	t.Helper()
	off := 0
	for _, n := range sizes {
		if err := m.WriteChunk(uint32(off), img[off:off+n]); err != nil {
			t.Fatalf("WriteChunk(%d, %d bytes) failed: %v", off, n, err)
		}
		off += n
	}
}

func TestBeginValidatesSize(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		size uint32
		want error
	}{
		{"zero", 0, fault.InvalidSize},
		{"larger than staging", f.staging.Size + 1, fault.InvalidSize},
		{"exactly staging", f.staging.Size, nil},
		{"small", 1024, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.Begin(tt.size)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Begin(%d) failed: %v", tt.size, err)
				}
				if f.manager.Session().State != Receiving {
					t.Errorf("state = %v, want receiving", f.manager.Session().State)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Begin(%d) = %v, want %v", tt.size, err, tt.want)
			}
		})
	}
}

func TestBeginErasesOnlyNeededPrefix(t *testing.T) {
	f := newFixture(t)
	// Dirty both 128K staging sectors.
	f.emu.Poke(f.staging.Base, []byte{0})
	f.emu.Poke(f.staging.Base+128*1024, []byte{0})

	if err := f.manager.Begin(1024); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if f.emu.Erases() != 1 {
		t.Errorf("erased %d sectors, want 1", f.emu.Erases())
	}
	second, _ := f.layer.Read(f.staging, 128*1024, 1)
	if second[0] != 0 {
		t.Error("second staging sector should not have been erased")
	}
}

func TestWriteChunkAdvancesExactly(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	f.manager.Begin(1024)

	off := 0
	for _, n := range []int{1, 0, 100, 255, 668} {
		before := f.manager.Session().BytesReceived
		if err := f.manager.WriteChunk(uint32(off), img[off:off+n]); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
		after := f.manager.Session().BytesReceived
		if after-before != uint32(n) {
			t.Errorf("chunk of %d advanced bytes_received by %d", n, after-before)
		}
		off += n
	}

	if got := f.manager.Session().Checksum; got != crc32.ChecksumIEEE(img) {
		t.Errorf("accumulated checksum 0x%08X, want 0x%08X", got, crc32.ChecksumIEEE(img))
	}
}

func TestWriteChunkOutOfOrder(t *testing.T) {
	f := newFixture(t)
	img := testImage(1024)
	f.manager.Begin(1024)

	before := f.manager.Session()
	err := f.manager.WriteChunk(512, img[512:614])
	if !errors.Is(err, fault.OutOfOrder) {
		t.Fatalf("WriteChunk(512) = %v, want OutOfOrder", err)
	}
	if f.manager.Session() != before {
		t.Errorf("session changed: %+v -> %+v", before, f.manager.Session())
	}
	if f.manager.Session().BytesReceived != 0 {
		t.Errorf("bytes_received = %d, want 0", f.manager.Session().BytesReceived)
	}

	// A rewind is rejected just the same.
	sendChunks(t, f.manager, img, []int{100})
	if err := f.manager.WriteChunk(0, img[:10]); !errors.Is(err, fault.OutOfOrder) {
		t.Errorf("rewind = %v, want OutOfOrder", err)
	}
}

func TestWriteChunkOverrun(t *testing.T) {
	f := newFixture(t)
	f.manager.Begin(10)

	err := f.manager.WriteChunk(0, make([]byte, 11))
	if !errors.Is(err, fault.InvalidSize) {
		t.Errorf("overrun = %v, want InvalidSize", err)
	}
	if f.manager.Session().State != Receiving || f.manager.Session().BytesReceived != 0 {
		t.Errorf("session changed after rejected chunk: %+v", f.manager.Session())
	}
}

func TestWriteChunkWithoutSession(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.WriteChunk(0, []byte{1}); !errors.Is(err, fault.InvalidState) {
		t.Errorf("WriteChunk on idle = %v, want InvalidState", err)
	}
	if err := f.manager.Finalize(0); !errors.Is(err, fault.InvalidState) {
		t.Errorf("Finalize on idle = %v, want InvalidState", err)
	}
}

func TestFinalizeRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedActive(4096)
	img := testImage(1024)

	if err := f.manager.Begin(1024); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	sendChunks(t, f.manager, img, []int{102, 102, 102, 102, 102, 102, 102, 102, 102, 106})

	if err := f.manager.Finalize(crc32.ChecksumIEEE(img)); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if f.manager.Session().State != Committed {
		t.Errorf("state = %v, want committed", f.manager.Session().State)
	}
	if got := f.activeBytes(t, 1024); !bytes.Equal(got, img) {
		t.Error("active partition does not match the image sent")
	}

	// The rest of the active partition is erased, not left with old bytes.
	erased, _ := f.layer.IsErased(f.active, 1024, f.active.Size-1024)
	if !erased {
		t.Error("old application bytes survived past the new image")
	}
}

func TestFinalizeFailuresLeaveActiveUntouched(t *testing.T) {
	img := testImage(1024)
	good := crc32.ChecksumIEEE(img)

	tests := []struct {
		name   string
		chunks []int
		sum    uint32
		want   error
	}{
		{"checksum mismatch", []int{512, 512}, good ^ 1, fault.ChecksumMismatch},
		{"incomplete transfer", []int{512}, good, fault.IncompleteTransfer},
		{"nothing received", nil, good, fault.IncompleteTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			old := f.seedActive(4096)

			f.manager.Begin(1024)
			sendChunks(t, f.manager, img, tt.chunks)
			received := f.manager.Session().BytesReceived

			err := f.manager.Finalize(tt.sum)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Finalize = %v, want %v", err, tt.want)
			}
			if f.manager.Session().State != Aborted {
				t.Errorf("state = %v, want aborted", f.manager.Session().State)
			}
			if got := f.activeBytes(t, 4096); !bytes.Equal(got, old) {
				t.Error("active partition changed after failed finalize")
			}
			// Staged data stays for inspection.
			staged, _ := f.layer.Read(f.staging, 0, received)
			if !bytes.Equal(staged, img[:received]) {
				t.Error("staged data was modified")
			}
		})
	}
}

func TestFinalizeDetectsCorruptedStaging(t *testing.T) {
	f := newFixture(t)
	old := f.seedActive(256)
	img := testImage(1024)

	f.manager.Begin(1024)
	sendChunks(t, f.manager, img, []int{1024})
	f.emu.Poke(f.staging.Base+10, []byte{^img[10]})

	err := f.manager.Finalize(crc32.ChecksumIEEE(img))
	if !errors.Is(err, fault.HardwareFault) {
		t.Fatalf("Finalize = %v, want HardwareFault", err)
	}
	if got := f.activeBytes(t, 256); !bytes.Equal(got, old) {
		t.Error("active partition changed although staging was corrupt")
	}
}

func TestCommitFaultLeavesActiveErased(t *testing.T) {
	f := newFixture(t, WithCopyBlockSize(256))
	f.seedActive(4096)
	img := testImage(1024)

	f.manager.Begin(1024)
	sendChunks(t, f.manager, img, []int{1024})

	// Fail the second program into the active partition.
	programs := 0
	f.emu.FailProgram = func(addr uint32, n int) bool {
		if addr >= f.active.Base && addr < f.active.End() {
			programs++
			return programs == 2
		}
		return false
	}

	err := f.manager.Finalize(crc32.ChecksumIEEE(img))
	if !errors.Is(err, fault.HardwareFault) {
		t.Fatalf("Finalize = %v, want HardwareFault", err)
	}
	if f.manager.Session().State != Aborted {
		t.Errorf("state = %v, want aborted", f.manager.Session().State)
	}
	erased, _ := f.layer.IsErased(f.active, 0, f.active.Size)
	if !erased {
		t.Error("active partition holds a partial image after a commit fault")
	}
}

func TestAbortThenBeginIsClean(t *testing.T) {
	img := testImage(2048)

	for _, state := range []string{"receiving", "aborted", "committed"} {
		t.Run(state, func(t *testing.T) {
			f := newFixture(t)
			f.manager.Begin(2048)
			sendChunks(t, f.manager, testImage(4096)[1000:], []int{700})

			switch state {
			case "aborted":
				f.manager.Finalize(0)
			case "committed":
				f.manager.Abort()
				f.manager.Begin(2048)
				sendChunks(t, f.manager, img, []int{2048})
				if err := f.manager.Finalize(crc32.ChecksumIEEE(img)); err != nil {
					t.Fatalf("Finalize failed: %v", err)
				}
			}

			f.manager.Abort()
			if f.manager.Session().State != Aborted {
				t.Fatalf("state = %v, want aborted", f.manager.Session().State)
			}

			if err := f.manager.Begin(2048); err != nil {
				t.Fatalf("Begin after abort failed: %v", err)
			}
			s := f.manager.Session()
			if s.BytesReceived != 0 || s.Checksum != 0 {
				t.Errorf("residue from previous session: %+v", s)
			}
			sendChunks(t, f.manager, img, []int{1000, 1048})
			if err := f.manager.Finalize(crc32.ChecksumIEEE(img)); err != nil {
				t.Fatalf("Finalize after abort failed: %v", err)
			}
			if got := f.activeBytes(t, 2048); !bytes.Equal(got, img) {
				t.Error("active partition does not match")
			}
		})
	}
}

func TestUserVariablesPreserved(t *testing.T) {
	f := newFixture(t)
	uservars := f.table.MustResolve(partition.UserVariables)
	blob := []byte("calibration=42")
	f.emu.Poke(uservars.Base, blob)

	img := testImage(int(f.staging.Size))
	f.manager.Begin(uint32(len(img)))
	for off := 0; off < len(img); off += 200 {
		end := min(off+200, len(img))
		if err := f.manager.WriteChunk(uint32(off), img[off:end]); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
	}
	if err := f.manager.Finalize(crc32.ChecksumIEEE(img)); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, _ := f.layer.Read(uservars, 0, uint32(len(blob)))
	if !bytes.Equal(got, blob) {
		t.Errorf("user variables changed: %q", got)
	}
}

func TestObserverSeesProgress(t *testing.T) {
	var seen []Session
	f := newFixture(t, WithObserver(ObserverFunc(func(s Session) {
		seen = append(seen, s)
	})))
	img := testImage(300)

	f.manager.Begin(300)
	sendChunks(t, f.manager, img, []int{100, 200})
	f.manager.Finalize(crc32.ChecksumIEEE(img))

	wantStates := []State{Receiving, Receiving, Receiving, Validating, Committed}
	if len(seen) != len(wantStates) {
		t.Fatalf("observer called %d times, want %d: %+v", len(seen), len(wantStates), seen)
	}
	for i, st := range wantStates {
		if seen[i].State != st {
			t.Errorf("notification %d: state %v, want %v", i, seen[i].State, st)
		}
	}
	if seen[2].BytesReceived != 300 {
		t.Errorf("progress = %d, want 300", seen[2].BytesReceived)
	}
}
