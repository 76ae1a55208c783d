// Package staging receives firmware images into the staging partition,
// validates them and commits them to the active application partition.
//
// The active partition is only touched by a successful Finalize, after the
// whole image has been received and its checksum verified. A failed or
// interrupted transfer therefore never leaves an unbootable application.
package staging

import (
	"hash/crc32"

	"flashboot/diag"
	"flashboot/fault"
	"flashboot/flash"
	"flashboot/partition"
)

// Manager owns the single staging session. It is driven from the control
// loop only; callers running it from several goroutines must serialise all
// calls behind one mutex.
type Manager struct {
	layer   *flash.Layer
	staging partition.Partition
	active  partition.Partition
	session Session
	buf     []byte
	config  Config
}

// New creates a Manager for the staging and active partitions of table.
func New(layer *flash.Layer, table *partition.Table, opts ...Option) (*Manager, error) {
	staging, err := table.Resolve(partition.StagingBuffer)
	if err != nil {
		return nil, err
	}
	active, err := table.Resolve(partition.ActiveApp)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		layer:   layer,
		staging: staging,
		active:  active,
		buf:     make([]byte, cfg.CopyBlockSize),
		config:  cfg,
	}, nil
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	return m.session
}

// StagingPartition returns the partition images are received into.
func (m *Manager) StagingPartition() partition.Partition {
	return m.staging
}

// Begin opens a new session for an image of size bytes, discarding any
// previous one. Only the sectors covering the image are erased.
func (m *Manager) Begin(size uint32) error {
	if size == 0 || size > m.staging.Size {
		return fault.New(fault.InvalidSize, "begin",
			"size "+diag.Utoa(size)+" not in 1.."+diag.Utoa(m.staging.Size))
	}

	m.layer.Events().Record(diag.EvtBegin, m.staging.Base, size)
	erased, err := m.layer.Erase(m.staging, 0, size)
	if err != nil {
		m.session = Session{ExpectedSize: size, State: Aborted}
		m.config.Logger.Error("staging erase failed", "size", size, "err", err)
		m.notify()
		return err
	}

	m.session = Session{ExpectedSize: size, State: Receiving}
	m.config.Logger.Info("session opened", "size", size, "erased", erased.Length)
	m.notify()
	return nil
}

// WriteChunk programs data at offset. Chunks must arrive strictly in order:
// offset must equal the number of bytes received so far. Rejected chunks
// leave the session unchanged.
func (m *Manager) WriteChunk(offset uint32, data []byte) error {
	s := &m.session
	if s.State != Receiving {
		return fault.New(fault.InvalidState, "write chunk", "session is "+s.State.String())
	}
	if offset != s.BytesReceived {
		return fault.New(fault.OutOfOrder, "write chunk",
			"offset "+diag.Utoa(offset)+", expected "+diag.Utoa(s.BytesReceived))
	}
	n := uint32(len(data))
	if uint64(s.BytesReceived)+uint64(n) > uint64(s.ExpectedSize) {
		return fault.New(fault.InvalidSize, "write chunk",
			"chunk overruns expected size "+diag.Utoa(s.ExpectedSize))
	}
	if n == 0 {
		return nil
	}

	if err := m.layer.Program(m.staging, offset, data); err != nil {
		m.fail("program failed", err)
		return err
	}

	s.BytesReceived += n
	s.Checksum = crc32.Update(s.Checksum, crc32.IEEETable, data)
	m.notify()
	return nil
}

// Finalize validates the staged image against checksum and commits it.
// On IncompleteTransfer or ChecksumMismatch the session is aborted, the
// staged bytes are left for inspection and the active partition is untouched.
func (m *Manager) Finalize(checksum uint32) error {
	s := &m.session
	if s.State != Receiving {
		return fault.New(fault.InvalidState, "finalize", "session is "+s.State.String())
	}
	m.layer.Events().Record(diag.EvtFinalize, m.staging.Base, checksum)

	if s.BytesReceived != s.ExpectedSize {
		err := fault.New(fault.IncompleteTransfer, "finalize",
			"received "+diag.Utoa(s.BytesReceived)+" of "+diag.Utoa(s.ExpectedSize))
		m.fail("incomplete transfer", err)
		return err
	}

	s.State = Validating
	m.notify()

	if s.Checksum != checksum {
		err := fault.New(fault.ChecksumMismatch, "finalize",
			"got "+diag.Hex32(s.Checksum)+", expected "+diag.Hex32(checksum))
		m.fail("checksum mismatch", err)
		return err
	}

	// The accumulator only proves what was sent; re-read what was stored.
	stored, err := m.layer.Checksum(m.staging, 0, s.ExpectedSize)
	if err != nil {
		m.fail("staging read-back failed", err)
		return err
	}
	if stored != s.Checksum {
		err := fault.New(fault.HardwareFault, "finalize",
			"staged image reads back as "+diag.Hex32(stored))
		m.fail("staging corrupted", err)
		return err
	}

	if err := m.commit(); err != nil {
		m.fail("commit failed", err)
		return err
	}

	s.State = Committed
	m.layer.Events().Record(diag.EvtCommit, m.active.Base, s.ExpectedSize)
	m.config.Logger.Info("image committed", "size", s.ExpectedSize, "crc", diag.Hex32(s.Checksum))
	m.notify()
	return nil
}

// Abort ends the session from any state. Staged bytes are kept.
func (m *Manager) Abort() {
	m.layer.Events().Record(diag.EvtAbort, m.staging.Base, m.session.BytesReceived)
	m.session.State = Aborted
	m.config.Logger.Info("session aborted", "received", m.session.BytesReceived)
	m.notify()
}

// commit replaces the active image with the staged one. The active
// partition is erased as a whole first, so a fault part way leaves it
// erased (never a mix of old and new) once the cleanup erase has run.
func (m *Manager) commit() error {
	size := m.session.ExpectedSize
	if _, err := m.layer.Erase(m.active, 0, m.active.Size); err != nil {
		m.scrubActive()
		return asHardwareFault("commit", err)
	}

	for off := uint32(0); off < size; {
		chunk := m.buf[:min(size-off, uint32(len(m.buf)))]
		if err := m.layer.ReadInto(m.staging, off, chunk); err != nil {
			m.scrubActive()
			return asHardwareFault("commit", err)
		}
		if err := m.layer.Program(m.active, off, chunk); err != nil {
			m.scrubActive()
			return asHardwareFault("commit", err)
		}
		off += uint32(len(chunk))
	}

	sum, err := m.layer.Checksum(m.active, 0, size)
	if err != nil || sum != m.session.Checksum {
		m.scrubActive()
		if err == nil {
			err = fault.New(fault.HardwareFault, "commit", "active image reads back as "+diag.Hex32(sum))
		}
		return asHardwareFault("commit", err)
	}
	return nil
}

// scrubActive is the best-effort cleanup after a failed commit.
func (m *Manager) scrubActive() {
	if _, err := m.layer.Erase(m.active, 0, m.active.Size); err != nil {
		m.config.Logger.Error("active partition scrub failed", "err", err)
		m.layer.Events().Dump()
	}
}

func (m *Manager) fail(msg string, err error) {
	m.session.State = Aborted
	m.layer.Events().Record(diag.EvtAbort, m.staging.Base, uint32(fault.KindOf(err)))
	m.config.Logger.Error(msg, "err", err)
	m.notify()
}

func (m *Manager) notify() {
	if m.config.Observer != nil {
		m.config.Observer.SessionChanged(m.session)
	}
}

func asHardwareFault(op string, err error) error {
	if fault.KindOf(err) == fault.HardwareFault {
		return err
	}
	return fault.New(fault.HardwareFault, op, err.Error())
}
