package protocol

// InputBuffer is a queue of received bytes the transport parses frames from.
type InputBuffer interface {
	// Data returns the queued bytes as one contiguous slice
	Data() []byte

	// Available returns the number of bytes queued
	Available() int

	// Pop discards n bytes from the front
	Pop(n int)
}

// OutputBuffer collects encoded bytes. Frames are built in place: the
// length byte is written first and patched once the payload is known.
type OutputBuffer interface {
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update overwrites the byte at pos
	Update(pos int, val byte)

	// DataSince returns everything written from pos on
	DataSince(pos int) []byte
}

// SliceInputBuffer is an InputBuffer over a fixed slice.
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte {
	return s.data
}

func (s *SliceInputBuffer) Available() int {
	return len(s.data)
}

func (s *SliceInputBuffer) Pop(n int) {
	s.data = s.data[min(n, len(s.data)):]
}

// ScratchOutput is an OutputBuffer with a fixed MessageMax backing array,
// so encoding never allocates on the control loop. Bytes past the end are
// dropped and recorded in Overflowed.
type ScratchOutput struct {
	buf        [MessageMax]byte
	pos        int
	overflowed bool
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflowed = true
	}
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos >= 0 && pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos < 0 || pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written since the last Reset. The slice is
// only valid until the next write.
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Overflowed reports whether any output was dropped since the last Reset.
func (s *ScratchOutput) Overflowed() bool {
	return s.overflowed
}

func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflowed = false
}

// FifoBuffer is the byte queue between the receive path and the parser.
// All capacity bytes are usable. It is not synchronised; the control loop
// guards shared instances with its critical section.
type FifoBuffer struct {
	buf   []byte
	head  int // index of the oldest byte
	count int
}

// NewFifoBuffer creates a FifoBuffer holding up to capacity bytes.
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write queues as much of data as fits and returns how much that was.
func (f *FifoBuffer) Write(data []byte) int {
	n := min(len(data), f.Free())
	tail := (f.head + f.count) % len(f.buf)
	first := copy(f.buf[tail:], data[:n])
	copy(f.buf, data[first:n])
	f.count += n
	return n
}

// Read dequeues up to len(data) bytes.
func (f *FifoBuffer) Read(data []byte) int {
	n := min(len(data), f.count)
	first := copy(data[:n], f.buf[f.head:min(f.head+n, len(f.buf))])
	copy(data[first:n], f.buf)
	f.Pop(n)
	return n
}

func (f *FifoBuffer) Available() int {
	return f.count
}

// Free returns the room left for Write.
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.count
}

// Data returns the queued bytes contiguously. A wrapped queue is rotated
// to the front of the backing array first, so no memory is allocated.
func (f *FifoBuffer) Data() []byte {
	if f.head+f.count > len(f.buf) {
		rotate(f.buf, f.head)
		f.head = 0
	}
	return f.buf[f.head : f.head+f.count]
}

// Pop discards up to n bytes from the front.
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.count)
	f.count -= n
	if f.count == 0 {
		f.head = 0
		return
	}
	f.head = (f.head + n) % len(f.buf)
}

func (f *FifoBuffer) IsEmpty() bool {
	return f.count == 0
}

func (f *FifoBuffer) Reset() {
	f.head = 0
	f.count = 0
}

// rotate moves b[k:] in front of b[:k] in place.
func rotate(b []byte, k int) {
	reverse(b[:k])
	reverse(b[k:])
	reverse(b)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
