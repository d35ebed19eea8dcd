package memory

// Dependent is implemented by every view that caches an address derived from
// a buffer's storage. UpdatePtr recomputes that address from the buffer's
// current pointer and the view's own offset; the owning buffer invokes it
// whenever its storage moves.
type Dependent interface {
	UpdatePtr() error
}

// Memory is the base of a view into a byte range of a buffer at a given
// offset. It owns a strong reference to the buffer and registers a
// non-owning back-reference with it. A Memory with no buffer is valid and
// simply unattached.
type Memory struct {
	buffer     Buffer
	byteOffset int
	self       Dependent
}

// NewMemory binds a view to buf at byteOffset and attaches self to the
// buffer's dependent registry. buf may be nil for a view with no backing
// storage yet.
func NewMemory(buf Buffer, byteOffset int, self Dependent) Memory {
	if buf != nil {
		buf.attach(self)
	}
	return Memory{buffer: buf, byteOffset: byteOffset, self: self}
}

// Buffer returns the backing buffer, or nil if unattached.
func (m *Memory) Buffer() Buffer {
	return m.buffer
}

// ByteOffset returns the view's offset within its buffer.
func (m *Memory) ByteOffset() int {
	return m.byteOffset
}

// Release detaches the view from its buffer and drops the strong reference.
// Safe to call more than once; the buffer outlives the call only if other
// holders remain.
func (m *Memory) Release() {
	if m.buffer != nil {
		m.buffer.detach(m.self)
		m.buffer = nil
	}
}
