package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/quarrylabs/go-devbuf/engine"
)

// Buffer is a contiguous byte range living in one storage class, shared by
// any number of dependent views. The implementation set is closed to this
// package; construction goes through NewBuffer / NewSharedBuffer / NewMapped.
type Buffer interface {
	// Engine returns the execution context that owns the storage.
	Engine() engine.Engine

	// HasPtr reports whether the buffer's bytes have a direct host-usable
	// address. Ptr returns that address, or nil if HasPtr is false.
	HasPtr() bool
	Ptr() unsafe.Pointer

	ByteSize() int
	Storage() engine.Storage

	// Caps reports which optional operations this buffer implements.
	Caps() Capability

	// Read copies len(dst) bytes starting at byteOffset into dst. Write
	// copies len(src) bytes from src into the buffer starting at byteOffset.
	// Sync blocks until the copy completes; Async may return first, and the
	// caller must not reuse the host-side slice until an external
	// synchronization point.
	Read(byteOffset int, dst []byte, sync engine.SyncMode) error
	Write(byteOffset int, src []byte, sync engine.SyncMode) error

	// Map opens a host-visible window over [byteOffset, byteOffset+byteSize)
	// and returns an opaque handle for it. Unmap releases the handle; for
	// Write/ReadWrite mappings, writes made through the window are visible
	// to subsequent Reads of the same range once Unmap returns.
	Map(byteOffset, byteSize int, access Access) (*Mapping, error)
	Unmap(m *Mapping) error

	// Realloc discards the buffer's contents and replaces its storage with a
	// fresh allocation of the requested size. Every attached dependent is
	// resynchronized before Realloc returns. On failure the previous
	// allocation is left intact.
	Realloc(newByteSize int) error

	// NewTensor and NewImage build dependent views rooted at a byte offset.
	NewTensor(desc TensorDesc, byteOffset int) (*Tensor, error)
	NewImage(desc ImageDesc, byteOffset int) (*Image, error)

	// Dependent registration; the buffer keeps only non-owning
	// back-references. Safe to call during buffer teardown.
	attach(dep Dependent)
	detach(dep Dependent)
}

// Mapping is the opaque handle returned by Buffer.Map. Overlapping or
// repeated maps of the same range are distinct handles tracked
// independently.
type Mapping struct {
	owner      Buffer
	bytes      []byte // host-visible window
	byteOffset int
	access     Access

	// Staged mappings copy through a separate host allocation instead of
	// aliasing the live storage.
	staged   bool
	stagePtr unsafe.Pointer
}

// Bytes returns the host-visible window. The slice is valid until the
// mapping is released.
func (m *Mapping) Bytes() []byte {
	return m.bytes
}

// ByteOffset returns the mapped range's offset within the source buffer.
func (m *Mapping) ByteOffset() int {
	return m.byteOffset
}

// ByteSize returns the size of the mapped window.
func (m *Mapping) ByteSize() int {
	return len(m.bytes)
}

// Access returns the access mode the window was opened with.
func (m *Mapping) Access() Access {
	return m.access
}

// NewBuffer allocates a buffer of the given size and storage class on the
// given execution context. This is the backend-keyed factory: the storage
// class decides the backing strategy and therefore the capability set.
func NewBuffer(eng engine.Engine, byteSize int, storage engine.Storage) (Buffer, error) {
	switch storage {
	case engine.StorageHost, engine.StorageDevice, engine.StorageManaged:
		return newUSMBuffer(eng, byteSize, storage)
	default:
		return nil, fmt.Errorf("%w: cannot allocate %s storage", ErrInvalidArgument, storage)
	}
}

// NewSharedBuffer wraps an externally owned allocation. The buffer never
// frees the supplied address.
func NewSharedBuffer(eng engine.Engine, ptr unsafe.Pointer, byteSize int, storage engine.Storage) (Buffer, error) {
	if ptr == nil && byteSize > 0 {
		return nil, fmt.Errorf("%w: nil address for shared buffer of %d bytes", ErrInvalidArgument, byteSize)
	}
	return newSharedUSMBuffer(eng, ptr, byteSize, storage), nil
}

// bufferBase carries the dependent registry and the view constructors shared
// by every buffer implementation. The registry is not synchronized: a single
// control thread mutates the dependency graph of a given buffer at a time.
type bufferBase struct {
	self Buffer
	deps []Dependent
}

func (b *bufferBase) init(self Buffer) {
	b.self = self
}

func (b *bufferBase) attach(dep Dependent) {
	b.deps = append(b.deps, dep)
}

func (b *bufferBase) detach(dep Dependent) {
	for i, d := range b.deps {
		if d == dep {
			b.deps = append(b.deps[:i], b.deps[i+1:]...)
			return
		}
	}
}

// notifyDependents invokes every attached dependent's resynchronization,
// exhaustively: a failure does not stop the walk. Failures are joined so
// that errors.Is still matches the underlying sentinels.
func (b *bufferBase) notifyDependents() error {
	var errs []error
	for _, dep := range b.deps {
		if err := dep.UpdatePtr(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *bufferBase) NewTensor(desc TensorDesc, byteOffset int) (*Tensor, error) {
	if err := boundsCheck(byteOffset, desc.ByteSize(), b.self.ByteSize()); err != nil {
		return nil, fmt.Errorf("tensor view: %w", err)
	}
	return newTensor(b.self, desc, byteOffset)
}

func (b *bufferBase) NewImage(desc ImageDesc, byteOffset int) (*Image, error) {
	if err := boundsCheck(byteOffset, desc.ByteSize(), b.self.ByteSize()); err != nil {
		return nil, fmt.Errorf("image view: %w", err)
	}
	return newImage(b.self, desc, byteOffset)
}
