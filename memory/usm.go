package memory

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/quarrylabs/go-devbuf/engine"
)

var _ Buffer = (*USMBuffer)(nil)

// USMBuffer is a buffer backed by a unified/shared-memory allocation, either
// owned (freed on teardown) or borrowed (an externally supplied address that
// is never freed here). Device-storage buffers carry no host-usable address;
// their mappings stage through a separate host allocation.
type USMBuffer struct {
	bufferBase

	eng      engine.Engine
	ptr      unsafe.Pointer
	byteSize int
	storage  engine.Storage
	owned    bool
	freed    bool

	// Outstanding mappings. Every handle returned by a successful Map stays
	// here until its matching Unmap; the table must be empty before the
	// storage is freed or reallocated.
	mappings map[*Mapping]struct{}
}

func newUSMBuffer(eng engine.Engine, byteSize int, storage engine.Storage) (*USMBuffer, error) {
	ptr, err := eng.Allocate(byteSize, storage)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes of %s storage: %v", ErrAllocFailed, byteSize, storage, err)
	}

	b := &USMBuffer{
		eng:      eng,
		ptr:      ptr,
		byteSize: byteSize,
		storage:  storage,
		owned:    true,
		mappings: make(map[*Mapping]struct{}),
	}
	b.init(b)
	return b, nil
}

func newSharedUSMBuffer(eng engine.Engine, ptr unsafe.Pointer, byteSize int, storage engine.Storage) *USMBuffer {
	b := &USMBuffer{
		eng:      eng,
		ptr:      ptr,
		byteSize: byteSize,
		storage:  storage,
		owned:    false,
		mappings: make(map[*Mapping]struct{}),
	}
	b.init(b)
	return b
}

func (b *USMBuffer) Engine() engine.Engine {
	return b.eng
}

// HasPtr reports whether the bytes have a direct host-usable address.
// Device-local storage has none even though the engine tracks an address
// for it.
func (b *USMBuffer) HasPtr() bool {
	return b.ptr != nil && b.storage != engine.StorageDevice
}

func (b *USMBuffer) Ptr() unsafe.Pointer {
	if !b.HasPtr() {
		return nil
	}
	return b.ptr
}

func (b *USMBuffer) ByteSize() int {
	return b.byteSize
}

func (b *USMBuffer) Storage() engine.Storage {
	return b.storage
}

func (b *USMBuffer) Caps() Capability {
	return CapMappable | CapReallocatable
}

// Map opens a host-visible window over the given range. When the live
// storage already has a host address the window aliases it directly;
// device-only storage stages through a host allocation, copying the current
// contents in unless the access mode discards them.
func (b *USMBuffer) Map(byteOffset, byteSize int, access Access) (*Mapping, error) {
	if b.freed {
		return nil, fmt.Errorf("%w: map on freed buffer", ErrInvalidArgument)
	}
	if err := boundsCheck(byteOffset, byteSize, b.byteSize); err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}

	m := &Mapping{
		owner:      b,
		byteOffset: byteOffset,
		access:     access,
	}

	if b.HasPtr() {
		if byteSize > 0 {
			m.bytes = unsafe.Slice((*byte)(unsafe.Add(b.ptr, byteOffset)), byteSize)
		}
	} else {
		stagePtr, err := b.eng.Allocate(byteSize, engine.StorageHost)
		if err != nil {
			return nil, fmt.Errorf("%w: staging allocation of %d bytes: %v", ErrAllocFailed, byteSize, err)
		}
		if access.readsSource() && byteSize > 0 {
			src := unsafe.Add(b.ptr, byteOffset)
			if err := b.eng.CopyAsync(stagePtr, src, byteSize).Wait(); err != nil {
				b.eng.Free(stagePtr)
				return nil, fmt.Errorf("map: staging copy: %w", err)
			}
		}
		m.staged = true
		m.stagePtr = stagePtr
		m.bytes = unsafe.Slice((*byte)(stagePtr), byteSize)
	}

	b.mappings[m] = struct{}{}
	return m, nil
}

// Unmap releases a mapping returned by Map. Staged Write/ReadWrite mappings
// write their bytes back to the canonical storage first. Unmapping a handle
// that was never returned by Map, or one already released, fails with
// ErrInvalidArgument.
func (b *USMBuffer) Unmap(m *Mapping) error {
	if m == nil {
		return fmt.Errorf("%w: unmap of nil mapping", ErrInvalidArgument)
	}
	if _, ok := b.mappings[m]; !ok {
		if m.owner != Buffer(b) {
			return fmt.Errorf("%w: unmap of mapping owned by another buffer", ErrInvalidArgument)
		}
		return fmt.Errorf("%w: unmap of already released mapping", ErrInvalidArgument)
	}
	delete(b.mappings, m)

	var err error
	if m.staged {
		if m.access.writesBack() && m.ByteSize() > 0 {
			dst := unsafe.Add(b.ptr, m.byteOffset)
			if werr := b.eng.CopyAsync(dst, m.stagePtr, m.ByteSize()).Wait(); werr != nil {
				err = fmt.Errorf("unmap: writeback copy: %w", werr)
			}
		}
		b.eng.Free(m.stagePtr)
		m.stagePtr = nil
	}

	// Poison the window so use-after-unmap surfaces quickly.
	m.bytes = nil
	return err
}

// unmapAll forcibly releases every outstanding mapping. A buffer must never
// be freed or reallocated with mappings outstanding; failures here are
// reported and swallowed so teardown always completes.
func (b *USMBuffer) unmapAll() {
	for m := range b.mappings {
		if err := b.Unmap(m); err != nil {
			logrus.WithError(err).WithField("buffer", b.String()).
				Warn("memory: forced release of outstanding mapping failed")
		}
	}
}

// Read copies into dst. With a direct host address the copy completes
// immediately regardless of the requested mode; otherwise it goes through
// the engine's copy queue, blocking only for Sync.
func (b *USMBuffer) Read(byteOffset int, dst []byte, sync engine.SyncMode) error {
	if b.freed {
		return fmt.Errorf("%w: read on freed buffer", ErrInvalidArgument)
	}
	if err := boundsCheck(byteOffset, len(dst), b.byteSize); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(dst) == 0 {
		return nil
	}

	if b.HasPtr() {
		copy(dst, unsafe.Slice((*byte)(unsafe.Add(b.ptr, byteOffset)), len(dst)))
		return nil
	}

	ev := b.eng.CopyAsync(unsafe.Pointer(&dst[0]), unsafe.Add(b.ptr, byteOffset), len(dst))
	if sync == engine.Sync {
		if err := ev.Wait(); err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
	return nil
}

// Write copies from src, with the same direct/queued split as Read.
func (b *USMBuffer) Write(byteOffset int, src []byte, sync engine.SyncMode) error {
	if b.freed {
		return fmt.Errorf("%w: write on freed buffer", ErrInvalidArgument)
	}
	if err := boundsCheck(byteOffset, len(src), b.byteSize); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if len(src) == 0 {
		return nil
	}

	if b.HasPtr() {
		copy(unsafe.Slice((*byte)(unsafe.Add(b.ptr, byteOffset)), len(src)), src)
		return nil
	}

	ev := b.eng.CopyAsync(unsafe.Add(b.ptr, byteOffset), unsafe.Pointer(&src[0]), len(src))
	if sync == engine.Sync {
		if err := ev.Wait(); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}

// Realloc discards the contents and replaces the storage with a fresh
// allocation. The new allocation is confirmed before the old one is
// released, so a failure leaves the buffer untouched. Every attached
// dependent is resynchronized before Realloc returns.
func (b *USMBuffer) Realloc(newByteSize int) error {
	if b.freed {
		return fmt.Errorf("%w: realloc on freed buffer", ErrInvalidArgument)
	}

	b.unmapAll()

	newPtr, err := b.eng.Allocate(newByteSize, b.storage)
	if err != nil {
		return fmt.Errorf("%w: realloc to %d bytes: %v", ErrAllocFailed, newByteSize, err)
	}

	if b.owned && b.ptr != nil {
		b.eng.Free(b.ptr)
	}
	b.ptr = newPtr
	b.byteSize = newByteSize
	b.owned = true

	return b.notifyDependents()
}

// Free releases the buffer's storage after forcing release of any
// outstanding mappings. Borrowed addresses are detached, never freed.
// Freeing twice is a programmer error surfaced immediately.
func (b *USMBuffer) Free() error {
	if b.freed {
		return fmt.Errorf("%w: buffer already freed", ErrInvalidArgument)
	}

	b.unmapAll()

	if b.owned && b.ptr != nil {
		b.eng.Free(b.ptr)
	}
	b.ptr = nil
	b.freed = true
	return nil
}

// MappingCount returns the number of outstanding mappings.
func (b *USMBuffer) MappingCount() int {
	return len(b.mappings)
}

func (b *USMBuffer) String() string {
	owned := "owned"
	if !b.owned {
		owned = "borrowed"
	}
	return fmt.Sprintf("USMBuffer{size=%d, storage=%s, %s, mappings=%d}",
		b.byteSize, b.storage, owned, len(b.mappings))
}
