package memory

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/quarrylabs/go-devbuf/engine"
)

var _ Buffer = (*MappedBuffer)(nil)

// MappedBuffer is a buffer whose storage is a mapped window into another
// buffer. It keeps the source alive for the window's lifetime and always
// reports host storage. The window is a bounded, transient view, not an
// owning allocation: it cannot be remapped or reallocated.
type MappedBuffer struct {
	bufferBase

	source  Buffer
	mapping *Mapping
	closed  bool
}

// NewMapped maps [byteOffset, byteOffset+byteSize) of source with the given
// access mode and wraps the window as a buffer. The mapping is released
// exactly once: by Close, or by a finalizer if the caller never closes it.
func NewMapped(source Buffer, byteOffset, byteSize int, access Access) (*MappedBuffer, error) {
	m, err := source.Map(byteOffset, byteSize, access)
	if err != nil {
		return nil, err
	}

	mb := &MappedBuffer{
		source:  source,
		mapping: m,
	}
	mb.init(mb)

	// Safety net: a dropped MappedBuffer must still release its source
	// mapping rather than leak it.
	runtime.SetFinalizer(mb, func(leaked *MappedBuffer) {
		if err := leaked.release(); err != nil {
			logrus.WithError(err).Warn("memory: finalizer-driven release of leaked mapped buffer failed")
		}
	})
	return mb, nil
}

// Close releases the underlying mapping. Closing twice is a programmer
// error surfaced immediately.
func (mb *MappedBuffer) Close() error {
	if mb.closed {
		return fmt.Errorf("%w: mapped buffer already closed", ErrInvalidArgument)
	}
	runtime.SetFinalizer(mb, nil)
	return mb.release()
}

func (mb *MappedBuffer) release() error {
	if mb.closed {
		return nil
	}
	mb.closed = true
	err := mb.source.Unmap(mb.mapping)
	mb.mapping = nil

	// Views over the window fail their bounds check against the closed
	// buffer and nil their cached addresses; the failures themselves carry
	// no information beyond that.
	_ = mb.notifyDependents()
	return err
}

func (mb *MappedBuffer) Engine() engine.Engine {
	return mb.source.Engine()
}

func (mb *MappedBuffer) HasPtr() bool {
	return true
}

func (mb *MappedBuffer) Ptr() unsafe.Pointer {
	if mb.closed || mb.mapping.ByteSize() == 0 {
		return nil
	}
	return unsafe.Pointer(&mb.mapping.bytes[0])
}

func (mb *MappedBuffer) ByteSize() int {
	if mb.closed {
		return 0
	}
	return mb.mapping.ByteSize()
}

// Storage is always host, regardless of the source's native class: the
// window is host-visible by construction.
func (mb *MappedBuffer) Storage() engine.Storage {
	return engine.StorageHost
}

func (mb *MappedBuffer) Caps() Capability {
	return 0
}

func (mb *MappedBuffer) Read(byteOffset int, dst []byte, sync engine.SyncMode) error {
	if mb.closed {
		return fmt.Errorf("%w: read on closed mapped buffer", ErrInvalidArgument)
	}
	if err := boundsCheck(byteOffset, len(dst), mb.ByteSize()); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	copy(dst, mb.mapping.bytes[byteOffset:byteOffset+len(dst)])
	return nil
}

func (mb *MappedBuffer) Write(byteOffset int, src []byte, sync engine.SyncMode) error {
	if mb.closed {
		return fmt.Errorf("%w: write on closed mapped buffer", ErrInvalidArgument)
	}
	if err := boundsCheck(byteOffset, len(src), mb.ByteSize()); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	copy(mb.mapping.bytes[byteOffset:byteOffset+len(src)], src)
	return nil
}

func (mb *MappedBuffer) Map(byteOffset, byteSize int, access Access) (*Mapping, error) {
	return nil, fmt.Errorf("%w: map on a mapped buffer", ErrUnsupported)
}

func (mb *MappedBuffer) Unmap(m *Mapping) error {
	return fmt.Errorf("%w: unmap on a mapped buffer", ErrUnsupported)
}

func (mb *MappedBuffer) Realloc(newByteSize int) error {
	return fmt.Errorf("%w: realloc on a mapped buffer", ErrUnsupported)
}

func (mb *MappedBuffer) String() string {
	if mb.closed {
		return "MappedBuffer{closed}"
	}
	return fmt.Sprintf("MappedBuffer{size=%d, access=%s}", mb.ByteSize(), mb.mapping.Access())
}
