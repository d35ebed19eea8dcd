package engine

import (
	"unsafe"
)

// Storage describes where a buffer's bytes physically reside.
type Storage int

const (
	StorageUndefined Storage = iota
	StorageHost              // host memory, not visible to the device
	StorageDevice            // device-local memory, no host address
	StorageManaged           // unified/shared memory, addressable from both sides
)

func (s Storage) String() string {
	switch s {
	case StorageHost:
		return "Host"
	case StorageDevice:
		return "Device"
	case StorageManaged:
		return "Managed"
	default:
		return "Undefined"
	}
}

// HostAddressable reports whether an allocation of this storage class carries
// a host-usable address.
func (s Storage) HostAddressable() bool {
	return s == StorageHost || s == StorageManaged
}

// SyncMode selects the completion semantics of a copy operation.
type SyncMode int

const (
	// Sync blocks the caller until the copy has completed.
	Sync SyncMode = iota
	// Async may return before the copy has completed; the caller must reach
	// an external synchronization point before reusing either side.
	Async
)

func (m SyncMode) String() string {
	if m == Async {
		return "Async"
	}
	return "Sync"
}

// Engine is the execution context that owns raw allocations and the copy
// queue. Buffers consume it; they never manage device command queues beyond
// issuing copies and waiting on their completion events.
type Engine interface {
	// Name returns a human-readable identity for the device behind this engine.
	Name() string

	// Allocate returns the address of a fresh allocation of the given byte
	// size in the given storage class.
	Allocate(byteSize int, storage Storage) (unsafe.Pointer, error)

	// Free releases an allocation previously returned by Allocate.
	Free(ptr unsafe.Pointer)

	// CopyAsync enqueues a byte copy between two engine-visible addresses and
	// returns an event that fires when the copy has completed. The returned
	// event is never nil.
	CopyAsync(dst, src unsafe.Pointer, byteSize int) *Event

	// Synchronize blocks until every previously enqueued copy has completed.
	// This is the external synchronization point required after Async
	// operations.
	Synchronize()
}

// Event signals completion of an enqueued copy.
type Event struct {
	done chan struct{}
	err  error
}

// newEvent returns an unsignaled event.
func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// completedEvent returns an event that is already signaled.
func completedEvent(err error) *Event {
	ev := newEvent()
	ev.signal(err)
	return ev
}

func (e *Event) signal(err error) {
	e.err = err
	close(e.done)
}

// Done returns a channel that is closed once the operation has completed.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the operation has completed and returns its error, if any.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}
