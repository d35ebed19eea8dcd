package engine

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

var _ Engine = (*HostEngine)(nil)

// HostEngine is a pure-Go execution context. Allocations are pinned Go byte
// slices; copies run on a goroutine so the Async path behaves like a real
// copy queue. Device-storage allocations are backed by ordinary memory but
// reported as not host-addressable, so callers exercise the same staging
// paths they would against a discrete device.
type HostEngine struct {
	name string

	// Byte budget; 0 means unlimited. Lets tests provoke allocation failure.
	limit int

	mu          sync.Mutex
	allocations map[unsafe.Pointer]hostAllocation // pins backing slices against GC
	used        int

	inflight sync.WaitGroup // outstanding asynchronous copies
}

type hostAllocation struct {
	backing []byte
	size    int // requested size; may differ from len(backing) for zero-sized allocations
}

// NewHostEngine creates a host execution context with no allocation limit.
func NewHostEngine() *HostEngine {
	return NewHostEngineWithLimit(0)
}

// NewHostEngineWithLimit creates a host execution context that fails
// allocations once the total outstanding bytes would exceed limit.
func NewHostEngineWithLimit(limit int) *HostEngine {
	return &HostEngine{
		name:        fmt.Sprintf("host (%s)", runtime.GOARCH),
		limit:       limit,
		allocations: make(map[unsafe.Pointer]hostAllocation),
	}
}

func (e *HostEngine) Name() string {
	return e.name
}

func (e *HostEngine) Allocate(byteSize int, storage Storage) (unsafe.Pointer, error) {
	if byteSize < 0 {
		return nil, fmt.Errorf("negative allocation size %d", byteSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limit > 0 && e.used+byteSize > e.limit {
		return nil, fmt.Errorf("allocation of %d bytes exceeds engine limit (%d of %d in use)",
			byteSize, e.used, e.limit)
	}

	// Zero-sized buffers still need a distinct, stable address.
	n := byteSize
	if n == 0 {
		n = 1
	}
	backing := make([]byte, n)
	ptr := unsafe.Pointer(&backing[0])

	e.allocations[ptr] = hostAllocation{backing: backing, size: byteSize}
	e.used += byteSize
	return ptr, nil
}

func (e *HostEngine) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	alloc, ok := e.allocations[ptr]
	if !ok {
		logrus.WithField("ptr", fmt.Sprintf("%p", ptr)).Warn("engine: freeing untracked allocation")
		return
	}
	delete(e.allocations, ptr)
	e.used -= alloc.size
}

// InUse returns the number of outstanding allocated bytes.
func (e *HostEngine) InUse() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// AllocationCount returns the number of outstanding allocations.
func (e *HostEngine) AllocationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.allocations)
}

func (e *HostEngine) CopyAsync(dst, src unsafe.Pointer, byteSize int) *Event {
	if byteSize == 0 {
		return completedEvent(nil)
	}
	if dst == nil || src == nil {
		return completedEvent(fmt.Errorf("copy with nil address (dst=%p src=%p)", dst, src))
	}

	ev := newEvent()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		copy(unsafe.Slice((*byte)(dst), byteSize), unsafe.Slice((*byte)(src), byteSize))
		ev.signal(nil)
	}()
	return ev
}

func (e *HostEngine) Synchronize() {
	e.inflight.Wait()
}
