package engine

import (
	"fmt"
	"sync"
	"unsafe"
)

// bufferPool recycles allocations of one fixed size and storage class.
type bufferPool struct {
	free      chan unsafe.Pointer
	maxSize   int
	byteSize  int
	storage   Storage
	allocated int
	mu        sync.Mutex
}

func newBufferPool(byteSize, maxSize int, storage Storage) *bufferPool {
	return &bufferPool{
		free:     make(chan unsafe.Pointer, maxSize),
		maxSize:  maxSize,
		byteSize: byteSize,
		storage:  storage,
	}
}

func (p *bufferPool) get(inner Engine) (unsafe.Pointer, error) {
	select {
	case ptr := <-p.free:
		return ptr, nil
	default:
	}

	p.mu.Lock()
	canAllocate := p.allocated < p.maxSize
	if canAllocate {
		p.allocated++
	}
	p.mu.Unlock()

	if !canAllocate {
		return nil, fmt.Errorf("buffer pool at capacity (%d allocations of %d bytes)", p.maxSize, p.byteSize)
	}

	ptr, err := inner.Allocate(p.byteSize, p.storage)
	if err != nil {
		p.mu.Lock()
		p.allocated--
		p.mu.Unlock()
		return nil, err
	}
	return ptr, nil
}

func (p *bufferPool) put(inner Engine, ptr unsafe.Pointer) {
	select {
	case p.free <- ptr:
	default:
		// Pool is full; release the allocation for real.
		inner.Free(ptr)
		p.mu.Lock()
		p.allocated--
		p.mu.Unlock()
	}
}

func (p *bufferPool) stats() (available, allocated, maxSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.allocated, p.maxSize
}

var _ Engine = (*PooledEngine)(nil)

// PooledEngine wraps another engine with size-tiered allocation pools so that
// short-lived buffers (staging copies in particular) reuse storage instead of
// hitting the underlying allocator every time. Copies pass straight through.
type PooledEngine struct {
	inner Engine
	tiers []int

	poolsMu sync.RWMutex
	pools   map[PoolKey]*bufferPool

	sizesMu sync.RWMutex
	sizes   map[unsafe.Pointer]PoolKey // live allocation -> owning pool
}

type PoolKey struct {
	Size    int
	Storage Storage
}

// DefaultPoolTiers are the pooled allocation sizes: 1KB through 64MB.
var DefaultPoolTiers = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864,
}

// NewPooledEngine wraps inner with the default allocation tiers.
func NewPooledEngine(inner Engine) *PooledEngine {
	return &PooledEngine{
		inner: inner,
		tiers: DefaultPoolTiers,
		pools: make(map[PoolKey]*bufferPool),
		sizes: make(map[unsafe.Pointer]PoolKey),
	}
}

func (pe *PooledEngine) Name() string {
	return pe.inner.Name() + " [pooled]"
}

func (pe *PooledEngine) Allocate(byteSize int, storage Storage) (unsafe.Pointer, error) {
	key := PoolKey{Size: pe.tierFor(byteSize), Storage: storage}
	pool := pe.getOrCreatePool(key)

	ptr, err := pool.get(pe.inner)
	if err != nil {
		return nil, err
	}

	pe.sizesMu.Lock()
	pe.sizes[ptr] = key
	pe.sizesMu.Unlock()
	return ptr, nil
}

func (pe *PooledEngine) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	pe.sizesMu.Lock()
	key, ok := pe.sizes[ptr]
	delete(pe.sizes, ptr)
	pe.sizesMu.Unlock()

	if !ok {
		// Not one of ours; hand it back to the underlying engine.
		pe.inner.Free(ptr)
		return
	}

	pe.poolsMu.RLock()
	pool := pe.pools[key]
	pe.poolsMu.RUnlock()

	if pool != nil {
		pool.put(pe.inner, ptr)
	} else {
		pe.inner.Free(ptr)
	}
}

func (pe *PooledEngine) CopyAsync(dst, src unsafe.Pointer, byteSize int) *Event {
	return pe.inner.CopyAsync(dst, src, byteSize)
}

func (pe *PooledEngine) Synchronize() {
	pe.inner.Synchronize()
}

// Close releases every pooled allocation back to the underlying engine.
func (pe *PooledEngine) Close() {
	pe.poolsMu.Lock()
	defer pe.poolsMu.Unlock()

	for _, pool := range pe.pools {
	drain:
		for {
			select {
			case ptr := <-pool.free:
				pe.inner.Free(ptr)
			default:
				break drain
			}
		}
	}
	pe.pools = make(map[PoolKey]*bufferPool)
}

// Stats returns a per-pool summary keyed by tier size and storage class.
func (pe *PooledEngine) Stats() map[PoolKey]string {
	pe.poolsMu.RLock()
	defer pe.poolsMu.RUnlock()

	stats := make(map[PoolKey]string, len(pe.pools))
	for key, pool := range pe.pools {
		available, allocated, maxSize := pool.stats()
		stats[key] = fmt.Sprintf("available=%d, allocated=%d, max=%d", available, allocated, maxSize)
	}
	return stats
}

// tierFor finds the smallest tier that can hold the request; oversized
// requests are passed through at their exact size.
func (pe *PooledEngine) tierFor(byteSize int) int {
	for _, tier := range pe.tiers {
		if tier >= byteSize {
			return tier
		}
	}
	return byteSize
}

func (pe *PooledEngine) getOrCreatePool(key PoolKey) *bufferPool {
	pe.poolsMu.RLock()
	pool, ok := pe.pools[key]
	pe.poolsMu.RUnlock()
	if ok {
		return pool
	}

	pe.poolsMu.Lock()
	defer pe.poolsMu.Unlock()

	if pool, ok := pe.pools[key]; ok {
		return pool
	}
	pool = newBufferPool(key.Size, maxPoolEntries(key.Size), key.Storage)
	pe.pools[key] = pool
	return pool
}

// maxPoolEntries caps pool depth; smaller tiers keep more spares.
func maxPoolEntries(byteSize int) int {
	switch {
	case byteSize <= 4096:
		return 100
	case byteSize <= 65536:
		return 50
	case byteSize <= 1048576:
		return 20
	case byteSize <= 16777216:
		return 10
	default:
		return 5
	}
}
