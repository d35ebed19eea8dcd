package memory

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/go-devbuf/engine"
)

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func TestRoundTripAllStorageAndSyncModes(t *testing.T) {
	storages := []engine.Storage{engine.StorageHost, engine.StorageDevice, engine.StorageManaged}
	modes := []engine.SyncMode{engine.Sync, engine.Async}

	for _, storage := range storages {
		for _, mode := range modes {
			t.Run(fmt.Sprintf("%s_%s", storage, mode), func(t *testing.T) {
				eng := engine.NewHostEngine()
				buf, err := NewBuffer(eng, 1024, storage)
				require.NoError(t, err)

				src := pattern(256, 0x10)
				require.NoError(t, buf.Write(128, src, mode))
				eng.Synchronize()

				dst := make([]byte, 256)
				require.NoError(t, buf.Read(128, dst, mode))
				eng.Synchronize()

				assert.True(t, bytes.Equal(src, dst), "round trip must be byte-identical")
			})
		}
	}
}

func TestHasPtrMatchesAddressability(t *testing.T) {
	eng := engine.NewHostEngine()

	tests := []struct {
		storage engine.Storage
		hasPtr  bool
	}{
		{engine.StorageHost, true},
		{engine.StorageManaged, true},
		{engine.StorageDevice, false},
	}

	for _, tt := range tests {
		t.Run(tt.storage.String(), func(t *testing.T) {
			buf, err := NewBuffer(eng, 64, tt.storage)
			require.NoError(t, err)

			assert.Equal(t, tt.hasPtr, buf.HasPtr())
			if tt.hasPtr {
				assert.NotNil(t, buf.Ptr())
			} else {
				assert.Nil(t, buf.Ptr(), "no direct address may be obtainable when HasPtr is false")
			}
		})
	}
}

func TestSizedOperationsOutOfBounds(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageManaged)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int
		size   int
	}{
		{"past end", 48, 32},
		{"offset beyond size", 65, 1},
		{"negative offset", -1, 8},
		{"size overflowing", 0, 65},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scratch := make([]byte, tt.size)

			err := buf.Read(tt.offset, scratch, engine.Sync)
			assert.ErrorIs(t, err, ErrOutOfBounds, "read")

			err = buf.Write(tt.offset, scratch, engine.Sync)
			assert.ErrorIs(t, err, ErrOutOfBounds, "write")

			_, err = buf.Map(tt.offset, tt.size, AccessRead)
			assert.ErrorIs(t, err, ErrOutOfBounds, "map")
		})
	}
}

func TestMapAliasesManagedStorage(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 256, engine.StorageManaged)
	require.NoError(t, err)

	m, err := buf.Map(64, 128, AccessReadWrite)
	require.NoError(t, err)
	assert.False(t, m.staged, "managed storage should map zero-copy")
	assert.Equal(t, 128, m.ByteSize())
	assert.Equal(t, 64, m.ByteOffset())

	copy(m.Bytes(), pattern(128, 0x40))
	require.NoError(t, buf.Unmap(m))

	got := make([]byte, 128)
	require.NoError(t, buf.Read(64, got, engine.Sync))
	assert.Equal(t, pattern(128, 0x40), got)
}

// Device-storage buffer of 1024 bytes with no direct address: map [0, 256)
// for writing, fill the window with 0xAA, unmap, read back.
func TestMapStagesDeviceStorage(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 1024, engine.StorageDevice)
	require.NoError(t, err)

	m, err := buf.Map(0, 256, AccessWrite)
	require.NoError(t, err)
	assert.True(t, m.staged, "device storage must stage its mappings")

	for i := range m.Bytes() {
		m.Bytes()[i] = 0xAA
	}
	require.NoError(t, buf.Unmap(m))

	got := make([]byte, 256)
	require.NoError(t, buf.Read(0, got, engine.Sync))
	for i, b := range got {
		if b != 0xAA {
			t.Fatalf("byte %d not written back: got %#x", i, b)
		}
	}
}

func TestWriteDiscardFullRangeVisible(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 512, engine.StorageDevice)
	require.NoError(t, err)

	require.NoError(t, buf.Write(0, pattern(512, 0x01), engine.Sync))

	m, err := buf.Map(0, 512, AccessWriteDiscard)
	require.NoError(t, err)

	// Prior content makes no claim here; a full-range write must be fully
	// visible after unmap.
	copy(m.Bytes(), pattern(512, 0x80))
	require.NoError(t, buf.Unmap(m))

	got := make([]byte, 512)
	require.NoError(t, buf.Read(0, got, engine.Sync))
	assert.Equal(t, pattern(512, 0x80), got)
}

func TestReadMappingDoesNotWriteBack(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageDevice)
	require.NoError(t, err)

	original := pattern(64, 0x33)
	require.NoError(t, buf.Write(0, original, engine.Sync))

	m, err := buf.Map(0, 64, AccessRead)
	require.NoError(t, err)
	assert.Equal(t, original, m.Bytes())

	// Scribbling over a read-only window must not reach the buffer.
	copy(m.Bytes(), pattern(64, 0xEE))
	require.NoError(t, buf.Unmap(m))

	got := make([]byte, 64)
	require.NoError(t, buf.Read(0, got, engine.Sync))
	assert.Equal(t, original, got)
}

func TestUnmapTwiceFails(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 128, engine.StorageManaged)
	require.NoError(t, err)

	m, err := buf.Map(0, 128, AccessReadWrite)
	require.NoError(t, err)

	require.NoError(t, buf.Unmap(m))
	err = buf.Unmap(m)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorContains(t, err, "already released")
}

func TestUnmapForeignMappingFails(t *testing.T) {
	eng := engine.NewHostEngine()
	a, err := NewBuffer(eng, 64, engine.StorageManaged)
	require.NoError(t, err)
	b, err := NewBuffer(eng, 64, engine.StorageManaged)
	require.NoError(t, err)

	m, err := a.Map(0, 64, AccessRead)
	require.NoError(t, err)

	err = b.Unmap(m)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorContains(t, err, "another buffer")
	assert.ErrorIs(t, b.Unmap(nil), ErrInvalidArgument)
	require.NoError(t, a.Unmap(m))
}

func TestOverlappingMapsTrackedIndependently(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 256, engine.StorageManaged)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	m1, err := buf.Map(0, 128, AccessRead)
	require.NoError(t, err)
	m2, err := buf.Map(0, 128, AccessRead)
	require.NoError(t, err)

	assert.Equal(t, 2, usm.MappingCount())
	require.NoError(t, buf.Unmap(m1))
	assert.Equal(t, 1, usm.MappingCount())
	require.NoError(t, buf.Unmap(m2))
	assert.Equal(t, 0, usm.MappingCount())
}

func TestFreeForcesOutstandingMappings(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 512, engine.StorageDevice)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	_, err = buf.Map(0, 128, AccessRead)
	require.NoError(t, err)
	_, err = buf.Map(128, 128, AccessReadWrite)
	require.NoError(t, err)
	require.Equal(t, 2, usm.MappingCount())

	require.NoError(t, usm.Free())
	assert.Equal(t, 0, usm.MappingCount())
	assert.Equal(t, 0, eng.AllocationCount(), "storage and staging allocations must all be released")
}

func TestDoubleFreeFails(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageHost)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	require.NoError(t, usm.Free())
	assert.ErrorIs(t, usm.Free(), ErrInvalidArgument)
}

func TestOperationsAfterFreeFail(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageHost)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)
	require.NoError(t, usm.Free())

	scratch := make([]byte, 8)
	assert.ErrorIs(t, buf.Read(0, scratch, engine.Sync), ErrInvalidArgument)
	assert.ErrorIs(t, buf.Write(0, scratch, engine.Sync), ErrInvalidArgument)
	_, err = buf.Map(0, 8, AccessRead)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, buf.Realloc(128), ErrInvalidArgument)
}

func TestBorrowedBufferNeverFreesExternalAddress(t *testing.T) {
	eng := engine.NewHostEngine()

	external, err := eng.Allocate(256, engine.StorageManaged)
	require.NoError(t, err)

	buf, err := NewSharedBuffer(eng, external, 256, engine.StorageManaged)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	require.NoError(t, buf.Write(0, pattern(256, 0x07), engine.Sync))
	require.NoError(t, usm.Free())

	assert.Equal(t, 1, eng.AllocationCount(), "borrowed address must survive buffer teardown")
	eng.Free(external)
}

func TestOwnedBufferFreesItsAllocation(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 256, engine.StorageHost)
	require.NoError(t, err)

	require.Equal(t, 1, eng.AllocationCount())
	require.NoError(t, buf.(*USMBuffer).Free())
	assert.Equal(t, 0, eng.AllocationCount())
}

func TestReallocFailurePreservesBuffer(t *testing.T) {
	eng := engine.NewHostEngineWithLimit(100)
	buf, err := NewBuffer(eng, 64, engine.StorageManaged)
	require.NoError(t, err)

	original := pattern(64, 0x21)
	require.NoError(t, buf.Write(0, original, engine.Sync))

	err = buf.Realloc(128)
	require.ErrorIs(t, err, ErrAllocFailed)

	// Prior allocation intact and valid.
	assert.Equal(t, 64, buf.ByteSize())
	got := make([]byte, 64)
	require.NoError(t, buf.Read(0, got, engine.Sync))
	assert.Equal(t, original, got)
}

func TestReallocReleasesMappingsFirst(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 128, engine.StorageDevice)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	_, err = buf.Map(0, 64, AccessReadWrite)
	require.NoError(t, err)

	require.NoError(t, buf.Realloc(256))
	assert.Equal(t, 0, usm.MappingCount())
	assert.Equal(t, 256, buf.ByteSize())
	assert.Equal(t, 1, eng.AllocationCount(), "old storage and staging must be gone")
}

func TestReallocBorrowedBufferTakesOwnership(t *testing.T) {
	eng := engine.NewHostEngine()

	external, err := eng.Allocate(64, engine.StorageManaged)
	require.NoError(t, err)

	buf, err := NewSharedBuffer(eng, external, 64, engine.StorageManaged)
	require.NoError(t, err)
	usm := buf.(*USMBuffer)

	require.NoError(t, buf.Realloc(128))
	assert.Equal(t, 128, buf.ByteSize())
	assert.Equal(t, 2, eng.AllocationCount(), "external address must not be freed by realloc")

	require.NoError(t, usm.Free())
	assert.Equal(t, 1, eng.AllocationCount(), "realloc'd storage is owned and freed")
	eng.Free(external)
}

func TestFactoryRejectsUndefinedStorage(t *testing.T) {
	eng := engine.NewHostEngine()

	_, err := NewBuffer(eng, 64, engine.StorageUndefined)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewSharedBuffer(eng, nil, 64, engine.StorageManaged)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocationFailureSurfaces(t *testing.T) {
	eng := engine.NewHostEngineWithLimit(16)
	_, err := NewBuffer(eng, 1024, engine.StorageHost)
	assert.ErrorIs(t, err, ErrAllocFailed)
}

func TestZeroSizedOperations(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageManaged)
	require.NoError(t, err)

	require.NoError(t, buf.Read(64, nil, engine.Sync))
	require.NoError(t, buf.Write(0, nil, engine.Sync))

	m, err := buf.Map(64, 0, AccessRead)
	require.NoError(t, err)
	require.NoError(t, buf.Unmap(m))
}

func TestCapabilitiesDiscoverable(t *testing.T) {
	eng := engine.NewHostEngine()
	buf, err := NewBuffer(eng, 64, engine.StorageHost)
	require.NoError(t, err)

	assert.True(t, buf.Caps().Has(CapMappable))
	assert.True(t, buf.Caps().Has(CapReallocatable))
}

func TestErrUnsupportedIsInvalidArgument(t *testing.T) {
	assert.True(t, errors.Is(ErrUnsupported, ErrInvalidArgument))
}
