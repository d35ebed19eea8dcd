package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds reports an offset/size pair exceeding a buffer's
	// current byte size.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrInvalidArgument reports a lifecycle misuse: unmapping a handle that
	// was never returned by map or was already released, freeing twice, or
	// invoking an operation a strategy does not implement.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAllocFailed reports that the execution context could not satisfy an
	// allocation request.
	ErrAllocFailed = errors.New("allocation failed")
)

// ErrUnsupported refines ErrInvalidArgument for operations a buffer strategy
// does not implement; errors.Is matches it against both sentinels.
var ErrUnsupported = fmt.Errorf("%w: unsupported operation", ErrInvalidArgument)

// boundsCheck validates [byteOffset, byteOffset+byteSize) against a buffer
// of the given capacity.
func boundsCheck(byteOffset, byteSize, capacity int) error {
	if byteOffset < 0 || byteSize < 0 || byteOffset+byteSize > capacity {
		return fmt.Errorf("%w: range [%d, %d) exceeds buffer size %d",
			ErrOutOfBounds, byteOffset, byteOffset+byteSize, capacity)
	}
	return nil
}
