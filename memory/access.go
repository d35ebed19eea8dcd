package memory

// Access is the access mode requested when mapping a buffer range.
type Access int

const (
	AccessRead      Access = iota // read-only access
	AccessWrite                   // write-only access
	AccessReadWrite               // read and write access
	// AccessWriteDiscard is write-only access where the previous contents of
	// the mapped range are discarded; no preservation cost is paid.
	AccessWriteDiscard
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessReadWrite:
		return "ReadWrite"
	case AccessWriteDiscard:
		return "WriteDiscard"
	default:
		return "Unknown"
	}
}

// readsSource reports whether a mapping opened with this access mode must
// observe the buffer's current contents, which forces an input copy on
// staged paths.
func (a Access) readsSource() bool {
	return a != AccessWriteDiscard
}

// writesBack reports whether writes made through a mapping opened with this
// access mode must be visible in the buffer after unmap.
func (a Access) writesBack() bool {
	return a != AccessRead
}

// Capability is a bit set describing the operations a buffer implements.
// Unsupported operations are a discoverable fact decided at construction,
// not a surprise at call time.
type Capability uint

const (
	CapMappable Capability = 1 << iota
	CapReallocatable
)

// Has reports whether all capabilities in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}
