package memory

import (
	"fmt"
	"unsafe"
)

// DataType is the element type of a tensor view.
type DataType int

const (
	Float32 DataType = iota
	Int32
	Float16
	Int8
)

// ElemSize returns the size of one element in bytes.
func (dt DataType) ElemSize() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	default:
		panic(fmt.Sprintf("unsupported data type: %d", dt))
	}
}

// TensorDesc describes the shape and element type of a tensor view. The
// placement decision (which buffer, which offset) belongs to the compute
// graph; the descriptor only sizes the footprint.
type TensorDesc struct {
	Dims  []int
	DType DataType
}

// NumElements returns the product of the dimensions.
func (d TensorDesc) NumElements() int {
	if len(d.Dims) == 0 {
		return 0
	}
	n := 1
	for _, dim := range d.Dims {
		n *= dim
	}
	return n
}

// ByteSize returns the view's footprint in bytes.
func (d TensorDesc) ByteSize() int {
	return d.NumElements() * d.DType.ElemSize()
}

var _ Dependent = (*Tensor)(nil)

// Tensor is a typed view into a byte range of a buffer. Its cached address
// follows the buffer's storage across reallocation.
type Tensor struct {
	Memory

	desc TensorDesc
	ptr  unsafe.Pointer
}

func newTensor(buf Buffer, desc TensorDesc, byteOffset int) (*Tensor, error) {
	t := &Tensor{desc: desc}
	t.Memory = NewMemory(buf, byteOffset, t)
	if err := t.UpdatePtr(); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// UpdatePtr recomputes the cached address from the buffer's current pointer
// and the view's offset. Invoked by the buffer whenever its storage moves.
func (t *Tensor) UpdatePtr() error {
	buf := t.Buffer()
	if buf == nil {
		t.ptr = nil
		return nil
	}
	if err := boundsCheck(t.ByteOffset(), t.desc.ByteSize(), buf.ByteSize()); err != nil {
		t.ptr = nil
		return fmt.Errorf("tensor view: %w", err)
	}
	if !buf.HasPtr() {
		t.ptr = nil
		return nil
	}
	t.ptr = unsafe.Add(buf.Ptr(), t.ByteOffset())
	return nil
}

// Desc returns the tensor's descriptor.
func (t *Tensor) Desc() TensorDesc {
	return t.desc
}

// Dims returns a copy of the tensor's dimensions.
func (t *Tensor) Dims() []int {
	dims := make([]int, len(t.desc.Dims))
	copy(dims, t.desc.Dims)
	return dims
}

// DType returns the element type.
func (t *Tensor) DType() DataType {
	return t.desc.DType
}

// ByteSize returns the view's footprint in bytes.
func (t *Tensor) ByteSize() int {
	return t.desc.ByteSize()
}

// Ptr returns the cached address of the view's first byte, or nil if the
// backing buffer has no direct address (or the view is unattached).
func (t *Tensor) Ptr() unsafe.Pointer {
	return t.ptr
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{dims=%v, dtype=%d, byteOffset=%d}", t.desc.Dims, t.desc.DType, t.ByteOffset())
}
