package memory

import (
	"fmt"
	"unsafe"
)

// PixelFormat is the per-pixel layout of an image view.
type PixelFormat int

const (
	FormatFloat PixelFormat = iota
	FormatFloat2
	FormatFloat3
	FormatFloat4
	FormatHalf
	FormatHalf3
)

// PixelSize returns the size of one pixel in bytes.
func (f PixelFormat) PixelSize() int {
	switch f {
	case FormatFloat:
		return 4
	case FormatFloat2:
		return 8
	case FormatFloat3:
		return 12
	case FormatFloat4:
		return 16
	case FormatHalf:
		return 2
	case FormatHalf3:
		return 6
	default:
		panic(fmt.Sprintf("unsupported pixel format: %d", f))
	}
}

// ImageDesc describes the shape and pixel format of an image view.
type ImageDesc struct {
	Width  int
	Height int
	Format PixelFormat
}

// ByteSize returns the view's footprint in bytes, assuming tightly packed
// rows.
func (d ImageDesc) ByteSize() int {
	return d.Width * d.Height * d.Format.PixelSize()
}

var _ Dependent = (*Image)(nil)

// Image is a 2D pixel view into a byte range of a buffer. Like Tensor, its
// cached address follows the buffer's storage across reallocation.
type Image struct {
	Memory

	desc ImageDesc
	ptr  unsafe.Pointer
}

func newImage(buf Buffer, desc ImageDesc, byteOffset int) (*Image, error) {
	img := &Image{desc: desc}
	img.Memory = NewMemory(buf, byteOffset, img)
	if err := img.UpdatePtr(); err != nil {
		img.Release()
		return nil, err
	}
	return img, nil
}

// UpdatePtr recomputes the cached address from the buffer's current pointer
// and the view's offset.
func (img *Image) UpdatePtr() error {
	buf := img.Buffer()
	if buf == nil {
		img.ptr = nil
		return nil
	}
	if err := boundsCheck(img.ByteOffset(), img.desc.ByteSize(), buf.ByteSize()); err != nil {
		img.ptr = nil
		return fmt.Errorf("image view: %w", err)
	}
	if !buf.HasPtr() {
		img.ptr = nil
		return nil
	}
	img.ptr = unsafe.Add(buf.Ptr(), img.ByteOffset())
	return nil
}

// Desc returns the image's descriptor.
func (img *Image) Desc() ImageDesc {
	return img.desc
}

// ByteSize returns the view's footprint in bytes.
func (img *Image) ByteSize() int {
	return img.desc.ByteSize()
}

// Ptr returns the cached address of the view's first pixel, or nil if the
// backing buffer has no direct address.
func (img *Image) Ptr() unsafe.Pointer {
	return img.ptr
}

func (img *Image) String() string {
	return fmt.Sprintf("Image{%dx%d, format=%d, byteOffset=%d}", img.desc.Width, img.desc.Height, img.desc.Format, img.ByteOffset())
}
