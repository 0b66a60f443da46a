package models

import (
	"fmt"
)

// Buffer is an n-dimensional array of samples stored flat in row-major order.
// The last entry of Shape varies fastest.
//
// Volumes use the shape [height, width] for a single slice or
// [depth, height, width] for a stack. Sinograms use [nAngles, nDetectors]
// or [depth, nAngles, nDetectors], so one sinogram row holds the detector
// readings of one projection angle.
type Buffer struct {
	// Data holds the samples, len(Data) == product of Shape
	Data []float64

	// Shape lists the extent of every dimension, outermost first
	Shape []int
}

// NewBuffer allocates a zeroed buffer with the given shape.
func NewBuffer(shape ...int) *Buffer {
	return &Buffer{
		Data:  make([]float64, ShapeLen(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewBufferFrom wraps existing data. The data length must match the shape.
func NewBufferFrom(data []float64, shape ...int) (*Buffer, error) {
	if len(data) != ShapeLen(shape) {
		return nil, fmt.Errorf("%w: %d samples do not fit shape %v", ErrInputData, len(data), shape)
	}
	return &Buffer{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// ShapeLen returns the number of samples a buffer of the given shape holds.
func ShapeLen(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range shape {
		if s < 0 {
			return 0
		}
		n *= s
	}
	return n
}

// Len returns the number of samples.
func (b *Buffer) Len() int {
	return len(b.Data)
}

// NumDims returns the number of dimensions.
func (b *Buffer) NumDims() int {
	return len(b.Shape)
}

// SameShape reports whether the buffer has exactly the given shape.
func (b *Buffer) SameShape(shape []int) bool {
	if len(b.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if b.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Dup returns a zeroed buffer with the same shape.
func (b *Buffer) Dup() *Buffer {
	return NewBuffer(b.Shape...)
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	c := b.Dup()
	copy(c.Data, b.Data)
	return c
}

// Resize changes the shape in place. Storage is reused when it is large
// enough; the contents are undefined afterwards.
func (b *Buffer) Resize(shape []int) {
	if b.SameShape(shape) {
		return
	}
	n := ShapeLen(shape)
	if cap(b.Data) >= n {
		b.Data = b.Data[:n]
	} else {
		b.Data = make([]float64, n)
	}
	b.Shape = append(b.Shape[:0], shape...)
}

// CopyFrom copies the samples of src. Shapes must hold the same number of samples.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if len(b.Data) != len(src.Data) {
		return fmt.Errorf("%w: copy of %v into %v", ErrInputData, src.Shape, b.Shape)
	}
	copy(b.Data, src.Data)
	return nil
}

// Slices returns the number of 2D slices, i.e. 1 for a 2D buffer and the
// outermost extent for a 3D buffer.
func (b *Buffer) Slices() int {
	if len(b.Shape) < 3 {
		return 1
	}
	return b.Shape[0]
}

// Rows returns the second-to-last extent.
func (b *Buffer) Rows() int {
	if len(b.Shape) < 2 {
		return 1
	}
	return b.Shape[len(b.Shape)-2]
}

// Cols returns the last extent.
func (b *Buffer) Cols() int {
	if len(b.Shape) == 0 {
		return 0
	}
	return b.Shape[len(b.Shape)-1]
}

// Slice returns the samples of slice z, sharing storage with the buffer.
func (b *Buffer) Slice(z int) []float64 {
	n := b.Rows() * b.Cols()
	return b.Data[z*n : (z+1)*n]
}

// Row returns row r of slice z, sharing storage with the buffer.
func (b *Buffer) Row(z, r int) []float64 {
	cols := b.Cols()
	off := (z*b.Rows() + r) * cols
	return b.Data[off : off+cols]
}
