package autofuse

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Layout describes how a buffer's elements are placed in memory: the logical
// shape plus per-axis strides in elements. Candidates declare the layout of
// the output they produce; the winning candidate's layout propagates to the
// consumers of the group output during code emission.
type Layout struct {
	Shape   shapes.Shape
	Strides []int
}

// ContiguousLayout returns the row-major layout for shape.
func ContiguousLayout(shape shapes.Shape) Layout {
	strides := make([]int, shape.Rank())
	stride := 1
	for axis := shape.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape.Dim(axis)
	}
	return Layout{Shape: shape, Strides: strides}
}

// ColumnMajorLayout returns the column-major layout for a rank-2 shape.
func ColumnMajorLayout(shape shapes.Shape) Layout {
	if shape.Rank() != 2 {
		exceptions.Panicf("ColumnMajorLayout requires a rank-2 shape, got %s", shape)
	}
	return Layout{Shape: shape, Strides: []int{1, shape.Dim(0)}}
}

// IsContiguous reports whether the layout is dense row-major.
func (l Layout) IsContiguous() bool {
	stride := 1
	for axis := l.Shape.Rank() - 1; axis >= 0; axis-- {
		if l.Strides[axis] != stride {
			return false
		}
		stride *= l.Shape.Dim(axis)
	}
	return true
}

// storageSize returns the number of elements the layout's storage must hold.
func (l Layout) storageSize() int {
	if l.Shape.Size() == 0 {
		return 0
	}
	last := 0
	for axis := 0; axis < l.Shape.Rank(); axis++ {
		last += (l.Shape.Dim(axis) - 1) * l.Strides[axis]
	}
	return last + 1
}

func (l Layout) String() string {
	return fmt.Sprintf("%s strides=%v", l.Shape, l.Strides)
}

// Equal reports whether both shape and strides match.
func (l Layout) Equal(other Layout) bool {
	if !l.Shape.Equal(other.Shape) {
		return false
	}
	if len(l.Strides) != len(other.Strides) {
		return false
	}
	for axis, stride := range l.Strides {
		if stride != other.Strides[axis] {
			return false
		}
	}
	return true
}

// Buffer is a float32 tensor buffer with an explicit layout. It is the
// concrete input/output currency between the scheduler, the benchmark loop
// and compiled kernels.
type Buffer struct {
	Layout Layout
	Data   []float32
}

// NewBuffer allocates a zeroed buffer with the given layout.
func NewBuffer(layout Layout) (*Buffer, error) {
	if layout.Shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("only Float32 buffers are supported, got %s", layout.Shape.DType)
	}
	if len(layout.Strides) != layout.Shape.Rank() {
		return nil, errors.Errorf("layout has %d strides for rank-%d shape", len(layout.Strides), layout.Shape.Rank())
	}
	return &Buffer{Layout: layout, Data: make([]float32, layout.storageSize())}, nil
}

// NewContiguousBuffer allocates a zeroed row-major buffer for shape.
func NewContiguousBuffer(shape shapes.Shape) *Buffer {
	buf, err := NewBuffer(ContiguousLayout(shape))
	if err != nil {
		panic(err)
	}
	return buf
}

// At reads the element at the given logical indices.
func (b *Buffer) At(indices ...int) float32 {
	return b.Data[b.offset(indices)]
}

// Set writes the element at the given logical indices.
func (b *Buffer) Set(value float32, indices ...int) {
	b.Data[b.offset(indices)] = value
}

func (b *Buffer) offset(indices []int) int {
	if len(indices) != len(b.Layout.Strides) {
		panic(fmt.Sprintf("buffer of rank %d indexed with %d indices", len(b.Layout.Strides), len(indices)))
	}
	offset := 0
	for axis, idx := range indices {
		offset += idx * b.Layout.Strides[axis]
	}
	return offset
}

// Flat returns the buffer contents in row-major logical order, regardless of
// the physical strides. Used to compare numeric outputs across layouts.
func (b *Buffer) Flat() []float32 {
	shape := b.Layout.Shape
	out := make([]float32, 0, shape.Size())
	switch shape.Rank() {
	case 0:
		out = append(out, b.Data[0])
	case 1:
		for i := 0; i < shape.Dim(0); i++ {
			out = append(out, b.At(i))
		}
	case 2:
		for i := 0; i < shape.Dim(0); i++ {
			for j := 0; j < shape.Dim(1); j++ {
				out = append(out, b.At(i, j))
			}
		}
	default:
		panic(fmt.Sprintf("Buffer.Flat supports ranks 0 to 2, got %s", shape))
	}
	return out
}

// CopyFrom copies src into b element by element, translating layouts. Shapes
// must match.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !b.Layout.Shape.Equal(src.Layout.Shape) {
		return errors.Errorf("cannot copy %s into %s", src.Layout.Shape, b.Layout.Shape)
	}
	shape := b.Layout.Shape
	switch shape.Rank() {
	case 0:
		b.Data[0] = src.Data[0]
	case 1:
		for i := 0; i < shape.Dim(0); i++ {
			b.Set(src.At(i), i)
		}
	case 2:
		for i := 0; i < shape.Dim(0); i++ {
			for j := 0; j < shape.Dim(1); j++ {
				b.Set(src.At(i, j), i, j)
			}
		}
	default:
		return errors.Errorf("Buffer.CopyFrom supports ranks 0 to 2, got %s", shape)
	}
	return nil
}
