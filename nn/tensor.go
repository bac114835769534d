package nn

import "fmt"

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// Tensor is a dense row-major n-dimensional array.
// Audio tensors are [batch][channels][samples], spectrogram tensors are
// [batch][channels][freq][time].
type Tensor[T Numeric] struct {
	Data  []T
	Shape []int
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Tensor[T]{
		Data:  make([]T, size),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice wraps data (without copying) with the given shape.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:  data,
		Shape: append([]int(nil), shape...),
	}
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	data := make([]T, len(t.Data))
	copy(data, t.Data)
	return &Tensor[T]{
		Data:  data,
		Shape: append([]int(nil), t.Shape...),
	}
}

// Reshape returns a view with a new shape, or nil if the element count differs.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		return nil
	}
	return &Tensor[T]{
		Data:  t.Data,
		Shape: append([]int(nil), shape...),
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape[T, U Numeric](a *Tensor[T], b *Tensor[U]) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// AddInPlace adds src to dst element-wise.
func AddInPlace[T Numeric](dst, src *Tensor[T]) error {
	if !SameShape(dst, src) {
		return fmt.Errorf("%w: add %v and %v", ErrShape, dst.Shape, src.Shape)
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
	return nil
}

// Add returns a + b.
func Add[T Numeric](a, b *Tensor[T]) (*Tensor[T], error) {
	out := a.Clone()
	if err := AddInPlace(out, b); err != nil {
		return nil, err
	}
	return out, nil
}

// Slice3 copies x[:, :, start:end] of a rank-3 tensor.
func Slice3[T Numeric](x *Tensor[T], start, end int) (*Tensor[T], error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("%w: slice expects rank 3, got %v", ErrShape, x.Shape)
	}
	b, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	if start < 0 || end > l || start > end {
		return nil, fmt.Errorf("%w: slice [%d:%d] of length %d", ErrShape, start, end, l)
	}
	n := end - start
	out := NewTensor[T](b, c, n)
	for i := 0; i < b*c; i++ {
		copy(out.Data[i*n:(i+1)*n], x.Data[i*l+start:i*l+end])
	}
	return out, nil
}

func expectRank[T Numeric](x *Tensor[T], rank int, op string) error {
	if x == nil {
		return fmt.Errorf("%w: %s: nil tensor", ErrShape, op)
	}
	if len(x.Shape) != rank {
		return fmt.Errorf("%w: %s expects rank %d, got shape %v", ErrShape, op, rank, x.Shape)
	}
	return nil
}
