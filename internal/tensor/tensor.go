package tensor

import (
	"fmt"
	"math"
)

// Device names where a tensor's storage lives. The decode kernels only run on
// host memory; other names exist so callers can tag buffers they do not own.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
	ROCm Device = "rocm"
)

// Any is the type-erased view of a Tensor used for dispatch.
type Any interface {
	DType() DType
	Device() Device
	Rank() int
	Shape() []int
	Size(dim int) int
	Stride(dim int) int
}

// Tensor is a strided view over a flat slice of E.
//
// Shape and Strides are in elements. A stride of zero broadcasts the same
// storage along that dimension, which is how an expanded multiquery cache is
// represented. Out-of-range indices panic, as with plain slices.
type Tensor[E Element] struct {
	shape   []int
	strides []int
	offset  int
	data    []E
	device  Device
}

// New allocates a zero-filled contiguous tensor.
func New[E Element](device Device, shape ...int) *Tensor[E] {
	n, err := elementCount(shape)
	if err != nil {
		panic(err.Error())
	}
	return &Tensor[E]{
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
		data:    make([]E, n),
		device:  device,
	}
}

// FromSlice wraps data as a contiguous tensor without copying.
func FromSlice[E Element](device Device, data []E, shape ...int) (*Tensor[E], error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, fmt.Errorf("%w: shape %v", err, shape)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", errDataSizeMismatch, shape, n, len(data))
	}
	return &Tensor[E]{
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
		data:    data,
		device:  device,
	}, nil
}

// elementCount is the product of shape, rejecting negative extents and
// products that do not fit in an int.
func elementCount(shape []int) (int, error) {
	n := 1
	for _, s := range shape {
		if s < 0 {
			return 0, errNegativeDim
		}
		if s != 0 && n > math.MaxInt/s {
			return 0, errShapeOverflow
		}
		n *= s
	}
	return n, nil
}

// EmptyLike allocates a contiguous tensor with the same shape, dtype and device.
func EmptyLike[E Element](t *Tensor[E]) *Tensor[E] {
	return New[E](t.device, t.shape...)
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (t *Tensor[E]) DType() DType   { return DTypeOf[E]() }
func (t *Tensor[E]) Device() Device { return t.device }
func (t *Tensor[E]) Rank() int      { return len(t.shape) }
func (t *Tensor[E]) Offset() int    { return t.offset }

// Data returns the backing slice. Element (i0, i1, ...) lives at
// Offset() + Σ ik·Stride(k).
func (t *Tensor[E]) Data() []E { return t.data }

func (t *Tensor[E]) Shape() []int   { return append([]int(nil), t.shape...) }
func (t *Tensor[E]) Strides() []int { return append([]int(nil), t.strides...) }

func (t *Tensor[E]) Size(dim int) int   { return t.shape[dim] }
func (t *Tensor[E]) Stride(dim int) int { return t.strides[dim] }

// NumElements is the logical element count, counting broadcast positions.
func (t *Tensor[E]) NumElements() int {
	n := 1
	for _, s := range t.shape {
		n *= s
	}
	return n
}

// IsContiguous reports whether the view is dense row-major with no offset.
func (t *Tensor[E]) IsContiguous() bool {
	if t.offset != 0 {
		return false
	}
	want := contiguousStrides(t.shape)
	for i := range want {
		if t.shape[i] > 1 && t.strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Span is one past the largest position in Data() the view can address, or
// zero when the view has no elements.
func (t *Tensor[E]) Span() int {
	end := t.offset
	for i, s := range t.shape {
		if s == 0 {
			return 0
		}
		end += (s - 1) * t.strides[i]
	}
	return end + 1
}

// InBounds reports whether every element of the view lies inside Data().
func (t *Tensor[E]) InBounds() bool {
	return t.offset >= 0 && t.Span() <= len(t.data)
}

// Index maps a multi-index to a position in Data().
func (t *Tensor[E]) Index(idx ...int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := t.offset
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dimension %d of size %d", v, i, t.shape[i]))
		}
		off += v * t.strides[i]
	}
	return off
}

func (t *Tensor[E]) At(idx ...int) E {
	return t.data[t.Index(idx...)]
}

func (t *Tensor[E]) Set(v E, idx ...int) {
	t.data[t.Index(idx...)] = v
}

// Expand broadcasts a size-1 dimension to n without copying.
func (t *Tensor[E]) Expand(dim, n int) (*Tensor[E], error) {
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("tensor: expand dimension %d out of range for rank %d", dim, len(t.shape))
	}
	if t.shape[dim] != 1 {
		return nil, fmt.Errorf("tensor: cannot expand dimension %d of size %d", dim, t.shape[dim])
	}
	out := t.view()
	out.shape[dim] = n
	out.strides[dim] = 0
	return out, nil
}

// Narrow restricts dimension dim to [start, start+length).
func (t *Tensor[E]) Narrow(dim, start, length int) (*Tensor[E], error) {
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("tensor: narrow dimension %d out of range for rank %d", dim, len(t.shape))
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow [%d,%d) out of range for dimension %d of size %d", start, start+length, dim, t.shape[dim])
	}
	out := t.view()
	out.offset += start * t.strides[dim]
	out.shape[dim] = length
	return out, nil
}

func (t *Tensor[E]) view() *Tensor[E] {
	return &Tensor[E]{
		shape:   append([]int(nil), t.shape...),
		strides: append([]int(nil), t.strides...),
		offset:  t.offset,
		data:    t.data,
		device:  t.device,
	}
}

// Each visits every logical element in row-major order.
func (t *Tensor[E]) Each(fn func(E)) {
	if t.NumElements() == 0 {
		return
	}
	if t.IsContiguous() {
		for _, v := range t.data[:t.NumElements()] {
			fn(v)
		}
		return
	}
	idx := make([]int, len(t.shape))
	for {
		fn(t.data[t.Index(idx...)])
		k := len(idx) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < t.shape[k] {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// Contiguous returns t itself when already dense, otherwise a dense copy.
func (t *Tensor[E]) Contiguous() *Tensor[E] {
	if t.IsContiguous() && len(t.data) == t.NumElements() {
		return t
	}
	out := New[E](t.device, t.shape...)
	i := 0
	t.Each(func(v E) {
		out.data[i] = v
		i++
	})
	return out
}

// Values returns the logical elements in row-major order as a new slice.
func (t *Tensor[E]) Values() []E {
	out := make([]E, 0, t.NumElements())
	t.Each(func(v E) { out = append(out, v) })
	return out
}

var (
	errNegativeDim      = fmtError("negative dimension for tensor")
	errDataSizeMismatch = fmtError("data length mismatch")
	errShapeOverflow    = fmtError("element count overflows int")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
