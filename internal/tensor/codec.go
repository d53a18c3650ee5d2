package tensor

import (
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Codec is the promotion rule between a storage type and the float32
// accumulator. Implementations are zero-sized so they can be used as type
// parameters and resolved at instantiation.
type Codec[E Float] interface {
	DType() DType
	Widen(E) float32
	Narrow(float32) E
}

// F32 is the identity codec.
type F32 struct{}

func (F32) DType() DType             { return DTypeF32 }
func (F32) Widen(v float32) float32  { return v }
func (F32) Narrow(v float32) float32 { return v }

// F16 converts IEEE 754 binary16 with round-to-nearest-even on narrowing.
type F16 struct{}

func (F16) DType() DType                    { return DTypeF16 }
func (F16) Widen(v float16.Float16) float32 { return v.Float32() }
func (F16) Narrow(v float32) float16.Float16 {
	return float16.Fromfloat32(v)
}

// BF16 widens by shifting into the high half of a float32 and narrows with
// round-to-nearest-even on the dropped 16 bits. NaN stays NaN.
type BF16 struct{}

func (BF16) DType() DType                  { return DTypeBF16 }
func (BF16) Widen(v bfloat16.BF16) float32 { return bfloat16.ToFloat32(v) }
func (BF16) Narrow(v float32) bfloat16.BF16 {
	u := math.Float32bits(v)
	if u&0x7FFFFFFF > 0x7F800000 {
		return bfloat16.BF16(u>>16 | 0x0040)
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return bfloat16.BF16((u + rnd) >> 16)
}

// CodecFor returns the codec for E as an interface value. Hot loops should
// take the codec as a type parameter instead.
func CodecFor[E Float]() Codec[E] {
	var zero E
	switch any(zero).(type) {
	case float32:
		return any(F32{}).(Codec[E])
	case float16.Float16:
		return any(F16{}).(Codec[E])
	case bfloat16.BF16:
		return any(BF16{}).(Codec[E])
	}
	panic("tensor: no codec for element type")
}

// Widen converts a float tensor into a new contiguous float32 tensor with the
// same shape.
func Widen[E Float](t *Tensor[E]) *Tensor[float32] {
	c := CodecFor[E]()
	out := New[float32](t.Device(), t.Shape()...)
	i := 0
	t.Each(func(v E) {
		out.data[i] = c.Widen(v)
		i++
	})
	return out
}

// Narrow converts a float32 tensor into a new contiguous tensor of E.
func Narrow[E Float](t *Tensor[float32]) *Tensor[E] {
	c := CodecFor[E]()
	out := New[E](t.Device(), t.Shape()...)
	i := 0
	t.Each(func(v float32) {
		out.data[i] = c.Narrow(v)
		i++
	})
	return out
}
