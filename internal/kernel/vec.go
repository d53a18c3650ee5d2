package kernel

import "github.com/samcharles93/kvdecode/internal/tensor"

// Vec4 is one lane's slice of a row in storage precision.
type Vec4[E tensor.Float] [VecWidth]E

// F32x4 is one lane's slice in accumulator precision.
type F32x4 [VecWidth]float32

func (a F32x4) Add(b F32x4) F32x4 {
	return F32x4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

// loadVec4 reads the vecOffset-th group of four elements of base.
func loadVec4[E tensor.Float](base []E, vecOffset int) Vec4[E] {
	i := vecOffset * VecWidth
	s := base[i : i+VecWidth : i+VecWidth]
	return Vec4[E]{s[0], s[1], s[2], s[3]}
}

func storeVec4[E tensor.Float](base []E, vecOffset int, v Vec4[E]) {
	i := vecOffset * VecWidth
	s := base[i : i+VecWidth : i+VecWidth]
	s[0], s[1], s[2], s[3] = v[0], v[1], v[2], v[3]
}

func loadF32x4(base []float32, vecOffset int) F32x4 {
	i := vecOffset * VecWidth
	s := base[i : i+VecWidth : i+VecWidth]
	return F32x4{s[0], s[1], s[2], s[3]}
}

func storeF32x4(base []float32, vecOffset int, v F32x4) {
	i := vecOffset * VecWidth
	s := base[i : i+VecWidth : i+VecWidth]
	s[0], s[1], s[2], s[3] = v[0], v[1], v[2], v[3]
}

// innerProduct accumulates a·b into acc in float32.
func innerProduct[E tensor.Float, C tensor.Codec[E]](c C, a, b Vec4[E], acc float32) float32 {
	acc += c.Widen(a[0]) * c.Widen(b[0])
	acc += c.Widen(a[1]) * c.Widen(b[1])
	acc += c.Widen(a[2]) * c.Widen(b[2])
	acc += c.Widen(a[3]) * c.Widen(b[3])
	return acc
}

// scaleAcc returns acc + a*w with a promoted to float32.
func scaleAcc[E tensor.Float, C tensor.Codec[E]](c C, acc F32x4, a Vec4[E], w float32) F32x4 {
	acc[0] += c.Widen(a[0]) * w
	acc[1] += c.Widen(a[1]) * w
	acc[2] += c.Widen(a[2]) * w
	acc[3] += c.Widen(a[3]) * w
	return acc
}

func narrowVec4[E tensor.Float, C tensor.Codec[E]](c C, v F32x4) Vec4[E] {
	return Vec4[E]{c.Narrow(v[0]), c.Narrow(v[1]), c.Narrow(v[2]), c.Narrow(v[3])}
}
