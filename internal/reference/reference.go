// Package reference holds the straightforward O(T·D) decode attention used to
// check the block kernels, and the isclose comparison used by the checks.
package reference

import (
	"math"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

// Weights returns softmax(scale·q·k[t]) over t < lens[b] for every
// (batch, head), computed in float64 from the widened inputs.
func Weights[E tensor.Float](q, k *tensor.Tensor[E], lens []int32, scale float64) [][][]float64 {
	c := tensor.CodecFor[E]()
	batch, heads, dim := q.Size(0), q.Size(2), q.Size(3)
	out := make([][][]float64, batch)
	for b := range batch {
		out[b] = make([][]float64, heads)
		for h := range heads {
			kh := h
			if k.Size(2) == 1 {
				kh = 0
			}
			n := int(lens[b])
			w := make([]float64, n)
			maxv := math.Inf(-1)
			for t := range n {
				var dot float64
				for d := range dim {
					dot += float64(c.Widen(q.At(b, 0, h, d))) * float64(c.Widen(k.At(b, t, kh, d)))
				}
				w[t] = dot * scale
				maxv = math.Max(maxv, w[t])
			}
			var sum float64
			for t := range w {
				w[t] = math.Exp(w[t] - maxv)
				sum += w[t]
			}
			for t := range w {
				w[t] /= sum
			}
			out[b][h] = w
		}
	}
	return out
}

// Attention returns the [B, 1, H, D] output as float32. An empty range
// produces zeros.
func Attention[E tensor.Float](q, k, v *tensor.Tensor[E], lens []int32, scale float64) *tensor.Tensor[float32] {
	c := tensor.CodecFor[E]()
	weights := Weights(q, k, lens, scale)
	batch, heads, dim := q.Size(0), q.Size(2), q.Size(3)
	out := tensor.New[float32](tensor.CPU, batch, 1, heads, dim)
	for b := range batch {
		for h := range heads {
			vh := h
			if v.Size(2) == 1 {
				vh = 0
			}
			w := weights[b][h]
			for d := range dim {
				var acc float64
				for t := range w {
					acc += w[t] * float64(c.Widen(v.At(b, t, vh, d)))
				}
				out.Set(float32(acc), b, 0, h, d)
			}
		}
	}
	return out
}

// IsClose reports |got - want| <= atol + rtol·|want|.
func IsClose(got, want, atol, rtol float64) bool {
	if math.IsNaN(got) || math.IsNaN(want) {
		return false
	}
	return math.Abs(got-want) <= atol+rtol*math.Abs(want)
}

// MismatchFraction is the share of elements that are not close.
func MismatchFraction(got, want []float32, atol, rtol float64) float64 {
	if len(got) != len(want) {
		return 1
	}
	if len(got) == 0 {
		return 0
	}
	bad := 0
	for i := range got {
		if !IsClose(float64(got[i]), float64(want[i]), atol, rtol) {
			bad++
		}
	}
	return float64(bad) / float64(len(got))
}
