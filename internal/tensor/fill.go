package tensor

import "math/rand/v2"

// FillNormal fills every stored element of t with standard-normal samples,
// narrowed to the storage type. Broadcast dimensions are filled once.
func FillNormal[E Float](t *Tensor[E], rng *rand.Rand) {
	c := CodecFor[E]()
	for i := range t.data {
		t.data[i] = c.Narrow(float32(rng.NormFloat64()))
	}
}

// FillUniform fills every stored element with samples from [0, 1).
func FillUniform[E Float](t *Tensor[E], rng *rand.Rand) {
	c := CodecFor[E]()
	for i := range t.data {
		t.data[i] = c.Narrow(rng.Float32())
	}
}

// RandLengths draws n valid lengths uniformly from [lo, hi).
func RandLengths(device Device, n int, lo, hi int32, rng *rand.Rand) *Tensor[int32] {
	out := New[int32](device, n)
	span := hi - lo
	for i := range out.data {
		if span <= 0 {
			out.data[i] = lo
			continue
		}
		out.data[i] = lo + rng.Int32N(span)
	}
	return out
}
