package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/kvdecode/internal/decoder"
	"github.com/samcharles93/kvdecode/internal/reference"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// workloadSpec describes a synthetic decode step.
type workloadSpec struct {
	dtype      tensor.DType
	batch      int
	heads      int
	headDim    int
	depth      int
	multiquery bool
	// normal draws standard-normal data, otherwise uniform [0, 1).
	normal bool
	// lens are drawn uniformly from [lensLo, lensHi).
	lensLo, lensHi int32
}

// workload is a generated decode step with its element type erased.
type workload struct {
	in      decoder.Inputs
	kvBytes int64

	alloc     func() tensor.Any
	values    func(out tensor.Any) []float32
	reference func() []float32
}

func newWorkload(ws workloadSpec, rng *rand.Rand) (workload, error) {
	if ws.batch < 1 || ws.heads < 1 || ws.depth < 0 {
		return workload{}, fmt.Errorf("invalid workload shape: batch %d, heads %d, cache depth %d", ws.batch, ws.heads, ws.depth)
	}
	switch ws.dtype {
	case tensor.DTypeF32:
		return buildWorkload[float32](ws, rng)
	case tensor.DTypeF16:
		return buildWorkload[tensor.Float16](ws, rng)
	case tensor.DTypeBF16:
		return buildWorkload[tensor.BFloat16](ws, rng)
	default:
		return workload{}, fmt.Errorf("unsupported dtype %s", ws.dtype)
	}
}

func buildWorkload[E tensor.Float](ws workloadSpec, rng *rand.Rand) (workload, error) {
	fill := tensor.FillUniform[E]
	if ws.normal {
		fill = tensor.FillNormal[E]
	}
	kvHeads := ws.heads
	if ws.multiquery {
		kvHeads = 1
	}

	q := tensor.New[E](tensor.CPU, ws.batch, 1, ws.heads, ws.headDim)
	k := tensor.New[E](tensor.CPU, ws.batch, ws.depth, kvHeads, ws.headDim)
	v := tensor.New[E](tensor.CPU, ws.batch, ws.depth, kvHeads, ws.headDim)
	fill(q, rng)
	fill(k, rng)
	fill(v, rng)
	if ws.multiquery && ws.heads > 1 {
		var err error
		if k, err = k.Expand(2, ws.heads); err != nil {
			return workload{}, err
		}
		if v, err = v.Expand(2, ws.heads); err != nil {
			return workload{}, err
		}
	}

	lens := tensor.RandLengths(tensor.CPU, ws.batch, ws.lensLo, ws.lensHi, rng)
	var keys int64
	for _, n := range lens.Values() {
		keys += int64(n)
	}
	scale := float32(1 / math.Sqrt(float64(ws.headDim)))

	return workload{
		in: decoder.Inputs{
			Query:        q,
			KeyCache:     k,
			ValueCache:   v,
			ValidLengths: lens,
			Scale:        scale,
		},
		kvBytes: 2 * keys * int64(ws.heads*ws.headDim*ws.dtype.Size()),
		alloc: func() tensor.Any {
			return tensor.EmptyLike(q)
		},
		values: func(out tensor.Any) []float32 {
			return tensor.Widen(out.(*tensor.Tensor[E])).Values()
		},
		reference: func() []float32 {
			return reference.Attention(q, k, v, lens.Values(), float64(scale)).Values()
		},
	}, nil
}
