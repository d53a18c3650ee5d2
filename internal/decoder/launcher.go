package decoder

import (
	"context"

	"github.com/samcharles93/kvdecode/internal/kernel"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// launcher erases the element type of one switch-table entry.
type launcher interface {
	launch(ctx context.Context, dev kernel.Device, in Inputs, out tensor.Any) (kernel.Stats, error)
	alloc(query tensor.Any) (tensor.Any, error)
	info() KernelInfo
}

type typedLauncher[E tensor.Float, C tensor.Codec[E]] struct {
	k *kernel.Kernel[E, C]
}

func (l *typedLauncher[E, C]) launch(ctx context.Context, dev kernel.Device, in Inputs, out tensor.Any) (kernel.Stats, error) {
	dt := l.k.DType()
	q, err := as[E]("query", in.Query, dt)
	if err != nil {
		return kernel.Stats{}, err
	}
	kc, err := as[E]("key_cache", in.KeyCache, dt)
	if err != nil {
		return kernel.Stats{}, err
	}
	vc, err := as[E]("value_cache", in.ValueCache, dt)
	if err != nil {
		return kernel.Stats{}, err
	}
	o, err := as[E]("out", out, dt)
	if err != nil {
		return kernel.Stats{}, err
	}
	return l.k.Launch(ctx, dev, kernel.Args[E]{
		Query:        q,
		KeyCache:     kc,
		ValueCache:   vc,
		ValidLengths: in.ValidLengths.Values(),
		Scale:        in.Scale,
		Out:          o,
		Observer:     in.Observer,
	})
}

func (l *typedLauncher[E, C]) alloc(query tensor.Any) (tensor.Any, error) {
	q, err := as[E]("query", query, l.k.DType())
	if err != nil {
		return nil, err
	}
	return tensor.EmptyLike(q), nil
}

func (l *typedLauncher[E, C]) info() KernelInfo {
	cfg := l.k.Config()
	return KernelInfo{
		Name:                  l.k.Name(),
		DType:                 l.k.DType().String(),
		GroupSize:             cfg.GroupSize,
		GroupsPerBlock:        cfg.GroupsPerBlock,
		HeadDim:               cfg.HeadDim(),
		MaxSeqLen:             cfg.MaxSeqLen,
		FootprintBytes:        cfg.FootprintBytes(),
		SharedMemoryAttribute: l.k.SharedMemoryAttribute(),
	}
}

func as[E tensor.Float](name string, t tensor.Any, want tensor.DType) (*tensor.Tensor[E], error) {
	typed, ok := t.(*tensor.Tensor[E])
	if !ok {
		if t == nil {
			return nil, kernel.Preconditionf(name, "missing")
		}
		return nil, kernel.Preconditionf(name, "dtype %s, want %s", t.DType(), want)
	}
	return typed, nil
}
