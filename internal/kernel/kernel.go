package kernel

import (
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

// Observer receives the normalised attention weights of a block after the
// normalise barrier. w is the block's working buffer: it must not be retained
// or modified.
type Observer interface {
	Weights(batch, head int, w []float32)
}

// Args are the buffers of one launch.
//
//	Query      [B, 1, H, D]
//	KeyCache   [B, T, H or 1, D]
//	ValueCache [B, T, H or 1, D]
//	Out        [B, 1, H, D]
type Args[E tensor.Float] struct {
	Query        *tensor.Tensor[E]
	KeyCache     *tensor.Tensor[E]
	ValueCache   *tensor.Tensor[E]
	ValidLengths []int32
	Scale        float32
	Out          *tensor.Tensor[E]
	Observer     Observer
}

// Kernel is one specialisation of the decode kernel: a storage type E with
// its promotion codec C and a fixed Config.
type Kernel[E tensor.Float, C tensor.Codec[E]] struct {
	cfg   Config
	codec C
	name  string

	scratch sync.Pool

	smemMu   sync.Mutex
	smemAttr int
}

func New[E tensor.Float, C tensor.Codec[E]](cfg Config) (*Kernel[E, C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var c C
	k := &Kernel[E, C]{
		cfg:   cfg,
		codec: c,
		name:  fmt.Sprintf("decode_attention_%s_%s", c.DType(), cfg),
	}
	k.scratch.New = func() any { return newBlockScratch[E](cfg) }
	return k, nil
}

func (k *Kernel[E, C]) Config() Config      { return k.cfg }
func (k *Kernel[E, C]) Name() string        { return k.name }
func (k *Kernel[E, C]) DType() tensor.DType { return k.codec.DType() }

// SharedMemoryAttribute is the working-buffer size currently granted to this
// kernel, zero until the first launch.
func (k *Kernel[E, C]) SharedMemoryAttribute() int {
	k.smemMu.Lock()
	defer k.smemMu.Unlock()
	return k.smemAttr
}

// ensureSharedMemory grants the kernel its footprint, raising the attribute
// above the device default when needed.
func (k *Kernel[E, C]) ensureSharedMemory(dev Device) (raised bool, err error) {
	need := k.cfg.FootprintBytes()
	k.smemMu.Lock()
	defer k.smemMu.Unlock()
	if k.smemAttr == 0 {
		k.smemAttr = dev.SharedMemoryDefault
	}
	if need <= k.smemAttr {
		return false, nil
	}
	if need > dev.SharedMemoryLimit {
		return false, &SharedMemoryError{Kernel: k.name, Requested: need, Limit: dev.SharedMemoryLimit}
	}
	k.smemAttr = need
	return true, nil
}

// validate checks every shape-level precondition the blocks rely on.
func (a *Args[E]) validate(cfg Config) error {
	if a.Query == nil {
		return preconditionf("query", "missing")
	}
	if a.KeyCache == nil {
		return preconditionf("key_cache", "missing")
	}
	if a.ValueCache == nil {
		return preconditionf("value_cache", "missing")
	}
	if a.Out == nil {
		return preconditionf("out", "missing")
	}
	d := cfg.HeadDim()
	q := a.Query
	if q.Rank() != 4 || q.Size(1) != 1 || q.Size(3) != d {
		return preconditionf("query", "shape %v, want [B, 1, H, %d]", q.Shape(), d)
	}
	batch, heads := q.Size(0), q.Size(2)
	for _, c := range []struct {
		name string
		t    *tensor.Tensor[E]
	}{{"key_cache", a.KeyCache}, {"value_cache", a.ValueCache}} {
		t := c.t
		if t.Rank() != 4 || t.Size(0) != batch || t.Size(3) != d {
			return preconditionf(c.name, "shape %v, want [%d, T, %d or 1, %d]", t.Shape(), batch, heads, d)
		}
		if t.Size(1) > cfg.MaxSeqLen {
			return preconditionf(c.name, "cache depth %d exceeds maximum %d", t.Size(1), cfg.MaxSeqLen)
		}
		if t.Size(2) != heads && t.Size(2) != 1 {
			return preconditionf(c.name, "head extent %d, want %d or 1", t.Size(2), heads)
		}
	}
	if !equalShapes(a.KeyCache.Shape(), a.ValueCache.Shape()) {
		return preconditionf("value_cache", "shape %v does not match key_cache %v", a.ValueCache.Shape(), a.KeyCache.Shape())
	}
	if !equalShapes(a.Out.Shape(), q.Shape()) {
		return preconditionf("out", "shape %v does not match query %v", a.Out.Shape(), q.Shape())
	}
	for _, c := range []struct {
		name string
		t    *tensor.Tensor[E]
	}{{"query", q}, {"key_cache", a.KeyCache}, {"value_cache", a.ValueCache}, {"out", a.Out}} {
		if c.t.Stride(3) != 1 {
			return preconditionf(c.name, "head dimension must be contiguous, stride %d", c.t.Stride(3))
		}
		if !c.t.InBounds() {
			return preconditionf(c.name, "view of shape %v at offset %d needs %d elements, storage has %d", c.t.Shape(), c.t.Offset(), c.t.Span(), len(c.t.Data()))
		}
	}
	if (batch > 1 && a.Out.Stride(0) == 0) || (heads > 1 && a.Out.Stride(2) == 0) {
		return preconditionf("out", "output must not broadcast, strides %v", a.Out.Strides())
	}
	if len(a.ValidLengths) != batch {
		return preconditionf("valid_lengths", "%d entries, want %d", len(a.ValidLengths), batch)
	}
	depth := a.KeyCache.Size(1)
	for b, n := range a.ValidLengths {
		if n < 0 || int(n) > depth {
			return preconditionf("valid_lengths", "entry %d is %d, want 0 <= n <= %d", b, n, depth)
		}
	}
	if math.IsNaN(float64(a.Scale)) || math.IsInf(float64(a.Scale), 0) {
		return preconditionf("scale", "must be finite, got %v", a.Scale)
	}
	return nil
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
