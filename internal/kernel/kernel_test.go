package kernel

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvdecode/internal/reference"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// testConfig keeps D at 32 so numeric tests stay fast while every loop,
// including the tail, is exercised.
var testConfig = Config{GroupSize: 8, GroupsPerBlock: 4, Unroll: 4, UnrollTail: 2, MaxSeqLen: 256}

func testDevice() Device {
	d := HostDevice()
	d.Workers = 4
	return d
}

type problem[E tensor.Float] struct {
	q, k, v *tensor.Tensor[E]
	lens    []int32
	scale   float32
}

func newProblem[E tensor.Float](cfg Config, heads, kvHeads, depth int, lens []int32, seed uint64) problem[E] {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	batch, d := len(lens), cfg.HeadDim()
	p := problem[E]{
		q:     tensor.New[E](tensor.CPU, batch, 1, heads, d),
		k:     tensor.New[E](tensor.CPU, batch, depth, kvHeads, d),
		v:     tensor.New[E](tensor.CPU, batch, depth, kvHeads, d),
		lens:  lens,
		scale: 1 / float32(math.Sqrt(float64(d))),
	}
	tensor.FillNormal(p.q, rng)
	tensor.FillNormal(p.k, rng)
	tensor.FillNormal(p.v, rng)
	return p
}

func (p problem[E]) args(out *tensor.Tensor[E]) Args[E] {
	return Args[E]{
		Query:        p.q,
		KeyCache:     p.k,
		ValueCache:   p.v,
		ValidLengths: p.lens,
		Scale:        p.scale,
		Out:          out,
	}
}

func runKernel[E tensor.Float, C tensor.Codec[E]](t testing.TB, cfg Config, args Args[E]) (*tensor.Tensor[E], Stats) {
	t.Helper()
	k, err := New[E, C](cfg)
	require.NoError(t, err)
	if args.Out == nil {
		args.Out = tensor.EmptyLike(args.Query)
	}
	stats, err := k.Launch(context.Background(), testDevice(), args)
	require.NoError(t, err)
	return args.Out, stats
}

func requireClose(t *testing.T, got, want *tensor.Tensor[float32], atol, rtol float64) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	g, w := got.Values(), want.Values()
	for i := range w {
		if !reference.IsClose(float64(g[i]), float64(w[i]), atol, rtol) {
			t.Fatalf("element %d: got %v want %v (atol %g rtol %g)", i, g[i], w[i], atol, rtol)
		}
	}
}

var boundaryLens = []int32{0, 1, 7, 16, 33, 37, 255, 256}

func TestLaunchMatchesReference(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 3, 3, testConfig.MaxSeqLen, boundaryLens, 1)
	want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))
	for _, gpb := range []int{1, 2, 4, 8} {
		cfg := testConfig.WithGroupsPerBlock(gpb)
		out, stats := runKernel[float32, tensor.F32](t, cfg, p.args(nil))
		requireClose(t, out, want, 1e-5, 1e-4)
		require.Equal(t, len(boundaryLens)*3, stats.Blocks)
		require.Equal(t, gpb, stats.GroupsPerBlock)
	}
}

func TestGroupsPerBlockInvariance(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 200, []int32{200, 150, 3, 99}, 2)
	base, _ := runKernel[float32, tensor.F32](t, testConfig.WithGroupsPerBlock(1), p.args(nil))
	for _, gpb := range []int{2, 4, 8} {
		out, _ := runKernel[float32, tensor.F32](t, testConfig.WithGroupsPerBlock(gpb), p.args(nil))
		requireClose(t, out, base, 1e-6, 1e-5)
	}
}

type weightRecorder struct {
	mu   sync.Mutex
	sums map[[2]int]float64
	lens map[[2]int]int
}

func newWeightRecorder() *weightRecorder {
	return &weightRecorder{sums: map[[2]int]float64{}, lens: map[[2]int]int{}}
}

func (r *weightRecorder) Weights(batch, head int, w []float32) {
	var sum float64
	for _, x := range w {
		sum += float64(x)
	}
	r.mu.Lock()
	r.sums[[2]int{batch, head}] = sum
	r.lens[[2]int{batch, head}] = len(w)
	r.mu.Unlock()
}

func TestWeightsSumToOne(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, testConfig.MaxSeqLen, boundaryLens, 3)
	rec := newWeightRecorder()
	args := p.args(nil)
	args.Observer = rec
	runKernel[float32, tensor.F32](t, testConfig, args)

	require.Len(t, rec.sums, len(boundaryLens)*2)
	for key, sum := range rec.sums {
		n := int(boundaryLens[key[0]])
		require.Equal(t, n, rec.lens[key])
		if n == 0 {
			require.Zero(t, sum)
			continue
		}
		require.InDelta(t, 1, sum, 1e-5, "block %v", key)
	}
}

func TestSinglePositionReturnsValueRow(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 16, []int32{1, 1}, 4)
	for _, gpb := range []int{1, 4, 8} {
		out, _ := runKernel[float32, tensor.F32](t, testConfig.WithGroupsPerBlock(gpb), p.args(nil))
		for b := range 2 {
			for h := range 2 {
				for d := range testConfig.HeadDim() {
					require.Equal(t, p.v.At(b, 0, h, d), out.At(b, 0, h, d))
				}
			}
		}
	}
}

func TestZeroLengthWritesZeros(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 8, []int32{0, 5}, 5)
	out := tensor.EmptyLike(p.q)
	for i := range out.Data() {
		out.Data()[i] = float32(math.NaN())
	}
	runKernel[float32, tensor.F32](t, testConfig, p.args(out))
	for h := range 2 {
		for d := range testConfig.HeadDim() {
			require.Zero(t, out.At(0, 0, h, d))
			require.False(t, math.IsNaN(float64(out.At(1, 0, h, d))))
		}
	}
}

func TestEmptyCache(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 1, 1, 0, []int32{0, 0}, 6)
	out, stats := runKernel[float32, tensor.F32](t, testConfig, p.args(nil))
	require.Equal(t, 2, stats.Blocks)
	for _, x := range out.Values() {
		require.Zero(t, x)
	}
}

func replicateHeads[E tensor.Float](src *tensor.Tensor[E], heads int) *tensor.Tensor[E] {
	b, tt, d := src.Size(0), src.Size(1), src.Size(3)
	out := tensor.New[E](tensor.CPU, b, tt, heads, d)
	for i := range b {
		for j := range tt {
			for h := range heads {
				for k := range d {
					out.Set(src.At(i, j, 0, k), i, j, h, k)
				}
			}
		}
	}
	return out
}

func TestMultiqueryMatchesReplicatedCache(t *testing.T) {
	t.Parallel()
	const heads = 4
	p := newProblem[float32](testConfig, heads, 1, 64, []int32{64, 40, 9}, 7)
	mq, stats := runKernel[float32, tensor.F32](t, testConfig, p.args(nil))
	require.True(t, stats.Multiquery)

	rep := p
	rep.k = replicateHeads(p.k, heads)
	rep.v = replicateHeads(p.v, heads)
	full, stats := runKernel[float32, tensor.F32](t, testConfig, rep.args(nil))
	require.False(t, stats.Multiquery)
	require.Equal(t, full.Values(), mq.Values())
}

func TestExpandedCacheMatchesReplicatedCache(t *testing.T) {
	t.Parallel()
	const heads = 3
	p := newProblem[float32](testConfig, heads, 1, 48, []int32{48, 17}, 8)
	ek, err := p.k.Expand(2, heads)
	require.NoError(t, err)
	ev, err := p.v.Expand(2, heads)
	require.NoError(t, err)

	expanded := p
	expanded.k, expanded.v = ek, ev
	got, stats := runKernel[float32, tensor.F32](t, testConfig, expanded.args(nil))
	require.False(t, stats.Multiquery)

	rep := p
	rep.k = replicateHeads(p.k, heads)
	rep.v = replicateHeads(p.v, heads)
	want, _ := runKernel[float32, tensor.F32](t, testConfig, rep.args(nil))
	require.Equal(t, want.Values(), got.Values())
}

func TestStridedCacheView(t *testing.T) {
	t.Parallel()
	// Two heads sliced out of a four-head cache: the position stride is not H*D.
	wide := newProblem[float32](testConfig, 2, 4, 32, []int32{32, 21}, 9)
	k, err := wide.k.Narrow(2, 1, 2)
	require.NoError(t, err)
	v, err := wide.v.Narrow(2, 1, 2)
	require.NoError(t, err)
	require.False(t, k.IsContiguous())

	p := problem[float32]{q: wide.q, k: k, v: v, lens: wide.lens, scale: wide.scale}
	got, _ := runKernel[float32, tensor.F32](t, testConfig, p.args(nil))
	want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))
	requireClose(t, got, want, 1e-5, 1e-4)
}

func TestDecodeScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size decode in short mode")
	}
	t.Parallel()
	const heads, depth = 4, 4096
	rng := rand.New(rand.NewPCG(11, 13))
	lens := tensor.RandLengths(tensor.CPU, 1, 63, 128, rng).Values()
	cfg := DefaultConfig()
	p := newProblem[float32](cfg, heads, heads, depth, lens, 12)
	want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))

	for _, gpb := range []int{1, 2} {
		out, stats := runKernel[float32, tensor.F32](t, cfg.WithGroupsPerBlock(gpb), p.args(nil))
		require.False(t, stats.SharedMemoryRaised)
		frac := reference.MismatchFraction(out.Values(), want.Values(), 1e-3, 1e-5)
		require.LessOrEqual(t, frac, 0.01, "groups per block %d", gpb)
	}
}

func TestDecodeFullLength(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size decode in short mode")
	}
	t.Parallel()
	cfg := DefaultConfig()
	depth := cfg.MaxSeqLen
	lens := []int32{int32(depth), int32(depth - 1)}
	p := newProblem[float32](cfg, 1, 1, depth, lens, 21)
	want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))

	for _, gpb := range []int{16, 4} {
		out, stats := runKernel[float32, tensor.F32](t, cfg.WithGroupsPerBlock(gpb), p.args(nil))
		require.Equal(t, 6*len(lens), stats.Barriers)
		frac := reference.MismatchFraction(out.Values(), want.Values(), 1e-3, 1e-5)
		require.LessOrEqual(t, frac, 0.01, "groups per block %d", gpb)
	}
}

func TestBlockSetupFaultIsExecutionError(t *testing.T) {
	t.Parallel()
	k, err := New[float32, tensor.F32](testConfig)
	require.NoError(t, err)
	p := newProblem[float32](testConfig, 1, 1, 8, []int32{3}, 22)
	args := p.args(tensor.EmptyLike(p.q))
	args.ValidLengths = nil

	_, err = k.runBlock(&args, 0, 0)
	require.ErrorIs(t, err, ErrExecution)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, -1, ee.Group)
	require.Contains(t, ee.Error(), "block (0, 0):")

	// the pooled scratch stays usable
	out := tensor.EmptyLike(p.q)
	_, err = k.Launch(context.Background(), testDevice(), p.args(out))
	require.NoError(t, err)
	requireClose(t, tensor.Widen(out), reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale)), 1e-5, 1e-5)
}

func TestHalfPrecision(t *testing.T) {
	t.Parallel()
	lens := []int32{60, 13, 1}
	t.Run("f16", func(t *testing.T) {
		t.Parallel()
		p := newProblem[tensor.Float16](testConfig, 2, 2, 64, lens, 14)
		out, _ := runKernel[tensor.Float16, tensor.F16](t, testConfig, p.args(nil))
		want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))
		requireClose(t, tensor.Widen(out), want, 5e-3, 5e-3)
	})
	t.Run("bf16", func(t *testing.T) {
		t.Parallel()
		p := newProblem[tensor.BFloat16](testConfig, 2, 2, 64, lens, 15)
		out, _ := runKernel[tensor.BFloat16, tensor.BF16](t, testConfig, p.args(nil))
		want := reference.Attention(p.q, p.k, p.v, p.lens, float64(p.scale))
		requireClose(t, tensor.Widen(out), want, 2e-2, 1e-2)
	})
}

func TestNaNPropagates(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 16, []int32{16, 16}, 16)
	p.q.Set(float32(math.NaN()), 0, 0, 1, 3)
	out, _ := runKernel[float32, tensor.F32](t, testConfig, p.args(nil))
	for d := range testConfig.HeadDim() {
		require.True(t, math.IsNaN(float64(out.At(0, 0, 1, d))))
		require.False(t, math.IsNaN(float64(out.At(0, 0, 0, d))))
		require.False(t, math.IsNaN(float64(out.At(1, 0, 1, d))))
	}
}

func TestPreconditionsLeaveOutputUntouched(t *testing.T) {
	t.Parallel()
	d := testConfig.HeadDim()
	base := newProblem[float32](testConfig, 2, 2, 16, []int32{16, 8}, 17)
	tests := []struct {
		name   string
		arg    string
		mutate func(*Args[float32])
	}{
		{"missing query", "query", func(a *Args[float32]) { a.Query = nil }},
		{"missing key cache", "key_cache", func(a *Args[float32]) { a.KeyCache = nil }},
		{"missing value cache", "value_cache", func(a *Args[float32]) { a.ValueCache = nil }},
		{"wrong head dim", "query", func(a *Args[float32]) {
			a.Query = tensor.New[float32](tensor.CPU, 2, 1, 2, d/2)
		}},
		{"query with two positions", "query", func(a *Args[float32]) {
			a.Query = tensor.New[float32](tensor.CPU, 2, 2, 2, d)
		}},
		{"cache batch mismatch", "key_cache", func(a *Args[float32]) {
			a.KeyCache = tensor.New[float32](tensor.CPU, 3, 16, 2, d)
		}},
		{"cache too deep", "key_cache", func(a *Args[float32]) {
			a.KeyCache = tensor.New[float32](tensor.CPU, 2, testConfig.MaxSeqLen+1, 2, d)
		}},
		{"grouped heads", "key_cache", func(a *Args[float32]) {
			a.KeyCache = tensor.New[float32](tensor.CPU, 2, 16, 3, d)
		}},
		{"value shape differs", "value_cache", func(a *Args[float32]) {
			a.ValueCache = tensor.New[float32](tensor.CPU, 2, 12, 2, d)
		}},
		{"length count", "valid_lengths", func(a *Args[float32]) { a.ValidLengths = []int32{1} }},
		{"negative length", "valid_lengths", func(a *Args[float32]) { a.ValidLengths = []int32{-1, 3} }},
		{"length beyond cache", "valid_lengths", func(a *Args[float32]) { a.ValidLengths = []int32{17, 3} }},
		{"infinite scale", "scale", func(a *Args[float32]) { a.Scale = float32(math.Inf(1)) }},
		{"nan scale", "scale", func(a *Args[float32]) { a.Scale = float32(math.NaN()) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			k, err := New[float32, tensor.F32](testConfig)
			require.NoError(t, err)
			out := tensor.EmptyLike(base.q)
			for i := range out.Data() {
				out.Data()[i] = 7
			}
			args := base.args(out)
			tc.mutate(&args)

			stats, err := k.Launch(context.Background(), testDevice(), args)
			require.ErrorIs(t, err, ErrPrecondition)
			var perr *PreconditionError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tc.arg, perr.Arg)
			require.Zero(t, stats)
			for _, x := range out.Data() {
				require.Equal(t, float32(7), x)
			}
			require.Zero(t, k.SharedMemoryAttribute())
		})
	}
}

func TestBroadcastOutputRejected(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 8, []int32{8, 8}, 18)
	one := tensor.New[float32](tensor.CPU, 1, 1, 2, testConfig.HeadDim())
	out, err := one.Expand(0, 2)
	require.NoError(t, err)
	k, err := New[float32, tensor.F32](testConfig)
	require.NoError(t, err)
	_, err = k.Launch(context.Background(), testDevice(), p.args(out))
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestSharedMemoryRaisedOnce(t *testing.T) {
	t.Parallel()
	cfg := testConfig
	cfg.MaxSeqLen = 20000
	require.Greater(t, cfg.FootprintBytes(), DefaultSharedMemory)

	p := newProblem[float32](cfg, 1, 1, 8, []int32{8}, 19)
	k, err := New[float32, tensor.F32](cfg)
	require.NoError(t, err)

	stats, err := k.Launch(context.Background(), testDevice(), p.args(tensor.EmptyLike(p.q)))
	require.NoError(t, err)
	require.True(t, stats.SharedMemoryRaised)
	require.Equal(t, cfg.FootprintBytes(), k.SharedMemoryAttribute())

	stats, err = k.Launch(context.Background(), testDevice(), p.args(tensor.EmptyLike(p.q)))
	require.NoError(t, err)
	require.False(t, stats.SharedMemoryRaised)
}

func TestSharedMemoryBeyondLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig
	cfg.MaxSeqLen = 50000
	p := newProblem[float32](cfg, 1, 1, 8, []int32{8}, 20)
	k, err := New[float32, tensor.F32](cfg)
	require.NoError(t, err)

	_, err = k.Launch(context.Background(), testDevice(), p.args(tensor.EmptyLike(p.q)))
	require.ErrorIs(t, err, ErrSharedMemory)
	var serr *SharedMemoryError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, cfg.FootprintBytes(), serr.Requested)
	require.Equal(t, DefaultSharedMemoryLimit, serr.Limit)
}

type panickingObserver struct{}

func (panickingObserver) Weights(int, int, []float32) { panic("observer failed") }

func TestBlockFaultFailsLaunch(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 2, 2, 32, []int32{32, 32}, 21)
	args := p.args(tensor.EmptyLike(p.q))
	args.Observer = panickingObserver{}
	k, err := New[float32, tensor.F32](testConfig)
	require.NoError(t, err)

	_, err = k.Launch(context.Background(), testDevice(), args)
	require.ErrorIs(t, err, ErrExecution)
	var eerr *ExecutionError
	require.ErrorAs(t, err, &eerr)
	require.Equal(t, 0, eerr.Group)
	require.Equal(t, "observer failed", eerr.Cause)

	// The pooled scratch must come back usable.
	args.Observer = nil
	_, err = k.Launch(context.Background(), testDevice(), args)
	require.NoError(t, err)
}

func TestBarrierCountPerBlock(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 3, 3, 40, []int32{40, 0}, 22)
	for _, gpb := range []int{1, 4} {
		_, stats := runKernel[float32, tensor.F32](t, testConfig.WithGroupsPerBlock(gpb), p.args(nil))
		require.Equal(t, 6*stats.Blocks, stats.Barriers)
	}
}

func TestLaunchCanceledContext(t *testing.T) {
	t.Parallel()
	p := newProblem[float32](testConfig, 1, 1, 8, []int32{8}, 23)
	k, err := New[float32, tensor.F32](testConfig)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Launch(ctx, testDevice(), p.args(tensor.EmptyLike(p.q)))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestKernelIdentity(t *testing.T) {
	t.Parallel()
	k, err := New[tensor.BFloat16, tensor.BF16](testConfig)
	require.NoError(t, err)
	require.Equal(t, "decode_attention_bf16_g8x4_u4_t2_s256", k.Name())
	require.Equal(t, tensor.DTypeBF16, k.DType())
	require.Equal(t, testConfig, k.Config())

	_, err = New[float32, tensor.F32](Config{GroupSize: 3})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func benchmarkLaunch(b *testing.B, gpb, keys int) {
	cfg := DefaultConfig().WithGroupsPerBlock(gpb)
	lens := make([]int32, 4)
	for i := range lens {
		lens[i] = int32(keys)
	}
	p := newProblem[float32](cfg, 8, 8, keys, lens, 99)
	k, err := New[float32, tensor.F32](cfg)
	require.NoError(b, err)
	args := p.args(tensor.EmptyLike(p.q))
	dev := HostDevice()
	for b.Loop() {
		if _, err := k.Launch(context.Background(), dev, args); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLaunchG1K1024(b *testing.B)  { benchmarkLaunch(b, 1, 1024) }
func BenchmarkLaunchG4K1024(b *testing.B)  { benchmarkLaunch(b, 4, 1024) }
func BenchmarkLaunchG16K1024(b *testing.B) { benchmarkLaunch(b, 16, 1024) }
func BenchmarkLaunchG16K4096(b *testing.B) { benchmarkLaunch(b, 16, 4096) }
