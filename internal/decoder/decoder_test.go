package decoder

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvdecode/internal/kernel"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/reference"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

var smallConfig = kernel.Config{GroupSize: 8, GroupsPerBlock: 2, Unroll: 4, UnrollTail: 2, MaxSeqLen: 128}

func newDecoder(t *testing.T, opts Options) *Decoder {
	t.Helper()
	if opts.Config == (kernel.Config{}) {
		opts.Config = smallConfig
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func inputs[E tensor.Float](cfg kernel.Config, heads, kvHeads, depth int, lens []int32, seed uint64) Inputs {
	rng := rand.New(rand.NewPCG(seed, 1))
	b, dim := len(lens), cfg.HeadDim()
	q := tensor.New[E](tensor.CPU, b, 1, heads, dim)
	k := tensor.New[E](tensor.CPU, b, depth, kvHeads, dim)
	v := tensor.New[E](tensor.CPU, b, depth, kvHeads, dim)
	tensor.FillNormal(q, rng)
	tensor.FillNormal(k, rng)
	tensor.FillNormal(v, rng)
	vl, err := tensor.FromSlice(tensor.CPU, lens, len(lens))
	if err != nil {
		panic(err)
	}
	return Inputs{
		Query:        q,
		KeyCache:     k,
		ValueCache:   v,
		ValidLengths: vl,
		Scale:        1 / float32(math.Sqrt(float64(dim))),
	}
}

func TestNewBuildsSwitchTable(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{})
	infos := d.Kernels()
	// 1, 2, 4 and 8 fit a group size of 8; 16 does not.
	require.Len(t, infos, 3*4)
	require.Equal(t, "bf16", infos[0].DType)
	require.Equal(t, 1, infos[0].GroupsPerBlock)
	require.Equal(t, "f32", infos[len(infos)-1].DType)
	require.Equal(t, 8, infos[len(infos)-1].GroupsPerBlock)
	for _, info := range infos {
		require.Equal(t, 32, info.HeadDim)
		require.Equal(t, smallConfig.WithGroupsPerBlock(info.GroupsPerBlock).FootprintBytes(), info.FootprintBytes)
		require.Zero(t, info.SharedMemoryAttribute)
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	d, err := New(Options{Workers: 3})
	require.NoError(t, err)
	require.Equal(t, kernel.DefaultConfig(), d.Config())
	require.Equal(t, tensor.CPU, d.Device().Name)
	require.Equal(t, 3, d.Device().Workers)
	require.Len(t, d.Kernels(), 3*5)
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()
	bad := smallConfig
	bad.GroupSize = 5
	_, err := New(Options{Config: bad})
	require.ErrorIs(t, err, kernel.ErrInvalidConfig)

	_, err = New(Options{Config: smallConfig, SharedMemoryLimit: 1024})
	require.Error(t, err)
}

func TestForwardMatchesReference(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{Workers: 2})
	in := inputs[float32](smallConfig, 2, 2, 64, []int32{64, 31, 0}, 1)
	out, err := d.Forward(context.Background(), in)
	require.NoError(t, err)

	got := out.(*tensor.Tensor[float32])
	want := reference.Attention(
		in.Query.(*tensor.Tensor[float32]),
		in.KeyCache.(*tensor.Tensor[float32]),
		in.ValueCache.(*tensor.Tensor[float32]),
		in.ValidLengths.Values(), float64(in.Scale))
	require.Zero(t, reference.MismatchFraction(got.Values(), want.Values(), 1e-4, 1e-4))
}

func TestForwardDispatchesByDType(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{})
	for _, in := range []Inputs{
		inputs[float32](smallConfig, 2, 1, 16, []int32{16}, 2),
		inputs[tensor.Float16](smallConfig, 2, 1, 16, []int32{16}, 2),
		inputs[tensor.BFloat16](smallConfig, 2, 1, 16, []int32{16}, 2),
	} {
		out, err := d.Forward(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, in.Query.DType(), out.DType())
		require.Equal(t, in.Query.Shape(), out.Shape())
	}
}

func TestGroupsPerBlockSelection(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{})
	in := inputs[float32](smallConfig, 2, 2, 100, []int32{100, 77}, 3)
	var base []float32
	for _, g := range []int{1, 2, 4, 8} {
		in.GroupsPerBlock = g
		out := tensor.EmptyLike(in.Query.(*tensor.Tensor[float32]))
		stats, err := d.ForwardStats(context.Background(), in, out)
		require.NoError(t, err)
		require.Equal(t, g, stats.GroupsPerBlock)
		if base == nil {
			base = out.Values()
			continue
		}
		require.Zero(t, reference.MismatchFraction(out.Values(), base, 1e-3, 0))
	}

	in.GroupsPerBlock = 16
	_, err := d.Forward(context.Background(), in)
	require.ErrorIs(t, err, kernel.ErrNoKernel)
	in.GroupsPerBlock = 3
	_, err = d.Forward(context.Background(), in)
	require.ErrorIs(t, err, kernel.ErrNoKernel)
}

func TestForwardOutPreconditions(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{})
	base := inputs[float32](smallConfig, 2, 2, 16, []int32{16, 4}, 4)
	half := inputs[tensor.Float16](smallConfig, 2, 2, 16, []int32{16, 4}, 4)

	tests := []struct {
		name   string
		mutate func(*Inputs)
		arg    string
	}{
		{"missing query", func(in *Inputs) { in.Query = nil }, "query"},
		{"integer query", func(in *Inputs) { in.Query = tensor.New[int32](tensor.CPU, 2, 1, 2, 32) }, "query"},
		{"mixed dtypes", func(in *Inputs) { in.KeyCache = half.KeyCache }, "key_cache"},
		{"missing lengths", func(in *Inputs) { in.ValidLengths = nil }, "valid_lengths"},
		{"lengths matrix", func(in *Inputs) { in.ValidLengths = tensor.New[int32](tensor.CPU, 2, 1) }, "valid_lengths"},
		{"foreign device", func(in *Inputs) { in.ValueCache = tensor.New[float32](tensor.CUDA, 2, 16, 2, 32) }, "value_cache"},
		{"length beyond cache", func(in *Inputs) {
			in.ValidLengths = tensor.New[int32](tensor.CPU, 2)
			in.ValidLengths.Set(17, 0)
		}, "valid_lengths"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := base
			tc.mutate(&in)
			out := tensor.New[float32](tensor.CPU, 2, 1, 2, 32)
			for i := range out.Data() {
				out.Data()[i] = -1
			}
			err := d.ForwardOut(context.Background(), in, out)
			require.ErrorIs(t, err, kernel.ErrPrecondition)
			var perr *kernel.PreconditionError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tc.arg, perr.Arg)
			for _, x := range out.Data() {
				require.Equal(t, float32(-1), x)
			}
		})
	}
}

func TestForwardOutWrongOutputType(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{})
	in := inputs[float32](smallConfig, 2, 2, 16, []int32{16}, 5)
	err := d.ForwardOut(context.Background(), in, tensor.New[tensor.BFloat16](tensor.CPU, 1, 1, 2, 32))
	require.ErrorIs(t, err, kernel.ErrPrecondition)
	require.ErrorIs(t, d.ForwardOut(context.Background(), in, nil), kernel.ErrPrecondition)
}

func TestSharedMemoryRaiseIsLogged(t *testing.T) {
	t.Parallel()
	cfg := smallConfig
	cfg.MaxSeqLen = 20000
	var buf bytes.Buffer
	d := newDecoder(t, Options{Config: cfg, Logger: logger.JSON(&buf, slog.LevelDebug)})
	in := inputs[float32](cfg, 1, 1, 8, []int32{8}, 6)

	_, err := d.Forward(context.Background(), in)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "raised shared memory attribute")
	require.Contains(t, buf.String(), `"msg":"decode launch"`)
	require.Contains(t, buf.String(), `"component":"decoder"`)

	var raised int
	for _, info := range d.Kernels() {
		if info.SharedMemoryAttribute > 0 {
			raised++
			require.Equal(t, cfg.WithGroupsPerBlock(info.GroupsPerBlock).FootprintBytes(), info.SharedMemoryAttribute)
		}
	}
	require.Equal(t, 1, raised)

	buf.Reset()
	_, err = d.Forward(context.Background(), in)
	require.NoError(t, err)
	require.False(t, strings.Contains(buf.String(), "raised shared memory attribute"))
}

func TestSharedMemoryLimitFromOptions(t *testing.T) {
	t.Parallel()
	cfg := smallConfig
	cfg.MaxSeqLen = 20000
	d := newDecoder(t, Options{Config: cfg, SharedMemoryLimit: kernel.DefaultSharedMemory})
	_, err := d.Forward(context.Background(), inputs[float32](cfg, 1, 1, 8, []int32{8}, 7))
	require.ErrorIs(t, err, kernel.ErrSharedMemory)
}

type countingObserver struct{ calls int }

func (o *countingObserver) Weights(int, int, []float32) { o.calls++ }

func TestObserverPassedThrough(t *testing.T) {
	t.Parallel()
	d := newDecoder(t, Options{Workers: 1})
	in := inputs[float32](smallConfig, 3, 3, 8, []int32{8, 2}, 8)
	obs := &countingObserver{}
	in.Observer = obs
	_, err := d.Forward(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 6, obs.calls)
}
