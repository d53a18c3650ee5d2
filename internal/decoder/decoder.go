// Package decoder dispatches single-token attention over a KV cache to the
// kernel instance specialised for the input's storage type and the
// requested number of groups per block.
package decoder

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/kvdecode/internal/kernel"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// SupportedGroupsPerBlock are the group counts a decoder instantiates,
// limited to those not exceeding the configured group size.
var SupportedGroupsPerBlock = []int{1, 2, 4, 8, 16}

// Options configure a Decoder. Zero fields take their defaults.
type Options struct {
	// Config is the kernel specialisation. GroupsPerBlock is the value used
	// when Inputs does not ask for one.
	Config kernel.Config
	// Device defaults to the host CPU.
	Device kernel.Device
	// Workers overrides Device.Workers when positive.
	Workers int
	// SharedMemoryLimit overrides Device.SharedMemoryLimit when positive.
	SharedMemoryLimit int
	Logger            logger.Logger
}

// Inputs are the arguments of one decode step. Query, KeyCache and
// ValueCache must be *tensor.Tensor of the same floating-point type.
type Inputs struct {
	Query        tensor.Any
	KeyCache     tensor.Any
	ValueCache   tensor.Any
	ValidLengths *tensor.Tensor[int32]
	Scale        float32

	// GroupsPerBlock selects the kernel instance; zero uses the default.
	GroupsPerBlock int
	Observer       kernel.Observer
}

// KernelInfo describes one entry of the switch table.
type KernelInfo struct {
	Name                  string `json:"name"`
	DType                 string `json:"dtype"`
	GroupSize             int    `json:"group_size"`
	GroupsPerBlock        int    `json:"groups_per_block"`
	HeadDim               int    `json:"head_dim"`
	MaxSeqLen             int    `json:"max_seq_len"`
	FootprintBytes        int    `json:"footprint_bytes"`
	SharedMemoryAttribute int    `json:"shared_memory_attribute"`
}

type key struct {
	dtype  tensor.DType
	groups int
}

// Decoder owns the switch table of kernel instances. It is safe for
// concurrent use.
type Decoder struct {
	cfg   kernel.Config
	dev   kernel.Device
	log   logger.Logger
	table map[key]launcher
}

// New builds the switch table for every supported storage type and group
// count.
func New(opts Options) (*Decoder, error) {
	cfg := opts.Config
	if cfg == (kernel.Config{}) {
		cfg = kernel.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev := opts.Device
	if dev.Name == "" {
		dev = kernel.HostDevice()
	}
	if opts.Workers > 0 {
		dev.Workers = opts.Workers
	}
	if opts.SharedMemoryLimit > 0 {
		dev.SharedMemoryLimit = opts.SharedMemoryLimit
	}
	if dev.SharedMemoryDefault <= 0 {
		dev.SharedMemoryDefault = kernel.DefaultSharedMemory
	}
	if dev.SharedMemoryLimit < dev.SharedMemoryDefault {
		return nil, fmt.Errorf("decoder: shared memory limit %d below default %d", dev.SharedMemoryLimit, dev.SharedMemoryDefault)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	d := &Decoder{
		cfg:   cfg,
		dev:   dev,
		log:   log.With("component", "decoder"),
		table: make(map[key]launcher),
	}
	for _, g := range SupportedGroupsPerBlock {
		if g > cfg.GroupSize {
			continue
		}
		c := cfg.WithGroupsPerBlock(g)
		if err := register[float32, tensor.F32](d, c); err != nil {
			return nil, err
		}
		if err := register[tensor.Float16, tensor.F16](d, c); err != nil {
			return nil, err
		}
		if err := register[tensor.BFloat16, tensor.BF16](d, c); err != nil {
			return nil, err
		}
	}
	if _, ok := d.table[key{tensor.DTypeF32, cfg.GroupsPerBlock}]; !ok {
		return nil, fmt.Errorf("%w: groups per block %d", kernel.ErrNoKernel, cfg.GroupsPerBlock)
	}
	return d, nil
}

func register[E tensor.Float, C tensor.Codec[E]](d *Decoder, cfg kernel.Config) error {
	k, err := kernel.New[E, C](cfg)
	if err != nil {
		return err
	}
	d.table[key{k.DType(), cfg.GroupsPerBlock}] = &typedLauncher[E, C]{k: k}
	return nil
}

func (d *Decoder) Config() kernel.Config { return d.cfg }
func (d *Decoder) Device() kernel.Device { return d.dev }

// Kernels lists the switch table ordered by storage type and group count.
func (d *Decoder) Kernels() []KernelInfo {
	out := make([]KernelInfo, 0, len(d.table))
	for _, l := range d.table {
		out = append(out, l.info())
	}
	slices.SortFunc(out, func(a, b KernelInfo) int {
		return cmp.Or(cmp.Compare(a.DType, b.DType), cmp.Compare(a.GroupsPerBlock, b.GroupsPerBlock))
	})
	return out
}

// Forward allocates an output shaped like the query and runs the decode
// step into it.
func (d *Decoder) Forward(ctx context.Context, in Inputs) (tensor.Any, error) {
	l, err := d.lookup(in)
	if err != nil {
		return nil, err
	}
	out, err := l.alloc(in.Query)
	if err != nil {
		return nil, err
	}
	if err := d.launch(ctx, l, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardOut runs the decode step into out, which must have the query's
// shape and storage type. On a precondition error out is left untouched.
func (d *Decoder) ForwardOut(ctx context.Context, in Inputs, out tensor.Any) error {
	l, err := d.lookup(in)
	if err != nil {
		return err
	}
	return d.launch(ctx, l, in, out)
}

// ForwardStats is ForwardOut returning the launch statistics.
func (d *Decoder) ForwardStats(ctx context.Context, in Inputs, out tensor.Any) (kernel.Stats, error) {
	l, err := d.lookup(in)
	if err != nil {
		return kernel.Stats{}, err
	}
	return d.launchStats(ctx, l, in, out)
}

func (d *Decoder) launch(ctx context.Context, l launcher, in Inputs, out tensor.Any) error {
	_, err := d.launchStats(ctx, l, in, out)
	return err
}

func (d *Decoder) launchStats(ctx context.Context, l launcher, in Inputs, out tensor.Any) (kernel.Stats, error) {
	if err := d.checkDevices(in, out); err != nil {
		d.log.Debug("launch rejected", "error", err)
		return kernel.Stats{}, err
	}
	stats, err := l.launch(ctx, d.dev, in, out)
	if err != nil {
		d.log.Debug("launch failed", "kernel", l.info().Name, "error", err)
		return stats, err
	}
	if stats.SharedMemoryRaised {
		d.log.Warn("raised shared memory attribute",
			"kernel", stats.Kernel,
			"bytes", stats.SharedMemoryBytes,
			"default", d.dev.SharedMemoryDefault,
			"limit", d.dev.SharedMemoryLimit,
		)
	}
	d.log.Debug("decode launch",
		"kernel", stats.Kernel,
		"grid", fmt.Sprintf("%dx%d", stats.Batch, stats.Heads),
		"groups_per_block", stats.GroupsPerBlock,
		"multiquery", stats.Multiquery,
		"shared_memory", stats.SharedMemoryBytes,
		"duration", stats.Duration,
	)
	return stats, nil
}

func (d *Decoder) lookup(in Inputs) (launcher, error) {
	if in.Query == nil {
		return nil, kernel.Preconditionf("query", "missing")
	}
	dt := in.Query.DType()
	if !dt.IsFloat() {
		return nil, kernel.Preconditionf("query", "unsupported dtype %s", dt)
	}
	groups := in.GroupsPerBlock
	if groups == 0 {
		groups = d.cfg.GroupsPerBlock
	}
	l, ok := d.table[key{dt, groups}]
	if !ok {
		return nil, fmt.Errorf("%w: %s with %d groups per block", kernel.ErrNoKernel, dt, groups)
	}
	return l, nil
}

func (d *Decoder) checkDevices(in Inputs, out tensor.Any) error {
	for _, c := range []struct {
		name string
		t    tensor.Any
	}{{"query", in.Query}, {"key_cache", in.KeyCache}, {"value_cache", in.ValueCache}, {"out", out}} {
		if c.t == nil {
			return kernel.Preconditionf(c.name, "missing")
		}
		if c.t.Device() != d.dev.Name {
			return kernel.Preconditionf(c.name, "on device %s, decoder runs on %s", c.t.Device(), d.dev.Name)
		}
	}
	if in.ValidLengths == nil {
		return kernel.Preconditionf("valid_lengths", "missing")
	}
	if in.ValidLengths.Device() != d.dev.Name {
		return kernel.Preconditionf("valid_lengths", "on device %s, decoder runs on %s", in.ValidLengths.Device(), d.dev.Name)
	}
	if in.ValidLengths.Rank() != 1 {
		return kernel.Preconditionf("valid_lengths", "rank %d, want 1", in.ValidLengths.Rank())
	}
	return nil
}
