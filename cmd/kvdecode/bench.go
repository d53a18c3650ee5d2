package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/decoder"
	"github.com/samcharles93/kvdecode/internal/kernel"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

type benchOptions struct {
	keys       int
	padding    int
	batch      int
	heads      int
	multiquery bool
	dtype      tensor.DType
	groups     int
	warmup     int
	runs       int
	seed       uint64
	progress   io.Writer
}

type benchRun struct {
	duration time.Duration
	stats    kernel.Stats
}

type benchResult struct {
	kernel  string
	kvBytes int64
	runs    []benchRun
}

func (r benchResult) median() time.Duration {
	ds := make([]time.Duration, len(r.runs))
	for i, run := range r.runs {
		ds[i] = run.duration
	}
	slices.Sort(ds)
	return ds[len(ds)/2]
}

func benchCmd() *cli.Command {
	var (
		opts  benchOptions
		dtype string
		seed  int64
		quiet bool
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "keys",
			Usage:       "valid lengths are drawn from [1, keys)",
			Value:       2048,
			Destination: &opts.keys,
		},
		&cli.IntFlag{
			Name:        "padding",
			Usage:       "KV cache depth",
			Value:       4096,
			Destination: &opts.padding,
		},
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "batch size",
			Value:       8,
			Destination: &opts.batch,
		},
		&cli.IntFlag{
			Name:        "heads",
			Usage:       "number of heads",
			Value:       16,
			Destination: &opts.heads,
		},
		&cli.BoolFlag{
			Name:        "multiquery",
			Aliases:     []string{"mq"},
			Usage:       "share one KV head across all query heads",
			Destination: &opts.multiquery,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "storage type (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtype,
		},
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &opts.warmup,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &opts.runs,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "hide the progress bar",
			Destination: &quiet,
		},
		groupsFlag(),
	}
	flags = append(flags, decoderFlags()...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time decode launches over a synthetic KV cache",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDecoderConfig(cmd, LoadConfig())
			dt, err := tensor.ParseDType(dtype)
			if err != nil || !dt.IsFloat() {
				return cli.Exit(fmt.Sprintf("error: unsupported dtype %q", dtype), 1)
			}
			opts.dtype = dt
			opts.groups = groupsPerBlock
			opts.seed = uint64(seed)
			if !quiet {
				opts.progress = os.Stderr
			}

			dec, err := openDecoder(ctx, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res, err := runBench(ctx, dec, opts)
			if errors.Is(err, kernel.ErrNoKernel) {
				_, _ = fmt.Fprintf(os.Stdout, "Warning: no kernel was found for groups_per_block=%d\n", opts.groups)
				return nil
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: bench: %v", err), 1)
			}
			renderBench(os.Stdout, dec.Device(), opts, res)
			return nil
		},
	}
}

func runBench(ctx context.Context, dec *decoder.Decoder, opts benchOptions) (benchResult, error) {
	log := logger.FromContext(ctx)
	if opts.keys < 2 || opts.keys > opts.padding+1 {
		return benchResult{}, fmt.Errorf("keys %d must be in [2, padding+1] with padding %d", opts.keys, opts.padding)
	}
	if opts.batch < 1 || opts.heads < 1 {
		return benchResult{}, fmt.Errorf("batch %d and heads %d must be positive", opts.batch, opts.heads)
	}
	if opts.runs < 1 {
		return benchResult{}, fmt.Errorf("runs must be positive, got %d", opts.runs)
	}
	rng := rand.New(rand.NewPCG(opts.seed, 0x5eed))
	w, err := newWorkload(workloadSpec{
		dtype:      opts.dtype,
		batch:      opts.batch,
		heads:      opts.heads,
		headDim:    dec.Config().HeadDim(),
		depth:      opts.padding,
		multiquery: opts.multiquery,
		lensLo:     1,
		lensHi:     int32(opts.keys),
	}, rng)
	if err != nil {
		return benchResult{}, err
	}
	in := w.in
	in.GroupsPerBlock = opts.groups
	out := w.alloc()

	var bar *progressbar.ProgressBar
	if opts.progress != nil {
		bar = progressbar.NewOptions(opts.warmup+opts.runs,
			progressbar.OptionSetWriter(opts.progress),
			progressbar.OptionSetDescription("decode"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
	}

	res := benchResult{kvBytes: w.kvBytes}
	for i := range opts.warmup + opts.runs {
		start := time.Now()
		stats, err := dec.ForwardStats(ctx, in, out)
		if err != nil {
			return benchResult{}, err
		}
		elapsed := time.Since(start)
		res.kernel = stats.Kernel
		if i >= opts.warmup {
			res.runs = append(res.runs, benchRun{duration: elapsed, stats: stats})
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	log.Debug("bench finished", "kernel", res.kernel, "runs", len(res.runs), "median", res.median())
	return res, nil
}

func bandwidth(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(float64(bytes)/d.Seconds())) + "/s"
}

func renderBench(w io.Writer, dev kernel.Device, opts benchOptions, res benchResult) {
	mq := "no"
	if opts.multiquery {
		mq = "yes"
	}
	_, _ = fmt.Fprintf(w, "kernel:  %s\n", res.kernel)
	_, _ = fmt.Fprintf(w, "device:  %s, %d workers [%s]\n", dev.Name, dev.Workers, strings.Join(dev.Features, " "))
	_, _ = fmt.Fprintf(w, "shape:   B=%d H=%d cache=%d keys<%d multiquery=%s dtype=%s\n",
		opts.batch, opts.heads, opts.padding, opts.keys, mq, opts.dtype)
	_, _ = fmt.Fprintf(w, "KV read: %s per launch\n\n", humanize.Bytes(uint64(res.kvBytes)))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Duration", "KV bandwidth", "Blocks", "Barriers", "Working buffer"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, run := range res.runs {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			run.duration.Round(time.Microsecond).String(),
			bandwidth(res.kvBytes, run.duration),
			humanize.Comma(int64(run.stats.Blocks)),
			humanize.Comma(int64(run.stats.Barriers)),
			humanize.IBytes(uint64(run.stats.SharedMemoryBytes)),
		})
	}
	med := res.median()
	table.Append([]string{"median", med.Round(time.Microsecond).String(), bandwidth(res.kvBytes, med), "", "", ""})
	table.Render()
}
