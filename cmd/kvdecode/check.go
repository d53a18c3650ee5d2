package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/decoder"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/reference"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

const (
	checkAtol = 1e-3
	checkRtol = 1e-5
)

type checkOptions struct {
	dtype       tensor.DType
	batch       int
	heads       int
	depth       int
	groupsA     int
	groupsB     int
	seed        uint64
	maxMismatch float64
}

// checkReport percentages count elements failing isclose(atol, rtol).
type checkReport struct {
	DType              string  `json:"dtype"`
	Batch              int     `json:"batch"`
	Heads              int     `json:"heads"`
	HeadDim            int     `json:"head_dim"`
	CacheDepth         int     `json:"cache_depth"`
	ValidLengths       []int32 `json:"valid_lengths"`
	KernelA            string  `json:"kernel_a"`
	KernelB            string  `json:"kernel_b"`
	Atol               float64 `json:"atol"`
	Rtol               float64 `json:"rtol"`
	Mismatch           float64 `json:"mismatch_percent"`
	ReferenceMismatchA float64 `json:"reference_mismatch_a_percent"`
	ReferenceMismatchB float64 `json:"reference_mismatch_b_percent"`
	Passed             bool    `json:"passed"`
}

func checkCmd() *cli.Command {
	var (
		dtype       string
		opts        checkOptions
		seed        int64
		asJSON      bool
		maxMismatch float64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "storage type (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtype,
		},
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "batch size",
			Value:       1,
			Destination: &opts.batch,
		},
		&cli.IntFlag{
			Name:        "heads",
			Usage:       "number of heads",
			Value:       4,
			Destination: &opts.heads,
		},
		&cli.IntFlag{
			Name:        "cache-depth",
			Usage:       "KV cache depth",
			Value:       4096,
			Destination: &opts.depth,
		},
		&cli.IntFlag{
			Name:        "groups-a",
			Usage:       "groups per block of the kernel under test",
			Value:       1,
			Destination: &opts.groupsA,
		},
		&cli.IntFlag{
			Name:        "groups-b",
			Usage:       "groups per block of the kernel compared against",
			Value:       2,
			Destination: &opts.groupsB,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "max-mismatch",
			Usage:       "largest tolerated mismatch percentage",
			Value:       1,
			Destination: &maxMismatch,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, decoderFlags()...)

	return &cli.Command{
		Name:  "check",
		Usage: "Compare two kernel instances against each other and the reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDecoderConfig(cmd, LoadConfig())
			dt, err := tensor.ParseDType(dtype)
			if err != nil || !dt.IsFloat() {
				return cli.Exit(fmt.Sprintf("error: unsupported dtype %q", dtype), 1)
			}
			opts.dtype = dt
			opts.seed = uint64(seed)
			opts.maxMismatch = maxMismatch

			dec, err := openDecoder(ctx, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			report, err := runCheck(ctx, dec, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: check: %v", err), 1)
			}
			if err := printCheckReport(os.Stdout, report, asJSON); err != nil {
				return err
			}
			if !report.Passed {
				return cli.Exit(fmt.Sprintf("error: %.2f%% of elements mismatched (limit %.2f%%)", report.Mismatch, opts.maxMismatch), 1)
			}
			return nil
		},
	}
}

func runCheck(ctx context.Context, dec *decoder.Decoder, opts checkOptions) (checkReport, error) {
	log := logger.FromContext(ctx)
	cfg := dec.Config()
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed>>1|1))
	w, err := newWorkload(workloadSpec{
		dtype:   opts.dtype,
		batch:   opts.batch,
		heads:   opts.heads,
		headDim: cfg.HeadDim(),
		depth:   opts.depth,
		normal:  true,
		lensLo:  63,
		lensHi:  128,
	}, rng)
	if err != nil {
		return checkReport{}, err
	}

	run := func(groups int) ([]float32, string, error) {
		in := w.in
		in.GroupsPerBlock = groups
		out := w.alloc()
		stats, err := dec.ForwardStats(ctx, in, out)
		if err != nil {
			return nil, "", err
		}
		log.Debug("check launch", "kernel", stats.Kernel, "duration", stats.Duration)
		return w.values(out), stats.Kernel, nil
	}
	a, kernelA, err := run(opts.groupsA)
	if err != nil {
		return checkReport{}, err
	}
	b, kernelB, err := run(opts.groupsB)
	if err != nil {
		return checkReport{}, err
	}
	ref := w.reference()

	report := checkReport{
		DType:              opts.dtype.String(),
		Batch:              opts.batch,
		Heads:              opts.heads,
		HeadDim:            cfg.HeadDim(),
		CacheDepth:         opts.depth,
		ValidLengths:       w.in.ValidLengths.Values(),
		KernelA:            kernelA,
		KernelB:            kernelB,
		Atol:               checkAtol,
		Rtol:               checkRtol,
		Mismatch:           100 * reference.MismatchFraction(a, b, checkAtol, checkRtol),
		ReferenceMismatchA: 100 * reference.MismatchFraction(a, ref, checkAtol, checkRtol),
		ReferenceMismatchB: 100 * reference.MismatchFraction(b, ref, checkAtol, checkRtol),
	}
	report.Passed = report.Mismatch <= opts.maxMismatch
	return report, nil
}

func printCheckReport(w io.Writer, r checkReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, _ = fmt.Fprintf(w, "kernels: %s vs %s\n", r.KernelA, r.KernelB)
	_, _ = fmt.Fprintf(w, "shape: B=%d H=%d D=%d cache=%d valid=%v\n", r.Batch, r.Heads, r.HeadDim, r.CacheDepth, r.ValidLengths)
	_, _ = fmt.Fprintf(w, "Mismatched elements percentage: %.2f\n", r.Mismatch)
	_, err := fmt.Fprintf(w, "against reference: %.2f / %.2f\n", r.ReferenceMismatchA, r.ReferenceMismatchB)
	return err
}
