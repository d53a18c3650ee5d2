package kernel

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stats describes one completed launch.
type Stats struct {
	Kernel             string
	Batch, Heads       int
	Blocks             int
	GroupsPerBlock     int
	Barriers           int
	SharedMemoryBytes  int
	SharedMemoryRaised bool
	Multiquery         bool
	Duration           time.Duration
}

// Launch runs one block per (batch, head) on dev. Preconditions and the
// working-buffer grant are checked before any block starts; a fault in any
// block fails the whole launch and blocks not yet started are skipped.
func (k *Kernel[E, C]) Launch(ctx context.Context, dev Device, args Args[E]) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if err := args.validate(k.cfg); err != nil {
		return Stats{}, err
	}
	raised, err := k.ensureSharedMemory(dev)
	if err != nil {
		return Stats{}, err
	}

	batch, heads := args.Query.Size(0), args.Query.Size(2)
	stats := Stats{
		Kernel:             k.name,
		Batch:              batch,
		Heads:              heads,
		Blocks:             batch * heads,
		GroupsPerBlock:     k.cfg.GroupsPerBlock,
		SharedMemoryBytes:  k.cfg.FootprintBytes(),
		SharedMemoryRaised: raised,
		Multiquery:         args.KeyCache.Size(2) == 1 && heads > 1,
	}

	start := time.Now()
	var barriers atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dev.workers())
	for b := range batch {
		for h := range heads {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				passes, err := k.runBlock(&args, b, h)
				barriers.Add(int64(passes))
				return err
			})
		}
	}
	err = g.Wait()
	stats.Duration = time.Since(start)
	stats.Barriers = int(barriers.Load())
	return stats, err
}
