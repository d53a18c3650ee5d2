package kernel

import "github.com/chewxy/math32"

// reduceMax combines the group maxima into the block maximum. Lane 0 of each
// group stages its maximum in the slot region; after the barrier the first
// GroupsPerBlock lanes fold the slots in and a second butterfly spreads the
// result to every lane.
func (k *Kernel[E, C]) reduceMax(bc *blockCtx[E], g *groupState[E]) (float32, error) {
	groups := k.cfg.GroupsPerBlock
	slots := bc.arena.slots()

	slots[g.idx] = g.maxQK[0]
	if err := bc.bar.wait(); err != nil {
		return 0, err
	}
	for lane := range groups {
		g.maxQK[lane] = math32.Max(g.maxQK[lane], slots[lane])
	}
	groupReduce(g.maxQK, g.xchg, Max)
	return g.maxQK[0], nil
}

// reduceSum computes Σ exp(score - blockMax) over the populated range. Lanes
// stride the range by block-linear index; group sums go through the slot
// region once every group has consumed the maxima staged there.
func (k *Kernel[E, C]) reduceSum(bc *blockCtx[E], g *groupState[E], blockMax float32) (float32, error) {
	lanes := k.cfg.GroupSize
	groups := k.cfg.GroupsPerBlock
	threads := k.cfg.ThreadsPerBlock()
	scores := bc.arena.scores()
	slots := bc.arena.slots()

	for lane := range lanes {
		var den float32
		for t := g.idx*lanes + lane; t < bc.tMax; t += threads {
			den += math32.Exp(scores[t] - blockMax)
		}
		g.red[lane] = den
	}
	groupReduce(g.red, g.xchg, Sum)

	if err := bc.bar.wait(); err != nil {
		return 0, err
	}
	slots[g.idx] = g.red[0]
	if err := bc.bar.wait(); err != nil {
		return 0, err
	}

	for lane := range lanes {
		if lane < groups {
			g.red[lane] = slots[lane]
		} else {
			g.red[lane] = 0
		}
	}
	groupReduce(g.red, g.xchg, Sum)
	return g.red[0], nil
}

// normalize overwrites each lane's strided scores with their softmax weight.
// An empty range has no weights; its normaliser is zero rather than 1/0.
func (k *Kernel[E, C]) normalize(bc *blockCtx[E], g *groupState[E], blockMax, blockSum float32) error {
	lanes := k.cfg.GroupSize
	threads := k.cfg.ThreadsPerBlock()
	scores := bc.arena.scores()

	var inv float32
	if bc.tMax > 0 {
		inv = 1 / blockSum
	}
	for lane := range lanes {
		for t := g.idx*lanes + lane; t < bc.tMax; t += threads {
			scores[t] = math32.Exp(scores[t]-blockMax) * inv
		}
	}
	if err := bc.bar.wait(); err != nil {
		return err
	}
	if g.idx == 0 && bc.observer != nil {
		bc.observer.Weights(bc.batch, bc.head, scores[:bc.tMax])
	}
	return nil
}
