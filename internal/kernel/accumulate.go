package kernel

// accumulate re-walks the positions scored by this group and sums
// weight·v[t] into each lane's accumulator. Lanes own disjoint slices of the
// head dimension, so nothing is reduced across lanes here.
func (k *Kernel[E, C]) accumulate(bc *blockCtx[E], g *groupState[E]) {
	lanes := k.cfg.GroupSize
	groups := k.cfg.GroupsPerBlock
	unroll, tail := k.cfg.Unroll, k.cfg.UnrollTail
	scores := bc.arena.scores()

	for lane := range lanes {
		g.acc[lane] = F32x4{}
	}

	dtt := groups * unroll
	tMaxUnroll := (bc.tMax / dtt) * dtt

	for tt := g.idx * unroll; tt < tMaxUnroll; tt += dtt {
		for ttt := range unroll {
			t := tt + ttt
			row := bc.v[t*bc.vStride:]
			loads := g.loads[ttt]
			for lane := range lanes {
				loads[lane] = loadVec4(row, lane)
			}
			g.ps[ttt] = scores[t]
		}
		for ttt := range unroll {
			loads := g.loads[ttt]
			for lane := range lanes {
				g.acc[lane] = scaleAcc(k.codec, g.acc[lane], loads[lane], g.ps[ttt])
			}
		}
	}

	for tt := tMaxUnroll + g.idx*tail; tt < bc.tMax; tt += groups * tail {
		for ttt := range tail {
			t := tt + ttt
			if t < bc.tMax {
				row := bc.v[t*bc.vStride:]
				loads := g.loads[ttt]
				for lane := range lanes {
					loads[lane] = loadVec4(row, lane)
				}
				g.ps[ttt] = scores[t]
			}
		}
		for ttt := range tail {
			if tt+ttt < bc.tMax {
				loads := g.loads[ttt]
				for lane := range lanes {
					g.acc[lane] = scaleAcc(k.codec, g.acc[lane], loads[lane], g.ps[ttt])
				}
			}
		}
	}
}
