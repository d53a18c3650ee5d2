package kernel

import "github.com/chewxy/math32"

// score computes scale·(q·k[t]) for every t this group owns and writes it to
// the score region. Group w owns batches starting at w*Unroll, stepping
// GroupsPerBlock*Unroll, while a full stride of batches fits below tMax; the
// rest is covered in batches of UnrollTail with a per-position guard. Every
// lane leaves with the group's running maximum in maxQK.
func (k *Kernel[E, C]) score(bc *blockCtx[E], g *groupState[E]) {
	lanes := k.cfg.GroupSize
	groups := k.cfg.GroupsPerBlock
	unroll, tail := k.cfg.Unroll, k.cfg.UnrollTail
	scores := bc.arena.scores()

	for lane := range lanes {
		g.q[lane] = loadVec4(bc.q, lane)
		g.maxQK[lane] = -math32.MaxFloat32
	}

	dtt := groups * unroll
	tMaxUnroll := (bc.tMax / dtt) * dtt

	for tt := g.idx * unroll; tt < tMaxUnroll; tt += dtt {
		for ttt := range unroll {
			row := bc.k[(tt+ttt)*bc.kStride:]
			loads := g.loads[ttt]
			for lane := range lanes {
				loads[lane] = loadVec4(row, lane)
			}
		}
		for ttt := range unroll {
			k.scoreRow(bc, g, ttt)
		}
		// lane 0
		for ttt := range unroll {
			scores[tt+ttt] = g.qk[ttt][0]
		}
	}

	// The remainder is shorter than groups*unroll positions.
	for tt := tMaxUnroll + g.idx*tail; tt < bc.tMax; tt += groups * tail {
		for ttt := range tail {
			t := tt + ttt
			if t < bc.tMax {
				row := bc.k[t*bc.kStride:]
				loads := g.loads[ttt]
				for lane := range lanes {
					loads[lane] = loadVec4(row, lane)
				}
			}
		}
		for ttt := range tail {
			t := tt + ttt
			if t < bc.tMax {
				k.scoreRow(bc, g, ttt)
				scores[t] = g.qk[ttt][0]
			}
		}
	}
}

// scoreRow reduces the dot product of the key row in loads[ttt] across the
// group, scales it and folds it into the running maximum.
func (k *Kernel[E, C]) scoreRow(bc *blockCtx[E], g *groupState[E], ttt int) {
	qk := g.qk[ttt]
	loads := g.loads[ttt]
	for lane := range qk {
		qk[lane] = innerProduct(k.codec, g.q[lane], loads[lane], 0)
	}
	groupReduce(qk, g.xchg, Sum)
	for lane := range qk {
		qk[lane] *= bc.scale
		g.maxQK[lane] = math32.Max(qk[lane], g.maxQK[lane])
	}
}
