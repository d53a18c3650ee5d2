package kernel

// reduceOutput sums the per-group accumulators into the output row. The
// partial region aliases the weights, so every group must be done reading
// weights before anyone stores a partial. Only group 0 writes the output.
func (k *Kernel[E, C]) reduceOutput(bc *blockCtx[E], g *groupState[E]) error {
	lanes := k.cfg.GroupSize
	groups := k.cfg.GroupsPerBlock
	partials := bc.arena.partials()

	if err := bc.bar.wait(); err != nil {
		return err
	}
	for lane := range lanes {
		storeF32x4(partials, g.idx*lanes+lane, g.acc[lane])
	}
	if err := bc.bar.wait(); err != nil {
		return err
	}

	if g.idx != 0 {
		return nil
	}
	for lane := range lanes {
		var r F32x4
		for w := range groups {
			r = r.Add(loadF32x4(partials, w*lanes+lane))
		}
		storeVec4(bc.out, lane, narrowVec4(k.codec, r))
	}
	return nil
}
