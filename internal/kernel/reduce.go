package kernel

// ReduceOp is an associative, commutative combine used by the butterfly.
type ReduceOp func(a, b float32) float32

func Sum(a, b float32) float32 { return a + b }

func Max(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// groupReduce combines the per-lane values in lanes so that every lane ends
// up holding the full result. Each step exchanges with the lane at lane^mask,
// mask halving from len(lanes)/2 down to 1; xchg models the simultaneous
// cross-lane shuffle and must be as long as lanes. len(lanes) is a power of
// two.
func groupReduce(lanes, xchg []float32, op ReduceOp) {
	n := len(lanes)
	xchg = xchg[:n]
	for mask := n >> 1; mask > 0; mask >>= 1 {
		copy(xchg, lanes)
		for lane := range n {
			lanes[lane] = op(xchg[lane^mask], lanes[lane])
		}
	}
}
