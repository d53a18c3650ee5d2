package kernel

import (
	"sync"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

// groupState is the register file of one cooperating group: every slice
// indexed by lane holds what that lane keeps in registers.
type groupState[E tensor.Float] struct {
	idx int

	q     []Vec4[E]   // [lane] query slice, loaded once
	loads [][]Vec4[E] // [unroll][lane] key rows, reused for value rows
	qk    [][]float32 // [unroll][lane] partial then reduced scores
	ps    []float32   // [unroll] weights of the current batch
	red   []float32   // [lane] reduction register
	xchg  []float32   // [lane] shuffle exchange
	maxQK []float32   // [lane] running maximum score
	acc   []F32x4     // [lane] output accumulator
}

func newGroupState[E tensor.Float](cfg Config, idx int) *groupState[E] {
	lanes := cfg.GroupSize
	g := &groupState[E]{
		idx:   idx,
		q:     make([]Vec4[E], lanes),
		loads: make([][]Vec4[E], cfg.Unroll),
		qk:    make([][]float32, cfg.Unroll),
		ps:    make([]float32, cfg.Unroll),
		red:   make([]float32, lanes),
		xchg:  make([]float32, lanes),
		maxQK: make([]float32, lanes),
		acc:   make([]F32x4, lanes),
	}
	for i := range cfg.Unroll {
		g.loads[i] = make([]Vec4[E], lanes)
		g.qk[i] = make([]float32, lanes)
	}
	return g
}

// blockScratch is everything one block owns for its lifetime. Instances are
// pooled per kernel and reused across blocks and launches.
type blockScratch[E tensor.Float] struct {
	arena  *arena
	bar    *barrier
	groups []*groupState[E]
}

func newBlockScratch[E tensor.Float](cfg Config) *blockScratch[E] {
	s := &blockScratch[E]{
		arena:  newArena(cfg),
		bar:    newBarrier(cfg.GroupsPerBlock),
		groups: make([]*groupState[E], cfg.GroupsPerBlock),
	}
	for w := range s.groups {
		s.groups[w] = newGroupState[E](cfg, w)
	}
	return s
}

// blockCtx is the read-only view one block has of the launch, plus its
// shared working buffer and barrier.
type blockCtx[E tensor.Float] struct {
	batch, head int

	q       []E // query row of (batch, head)
	k, v    []E // cache position 0 of (batch, head or 0)
	kStride int
	vStride int
	out     []E

	tMax  int
	scale float32

	arena    *arena
	bar      *barrier
	observer Observer
}

func newBlockCtx[E tensor.Float](a *Args[E], s *blockScratch[E], b, h int) blockCtx[E] {
	kh, vh := h, h
	if a.KeyCache.Size(2) == 1 {
		kh = 0
	}
	if a.ValueCache.Size(2) == 1 {
		vh = 0
	}
	return blockCtx[E]{
		batch:    b,
		head:     h,
		q:        a.Query.Data()[a.Query.Index(b, 0, h, 0):],
		k:        cacheBase(a.KeyCache, b, kh),
		v:        cacheBase(a.ValueCache, b, vh),
		kStride:  a.KeyCache.Stride(1),
		vStride:  a.ValueCache.Stride(1),
		out:      a.Out.Data()[a.Out.Index(b, 0, h, 0):],
		tMax:     int(a.ValidLengths[b]),
		scale:    a.Scale,
		arena:    s.arena,
		bar:      s.bar,
		observer: a.Observer,
	}
}

func cacheBase[E tensor.Float](t *tensor.Tensor[E], b, h int) []E {
	if t.Size(1) == 0 {
		return nil
	}
	return t.Data()[t.Index(b, 0, h, 0):]
}

// runBlock executes one (batch, head) block: one goroutine per group, all
// sharing the arena and the barrier. It returns the number of barrier phases
// the block completed. A fault while setting up the block is reported with
// Group -1.
func (k *Kernel[E, C]) runBlock(a *Args[E], b, h int) (passes int, err error) {
	s := k.scratch.Get().(*blockScratch[E])
	defer k.scratch.Put(s)
	s.bar.reset()
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Batch: b, Head: h, Group: -1, Cause: r}
		}
	}()

	bc := newBlockCtx(a, s, b, h)
	var wg sync.WaitGroup
	for _, g := range s.groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.bar.abort(&ExecutionError{Batch: b, Head: h, Group: g.idx, Cause: r})
				}
			}()
			if err := k.runGroup(&bc, g); err != nil {
				s.bar.abort(err)
			}
		}()
	}
	wg.Wait()
	return s.bar.Passes(), s.bar.err()
}

// runGroup walks one group through
// Score → ReduceMax → ReduceSum → Normalize → Accumulate → ReduceOutput.
func (k *Kernel[E, C]) runGroup(bc *blockCtx[E], g *groupState[E]) error {
	k.score(bc, g)
	blockMax, err := k.reduceMax(bc, g)
	if err != nil {
		return err
	}
	blockSum, err := k.reduceSum(bc, g, blockMax)
	if err != nil {
		return err
	}
	if err := k.normalize(bc, g, blockMax, blockSum); err != nil {
		return err
	}
	k.accumulate(bc, g)
	return k.reduceOutput(bc, g)
}
