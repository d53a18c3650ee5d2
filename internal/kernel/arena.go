package kernel

// arena is the block-local working buffer. One backing slice is reused by
// every stage; which region is live is decided by the barrier phase:
//
//	Score .. Normalize   scores   [0, MaxSeqLen)
//	ReduceMax, ReduceSum slots    [MaxSeqLen, MaxSeqLen+GroupsPerBlock)
//	ReduceOutput         partials [0, HeadDim*GroupsPerBlock)  (aliases scores)
type arena struct {
	buf       []float32
	maxSeqLen int
	groups    int
	headDim   int
}

func newArena(cfg Config) *arena {
	return &arena{
		buf:       make([]float32, cfg.FootprintBytes()/4),
		maxSeqLen: cfg.MaxSeqLen,
		groups:    cfg.GroupsPerBlock,
		headDim:   cfg.HeadDim(),
	}
}

func (a *arena) scores() []float32 {
	return a.buf[:a.maxSeqLen]
}

func (a *arena) slots() []float32 {
	return a.buf[a.maxSeqLen : a.maxSeqLen+a.groups]
}

func (a *arena) partials() []float32 {
	return a.buf[:a.headDim*a.groups]
}
