package kernel

import (
	"fmt"
	"math/bits"
)

// VecWidth is the number of elements every lane loads or stores at once.
const VecWidth = 4

// Config holds the specialisation constants of a decode kernel instance.
//
// GroupSize is the number of lockstep lanes in a cooperating group and fixes
// the head dimension at VecWidth*GroupSize. GroupsPerBlock trades parallelism
// for per-block overhead; any valid value produces the same result within
// float32 tolerance. Unroll and UnrollTail are the batch sizes of the main and
// remainder loops over cache positions. MaxSeqLen bounds the cache depth and
// sizes the score region of the working buffer.
type Config struct {
	GroupSize      int
	GroupsPerBlock int
	Unroll         int
	UnrollTail     int
	MaxSeqLen      int
}

// DefaultConfig mirrors a 64-lane wavefront with 16 wavefronts per block.
func DefaultConfig() Config {
	return Config{
		GroupSize:      64,
		GroupsPerBlock: 16,
		Unroll:         16,
		UnrollTail:     2,
		MaxSeqLen:      8192,
	}
}

// WithGroupsPerBlock returns a copy of c with a different group count.
func (c Config) WithGroupsPerBlock(n int) Config {
	c.GroupsPerBlock = n
	return c
}

// HeadDim is the only head dimension an instance accepts.
func (c Config) HeadDim() int { return VecWidth * c.GroupSize }

// ThreadsPerBlock is the lane count of one block.
func (c Config) ThreadsPerBlock() int { return c.GroupSize * c.GroupsPerBlock }

// FootprintBytes is the working-buffer size of one block: enough for every
// score plus one staging slot per group, or one head-sized partial output per
// group, whichever is larger.
func (c Config) FootprintBytes() int {
	softmax := (c.MaxSeqLen + c.GroupsPerBlock) * 4
	output := c.HeadDim() * c.GroupsPerBlock * 4
	return max(softmax, output)
}

func (c Config) Validate() error {
	if c.GroupSize < 2 || bits.OnesCount(uint(c.GroupSize)) != 1 {
		return fmt.Errorf("%w: group size %d must be a power of two >= 2", ErrInvalidConfig, c.GroupSize)
	}
	if c.GroupsPerBlock < 1 || bits.OnesCount(uint(c.GroupsPerBlock)) != 1 {
		return fmt.Errorf("%w: groups per block %d must be a power of two", ErrInvalidConfig, c.GroupsPerBlock)
	}
	if c.GroupsPerBlock > c.GroupSize {
		return fmt.Errorf("%w: groups per block %d exceeds group size %d", ErrInvalidConfig, c.GroupsPerBlock, c.GroupSize)
	}
	if c.UnrollTail < 1 || c.Unroll <= c.UnrollTail {
		return fmt.Errorf("%w: unroll %d must exceed tail unroll %d >= 1", ErrInvalidConfig, c.Unroll, c.UnrollTail)
	}
	if c.MaxSeqLen < 1 {
		return fmt.Errorf("%w: max sequence length %d", ErrInvalidConfig, c.MaxSeqLen)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("g%dx%d_u%d_t%d_s%d", c.GroupSize, c.GroupsPerBlock, c.Unroll, c.UnrollTail, c.MaxSeqLen)
}
