// internal/replay/buffer.go
package replay

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/xkilldash9x/sqlpaf/internal/env"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
)

// DefaultCapacity is the buffer size used when none is configured.
const DefaultCapacity = 10000

// ErrInsufficient is returned by Sample when fewer transitions are stored than requested.
var ErrInsufficient = errors.New("not enough transitions to sample")

// Transition is one (s, a, r, s', done) tuple.
type Transition struct {
	State     perception.Observation
	Action    env.Action
	Reward    float64
	NextState perception.Observation
	Terminal  bool
}

// Buffer is a bounded FIFO of transitions. When full, each Push evicts the
// oldest entry. It is not safe for concurrent use; the agent serializes access.
type Buffer struct {
	items []Transition
	start int
	size  int
}

// NewBuffer allocates a buffer holding at most capacity transitions.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay capacity must be positive, got %d", capacity)
	}
	return &Buffer{items: make([]Transition, capacity)}, nil
}

// Push stores t, evicting the oldest transition when full.
func (b *Buffer) Push(t Transition) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = t
		b.size++
		return
	}
	b.items[b.start] = t
	b.start = (b.start + 1) % capacity
}

// Len reports the number of stored transitions.
func (b *Buffer) Len() int { return b.size }

// Cap reports the capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// At returns the i-th stored transition counted from the oldest.
func (b *Buffer) At(i int) Transition {
	if i < 0 || i >= b.size {
		panic(fmt.Sprintf("replay: index %d out of range [0,%d)", i, b.size))
	}
	return b.items[(b.start+i)%len(b.items)]
}

// Sample draws n distinct transitions uniformly at random.
func (b *Buffer) Sample(n int, rng *rand.Rand) ([]Transition, error) {
	if n > b.size {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficient, b.size, n)
	}
	if n <= 0 {
		return nil, nil
	}
	// Partial Fisher-Yates over logical indices.
	idx := make([]int, b.size)
	for i := range idx {
		idx[i] = i
	}
	out := make([]Transition, n)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(b.size-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = b.At(idx[i])
	}
	return out, nil
}
