package sched

import (
	"sync"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// fifo is an unbounded queue. Enqueue is safe from any goroutine;
// draining happens only on the loop goroutine.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *fifo[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Drain removes and returns up to limit items in FIFO order. A limit
// of zero (or less) removes nothing.
func (q *fifo[T]) Drain(limit int) []T {
	if limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := limit
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := q.items[:n:n]
	q.items = q.items[n:]
	return out
}

func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// chunkFIFO is a fifo whose entries are keyed by chunk position, with
// at most one undrained entry per chunk.
type chunkFIFO[T any] struct {
	mu      sync.Mutex
	items   []T
	present map[voxel.ChunkPos]int // chunk -> index into items
	key     func(T) voxel.ChunkPos
}

func newChunkFIFO[T any](key func(T) voxel.ChunkPos) *chunkFIFO[T] {
	return &chunkFIFO[T]{
		present: map[voxel.ChunkPos]int{},
		key:     key,
	}
}

// EnqueueUnique appends v unless an entry for the same chunk is
// already queued. Reports whether v was inserted.
func (q *chunkFIFO[T]) EnqueueUnique(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(v)
	if _, ok := q.present[k]; ok {
		return false
	}
	q.present[k] = len(q.items)
	q.items = append(q.items, v)
	return true
}

// EnqueueOrReplace appends v, or overwrites the queued entry for the
// same chunk in place, keeping its queue position. Reports whether a
// new entry was inserted.
func (q *chunkFIFO[T]) EnqueueOrReplace(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(v)
	if i, ok := q.present[k]; ok {
		q.items[i] = v
		return false
	}
	q.present[k] = len(q.items)
	q.items = append(q.items, v)
	return true
}

func (q *chunkFIFO[T]) Drain(limit int) []T {
	if limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := limit
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := q.items[:n:n]
	for _, v := range out {
		delete(q.present, q.key(v))
	}
	q.items = q.items[n:]
	// Remaining entries shifted; reindex.
	for i, v := range q.items {
		q.present[q.key(v)] = i
	}
	return out
}

func (q *chunkFIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkFIFO[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.present = map[voxel.ChunkPos]int{}
	q.mu.Unlock()
}
