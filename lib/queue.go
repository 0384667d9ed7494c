package lib

import (
	"context"
	"sync"
)

// chunkQueue is the unbounded, order preserving handoff between a file
// worker and a protocol worker. Push never blocks; Pop blocks until a chunk
// is available, the queue is failed, or ctx is done.
type chunkQueue struct {
	mu     sync.Mutex
	items  []Chunk
	err    error
	notify chan struct{} // signalled when items or err change
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{notify: make(chan struct{}, 1)}
}

func (q *chunkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends a chunk. Chunks pushed after Fail are discarded.
func (q *chunkQueue) Push(c Chunk) {
	q.mu.Lock()
	if q.err == nil {
		q.items = append(q.items, c)
	}
	q.mu.Unlock()
	q.signal()
}

// Fail drops pending chunks and makes every following Pop return err.
func (q *chunkQueue) Fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		q.items = nil
	}
	q.mu.Unlock()
	q.signal()
}

// Pop removes the oldest chunk.
func (q *chunkQueue) Pop(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return Chunk{}, err
		}
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = Chunk{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return c, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-q.notify:
		}
	}
}
