package ingest

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/Suvan8806/DriftWatch/internal/storage"
)

// ErrQueueFull signals backpressure: the target shard has no room, the
// caller should surface 503 and the client should retry later.
var ErrQueueFull = errors.New("ingest queue full")

// queue routes samples to fixed shards by service id. A service always maps
// to the same shard, and each shard is drained by exactly one worker, so
// samples for one service are processed in arrival order.
type queue struct {
	shards []chan storage.Sample

	mu     sync.RWMutex
	closed bool
}

func newQueue(shardCount, capacity int) *queue {
	if shardCount < 1 {
		shardCount = 1
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan storage.Sample, shardCount)
	for i := range shards {
		shards[i] = make(chan storage.Sample, perShard)
	}
	return &queue{shards: shards}
}

func (q *queue) shardIndex(serviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(serviceID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// enqueue never blocks. A full shard rejects even if other shards have room;
// accepting elsewhere would break per-service ordering.
func (q *queue) enqueue(s storage.Sample) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.shards[q.shardIndex(s.ServiceID)] <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

// close stops intake. Workers drain whatever is already buffered.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
}

func (q *queue) depth() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}
