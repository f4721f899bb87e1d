package rxloop

import "sync"

// taskChunkSize is the number of task slots per chunk node. 128 slots keeps
// a chunk around 1KB, amortizing allocation across bursts while staying
// cache friendly.
const taskChunkSize = 128

// taskChunk is a fixed-size node in the ingress linked list. readPos/writePos
// cursors give O(1) push/pop without shifting.
type taskChunk struct {
	tasks    [taskChunkSize]Task
	next     *taskChunk
	readPos  int // first unread slot
	writePos int // first unused slot
}

// taskChunkPool recycles chunk nodes to avoid GC churn under sustained load.
var taskChunkPool = sync.Pool{
	New: func() any { return new(taskChunk) },
}

func newTaskChunk() *taskChunk {
	c := taskChunkPool.Get().(*taskChunk)
	c.readPos = 0
	c.writePos = 0
	c.next = nil
	return c
}

// recycleTaskChunk clears remaining task slots before pooling so the pool
// never pins dead closures.
func recycleTaskChunk(c *taskChunk) {
	for i := c.readPos; i < c.writePos; i++ {
		c.tasks[i] = nil
	}
	c.readPos = 0
	c.writePos = 0
	c.next = nil
	taskChunkPool.Put(c)
}

// ingressQueue is an unbounded FIFO of tasks backed by a linked list of
// fixed-size chunks.
//
// Thread Safety: NOT thread-safe. The owning loop guards the queue with its
// own mutex; the queue performs no locking of its own, keeping the producer
// hot path to a handful of stores.
type ingressQueue struct {
	head   *taskChunk
	tail   *taskChunk
	length int
}

func newIngressQueue() *ingressQueue {
	return &ingressQueue{}
}

// Push appends a task.
//
// Caller must hold the owning mutex.
func (q *ingressQueue) Push(task Task) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}

	if q.tail.writePos == len(q.tail.tasks) {
		next := newTaskChunk()
		q.tail.next = next
		q.tail = next
	}

	q.tail.tasks[q.tail.writePos] = task
	q.tail.writePos++
	q.length++
}

// Pop removes and returns the oldest task, or false if the queue is empty.
// Drained slots are nilled immediately so popped closures become collectable.
//
// Caller must hold the owning mutex.
func (q *ingressQueue) Pop() (Task, bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.writePos {
		if q.head == q.tail {
			// Sole chunk drained: reset cursors in place for reuse.
			q.head.readPos = 0
			q.head.writePos = 0
			return nil, false
		}
		old := q.head
		q.head = old.next
		recycleTaskChunk(old)
	}

	if q.head.readPos >= q.head.writePos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.writePos && q.head != q.tail {
		old := q.head
		q.head = old.next
		recycleTaskChunk(old)
	}

	return task, true
}

// Length returns the number of queued tasks.
//
// Caller must hold the owning mutex.
func (q *ingressQueue) Length() int {
	return q.length
}
