package unitlink

import (
	"container/heap"
	"sync"

	"github.com/hartwell/airbridge/varmap"
)

type taskKind int

const (
	taskGet taskKind = iota
	taskSet
)

func (k taskKind) String() string {
	switch k {
	case taskGet:
		return "get"
	case taskSet:
		return "set"
	}
	return "unknown"
}

// task is one pending operation against the unit. It lives for at most one
// dispatch attempt: it is either popped and completed, or silently dropped
// when the queue is torn down on disconnect.
type task struct {
	kind      taskKind
	variable  *varmap.Variable
	value     string // set payload
	priority  int    // lower dispatches first
	seq       uint64 // insertion order, breaks priority ties
	requestID string
	done      func(err error)
}

// complete invokes the task's continuation, if it has one. It must be called
// at most once; torn-down tasks are never completed at all.
func (t *task) complete(err error) {
	if t.done != nil {
		t.done(err)
	}
}

// taskHeap orders tasks by priority, then by insertion sequence so equal
// priorities dispatch first-in first-out.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// taskQueue is the link's pending work. It starts paused and is only resumed
// while the link is connected. Pushing never blocks and the queue is
// unbounded; popping blocks until work is available and the queue is
// running.
type taskQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	paused  bool
	closed  bool
	nextSeq uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{paused: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.tasks, t)
	q.cond.Signal()
}

// pop blocks until a task is available and the queue is running, then
// returns the lowest-priority-value task. It returns false once the queue is
// closed for good.
func (q *taskQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.paused || len(q.tasks) == 0) {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.tasks).(*task), true
}

// reset atomically discards all queued tasks and pauses the queue, returning
// how many were dropped. Dropped tasks are never completed; the caller is
// responsible for surfacing the loss through the disconnect notification.
func (q *taskQueue) reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.tasks)
	q.tasks = nil
	q.paused = true
	return dropped
}

// resume lets pop proceed again after a pause.
func (q *taskQueue) resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// close shuts the queue down permanently, waking any blocked pop.
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
