package goal

import "sync/atomic"

type node struct {
	goal Goal
	next atomic.Pointer[node]
}

// Queue is an unbounded lock-free FIFO (Michael and Scott). Any number of
// goroutines may enqueue; Dequeue is safe concurrently too, though the loop
// is the only consumer in practice. Priority never reorders goals.
type Queue struct {
	head atomic.Pointer[node]
	tail atomic.Pointer[node]
	size atomic.Int64
}

func NewQueue() *Queue {
	q := &Queue{}
	sentinel := &node{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

func (q *Queue) Enqueue(g Goal) {
	n := &node{goal: g}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.size.Add(1)
			return
		}
	}
}

func (q *Queue) Dequeue() (Goal, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return Goal{}, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			return next.goal, true
		}
	}
}

// Len is approximate under concurrent use.
func (q *Queue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Snapshot walks the queue without removing anything.
func (q *Queue) Snapshot() []Goal {
	var out []Goal
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		out = append(out, n.goal)
	}
	return out
}

// Clear drains the queue and returns how many goals were dropped.
func (q *Queue) Clear() int {
	n := 0
	for {
		if _, ok := q.Dequeue(); !ok {
			return n
		}
		n++
	}
}
