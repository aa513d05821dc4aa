package state

import (
	"container/heap"
	"time"
)

type actuator int

const (
	actuatorM1Cover actuator = iota
	actuatorM1Vents
)

func (a actuator) String() string {
	if a == actuatorM1Cover {
		return "m1 cover"
	}
	return "m1 vents"
}

// transition is a pending end-of-travel completion.
type transition struct {
	actuator actuator
	target   Position
	due      time.Time
	order    uint64
	index    int
}

// transitionQueue is a min-heap on due time; ties keep scheduling order.
type transitionQueue []*transition

func (q transitionQueue) Len() int { return len(q) }

func (q transitionQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].order < q[j].order
	}
	return q[i].due.Before(q[j].due)
}

func (q transitionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *transitionQueue) Push(x interface{}) {
	t := x.(*transition)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *transitionQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// scheduler owns the queue plus one pending slot per actuator.
type scheduler struct {
	queue   transitionQueue
	pending map[actuator]*transition
	order   uint64
}

func newScheduler() *scheduler {
	return &scheduler{pending: make(map[actuator]*transition)}
}

func (s *scheduler) schedule(a actuator, target Position, due time.Time) {
	s.cancel(a)
	s.order++
	t := &transition{actuator: a, target: target, due: due, order: s.order}
	heap.Push(&s.queue, t)
	s.pending[a] = t
}

func (s *scheduler) cancel(a actuator) bool {
	t, ok := s.pending[a]
	if !ok {
		return false
	}
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	delete(s.pending, a)
	return true
}

func (s *scheduler) cancelAll() {
	s.queue = nil
	s.pending = make(map[actuator]*transition)
}

func (s *scheduler) next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// popDue removes and returns every transition due at or before now.
func (s *scheduler) popDue(now time.Time) []*transition {
	var due []*transition
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		t := heap.Pop(&s.queue).(*transition)
		delete(s.pending, t.actuator)
		due = append(due, t)
	}
	return due
}
