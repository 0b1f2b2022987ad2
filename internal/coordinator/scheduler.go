package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"

	"pkt.systems/tpcd/internal/clock"
)

type taskKind uint8

const (
	taskDeliver taskKind = iota + 1
	taskVoteTimeout
	taskReconcile
	taskFinalize
	taskExpire
)

func (k taskKind) String() string {
	switch k {
	case taskDeliver:
		return "deliver"
	case taskVoteTimeout:
		return "vote_timeout"
	case taskReconcile:
		return "reconcile"
	case taskFinalize:
		return "finalize"
	case taskExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// task is a unit of deferred work. Tasks with equal due times run in the
// order they were scheduled.
type task struct {
	id         uint64
	due        time.Time
	kind       taskKind
	instanceID string
	sequence   uint64
	attempt    int
}

func byDue(a, b any) int {
	ta := a.(*task)
	tb := b.(*task)
	switch {
	case ta.due.Before(tb.due):
		return -1
	case tb.due.Before(ta.due):
		return 1
	case ta.id < tb.id:
		return -1
	case ta.id > tb.id:
		return 1
	default:
		return 0
	}
}

// scheduler keeps tasks in a min-heap ordered by due time and hands due
// tasks to the worker pool.
type scheduler struct {
	clk  clock.Clock
	mu   sync.Mutex
	heap *binaryheap.Heap
	next uint64
	wake chan struct{}
	work chan *task
}

func newScheduler(clk clock.Clock, queue int) *scheduler {
	if queue <= 0 {
		queue = 1
	}
	return &scheduler{
		clk:  clk,
		heap: binaryheap.NewWith(byDue),
		wake: make(chan struct{}, 1),
		work: make(chan *task, queue),
	}
}

func (s *scheduler) schedule(t *task) {
	s.mu.Lock()
	s.next++
	t.id = s.next
	s.heap.Push(t)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) after(d time.Duration, t *task) {
	t.due = s.clk.Now().Add(d)
	s.schedule(t)
}

func (s *scheduler) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Size()
}

func (s *scheduler) run(ctx context.Context) {
	for {
		var (
			ready []*task
			wait  <-chan time.Time
		)
		s.mu.Lock()
		now := s.clk.Now()
		for {
			v, ok := s.heap.Peek()
			if !ok {
				break
			}
			t := v.(*task)
			if t.due.After(now) {
				if len(ready) == 0 {
					wait = s.clk.After(t.due.Sub(now))
				}
				break
			}
			s.heap.Pop()
			ready = append(ready, t)
		}
		s.mu.Unlock()

		if len(ready) > 0 {
			for _, t := range ready {
				select {
				case s.work <- t:
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-wait:
		}
	}
}
