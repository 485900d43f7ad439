package rules

import (
	"container/heap"
	"sync"
	"time"
)

type delayedTask struct {
	runAt  time.Time
	seq    uint64
	fn     func() error
	result chan error
}

// taskQueue is a min-heap ordered by run time, then submission order.
type taskQueue []*delayedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].runAt.Equal(q[j].runAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].runAt.Before(q[j].runAt)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*delayedTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// DelayScheduler runs delayed action tasks from a single timer goroutine.
// Due tasks each run on their own goroutine so a slow action never holds up
// the queue.
type DelayScheduler struct {
	queue   taskQueue
	seq     uint64
	stopped bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
}

// NewDelayScheduler starts a scheduler. Call Stop to release it.
func NewDelayScheduler() *DelayScheduler {
	s := &DelayScheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit queues fn to run at the given time. The returned channel receives
// fn's error once it has run, or ErrSchedulerStopped if the scheduler stops
// first. Times in the past run immediately.
func (s *DelayScheduler) Submit(at time.Time, fn func() error) <-chan error {
	result := make(chan error, 1)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		result <- ErrSchedulerStopped
		return result
	}
	s.seq++
	heap.Push(&s.queue, &delayedTask{runAt: at, seq: s.seq, fn: fn, result: result})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return result
}

// Pending returns the number of queued tasks that have not started.
func (s *DelayScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stop cancels every pending task and waits for the timer goroutine to exit.
// Tasks already running are not interrupted.
func (s *DelayScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()
	<-s.done
}

func (s *DelayScheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait, hasNext := s.popDue(time.Now())
		for _, task := range due {
			go func(t *delayedTask) {
				t.result <- t.fn()
			}(task)
		}

		if hasNext {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stop:
			s.cancelPending()
			return
		}
	}
}

func (s *DelayScheduler) popDue(now time.Time) ([]*delayedTask, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*delayedTask
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.runAt.After(now) {
			return due, next.runAt.Sub(now), true
		}
		due = append(due, heap.Pop(&s.queue).(*delayedTask))
	}
	return due, 0, false
}

func (s *DelayScheduler) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		task := heap.Pop(&s.queue).(*delayedTask)
		task.result <- ErrSchedulerStopped
	}
}
