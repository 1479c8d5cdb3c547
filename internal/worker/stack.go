package worker

import (
	"log/slog"
	"sync"
)

// Stack is a fixed-capacity LIFO of idle workers, guarded by its own mutex
// and condition variable, plus the creation policy from spec.md §4.3
// (createWorkerThread / getWorkerThread / recycleWorkerThread). Push drops
// the incoming worker (decrementing curThreads) once the stack is full;
// that is the mechanism by which a downward Resize retires excess workers
// as they are returned.
type Stack struct {
	mu   sync.Mutex
	cond *sync.Cond

	items      []*Worker
	capacity   int
	maxThreads int // <0 unbounded, 0 disables creation, >0 bounded

	curThreads     int
	curThreadsBusy int
	loggedAtMax    bool

	logger *slog.Logger
}

// NewStack creates a Stack with the given idle-slot capacity and thread
// bound. capacity should be >= maxThreads when maxThreads > 0.
func NewStack(capacity, maxThreads int, logger *slog.Logger) *Stack {
	s := &Stack{capacity: capacity, maxThreads: maxThreads, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push returns a worker to the idle pool and wakes one waiter. If the
// stack is already at capacity, the worker is dropped (retired) instead.
func (s *Stack) Push(w *Worker) {
	s.mu.Lock()
	s.curThreadsBusy--
	if len(s.items) >= s.capacity {
		s.curThreads--
		s.mu.Unlock()
		s.cond.Signal()
		return
	}
	s.items = append(s.items, w)
	s.mu.Unlock()
	s.cond.Signal()
}

// Size returns the number of workers currently idle in the stack.
func (s *Stack) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// CurThreads returns the number of live workers (idle + busy).
func (s *Stack) CurThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curThreads
}

// CurThreadsBusy returns the number of workers currently assigned work.
func (s *Stack) CurThreadsBusy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curThreadsBusy
}

// Resize copies min(old,new) idle entries into a stack of the new
// capacity; excess idle workers are retired immediately (curThreads
// decremented for each one dropped here). Workers currently busy are
// unaffected until they next Push.
func (s *Stack) Resize(newCapacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if n > newCapacity {
		s.curThreads -= n - newCapacity
		n = newCapacity
	}
	items := make([]*Worker, n)
	copy(items, s.items[len(s.items)-n:])
	s.items = items
	s.capacity = newCapacity
}

// pop removes and returns the most recently pushed worker. Caller must
// hold s.mu.
func (s *Stack) pop() (*Worker, bool) {
	n := len(s.items)
	if n == 0 {
		return nil, false
	}
	w := s.items[n-1]
	s.items = s.items[:n-1]
	return w, true
}

// createWorkerThread implements the four-branch acquisition policy from
// spec.md §4.3, entirely under s.mu so the decision and the bookkeeping it
// makes are atomic with concurrent Push/Resize calls. spawn constructs a
// brand-new Worker and starts its goroutine; it is called with s.mu held,
// so it must not block or call back into the Stack. Returns (worker, true)
// on success, (nil, false) when the caller must wait for a Push.
func (s *Stack) createWorkerThread(spawn func() *Worker) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWorkerThreadLocked(spawn)
}

func (s *Stack) createWorkerThreadLocked(spawn func() *Worker) (*Worker, bool) {
	if w, ok := s.pop(); ok {
		s.curThreadsBusy++
		return w, true
	}

	if s.maxThreads > 0 && s.curThreads < s.maxThreads {
		s.curThreads++
		s.curThreadsBusy++
		w := spawn()
		if s.curThreadsBusy == s.maxThreads && !s.loggedAtMax {
			s.loggedAtMax = true
			if s.logger != nil {
				s.logger.Info("worker pool reached configured maximum", "max_threads", s.maxThreads)
			}
		}
		return w, true
	}

	if s.maxThreads < 0 {
		s.curThreads++
		s.curThreadsBusy++
		return spawn(), true
	}

	return nil, false
}

// Acquire implements getWorkerThread: attempt createWorkerThread; if the
// pool has nothing to offer, wait on the condition variable (held across
// the check-and-wait so a concurrent Push cannot signal before we start
// waiting) and retry.
func (s *Stack) Acquire(spawn func() *Worker) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if w, ok := s.createWorkerThreadLocked(spawn); ok {
			return w
		}
		s.cond.Wait()
	}
}

// Release implements recycleWorkerThread: push the worker back onto the
// idle stack.
func (s *Stack) Release(w *Worker) {
	s.Push(w)
}
