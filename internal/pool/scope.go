// Package pool models the endpoint's hierarchical memory-pool ownership:
// destroying a scope destroys its children first, then its own resources.
// Go has a garbage collector, so the scope's only job is sequencing the
// explicit Close of native resources (descriptors, epoll instances, open
// files) that the GC does not know about.
package pool

import (
	"io"
	"sync"
)

// Scope is a node in the pool hierarchy. The zero value is not usable;
// construct with NewRoot or (*Scope).NewChild.
type Scope struct {
	mu       sync.Mutex
	closed   bool
	parent   *Scope
	children map[*Scope]struct{}
	closers  []io.Closer
}

// NewRoot creates a top-level scope with no parent.
func NewRoot() *Scope {
	return &Scope{children: make(map[*Scope]struct{})}
}

// NewChild creates a scope whose lifetime is bounded by its parent's: when
// the parent Closes, any not-yet-closed child is closed first.
func (s *Scope) NewChild() *Scope {
	child := &Scope{parent: s, children: make(map[*Scope]struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		child.Close()
		return child
	}
	s.children[child] = struct{}{}
	s.mu.Unlock()
	return child
}

// AddCloser registers a resource to be released when the scope closes.
// Closers run in reverse-registration order, most-recent first.
func (s *Scope) AddCloser(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return
	}
	s.closers = append(s.closers, c)
}

// Closed reports whether Close has already run for this scope.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every live child, then every registered closer on this
// scope, in that order. Safe to call more than once; subsequent calls are
// no-ops. It detaches from its parent so the parent does not try to close
// it again.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	children := make([]*Scope, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.children = nil
	closers := s.closers
	s.closers = nil
	parent := s.parent
	s.mu.Unlock()

	var firstErr error
	for _, c := range children {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if parent != nil {
		parent.mu.Lock()
		delete(parent.children, s)
		parent.mu.Unlock()
	}
	return firstErr
}
