// Package pollset implements the endpoint's PollSet capability on top of
// Linux epoll: a bounded collection of (descriptor, interest) pairs with a
// per-entry timeout, used identically by the Poller and Sendfile stages.
package pollset

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the poll quantum elapses with no
// ready descriptors; callers treat it the same as EINTR (ignore, loop).
var ErrTimeout = errors.New("pollset: poll timed out")

// ErrFull is returned by Add when the set is already at capacity.
var ErrFull = errors.New("pollset: at capacity")

const (
	// EventReadable mirrors POLLIN for the purposes of the spec's event tests.
	EventReadable = unix.EPOLLIN
	// EventWritable mirrors POLLOUT.
	EventWritable = unix.EPOLLOUT
	// EventHangup mirrors POLLHUP.
	EventHangup = unix.EPOLLHUP
	// EventError mirrors POLLERR.
	EventError = unix.EPOLLERR
)

type entry struct {
	deadline time.Time
}

// PollSet is a single epoll instance bounded to `size` live entries.
type PollSet struct {
	epfd int
	size int

	mu      sync.Mutex
	entries map[int32]*entry
}

// New creates a PollSet. Construction fallback (1024, then 62 on further
// failure) is the caller's responsibility (Poller/Sendfile), matching the
// spec's two-step fallback.
func New(size int) (*PollSet, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &PollSet{epfd: fd, size: size, entries: make(map[int32]*entry, size)}, nil
}

// Len returns the number of descriptors currently registered.
func (p *PollSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Add registers fd for the given event mask with a per-entry timeout (zero
// means no maintain-driven expiry for this entry).
func (p *PollSet) Add(fd int32, events uint32, timeout time.Duration) error {
	p.mu.Lock()
	if len(p.entries) >= p.size {
		p.mu.Unlock()
		return ErrFull
	}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: events, Fd: fd}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
		return err
	}

	e := &entry{}
	if timeout > 0 {
		e.deadline = time.Now().Add(timeout)
	}
	p.mu.Lock()
	p.entries[fd] = e
	p.mu.Unlock()
	return nil
}

// Remove deregisters fd. A no-op if fd is not currently registered.
func (p *PollSet) Remove(fd int32) {
	p.mu.Lock()
	_, ok := p.entries[fd]
	delete(p.entries, fd)
	p.mu.Unlock()
	if ok {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	}
}

// Wait blocks up to pollTime for ready descriptors, writing results into
// buf and returning the count. Returns ErrTimeout on timeout, or the
// underlying errno (including EINTR) on failure.
func (p *PollSet) Wait(pollTime time.Duration, buf []unix.EpollEvent) (int, error) {
	ms := int(pollTime / time.Millisecond)
	if pollTime > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(p.epfd, buf, ms)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// Maintain scans entries for expired timeouts, removes them from the epoll
// set, and returns their descriptors. Mirrors the spec's PollSet.maintain.
func (p *PollSet) Maintain(now time.Time) []int32 {
	var expired []int32
	p.mu.Lock()
	for fd, e := range p.entries {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			expired = append(expired, fd)
		}
	}
	for _, fd := range expired {
		delete(p.entries, fd)
	}
	p.mu.Unlock()

	for _, fd := range expired {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	}
	return expired
}

// Close releases the epoll instance. Registered descriptors are not closed
// here; the owning stage (Poller/Sendfile) is responsible for that via its
// pool.Scope.
func (p *PollSet) Close() error {
	return unix.Close(p.epfd)
}
