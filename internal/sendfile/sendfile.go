// Package sendfile implements the endpoint's Sendfile stage: a goroutine
// that owns a write-ready PollSet over sockets carrying outstanding kernel
// sendfile(2) transfers and drives each to completion without blocking a
// worker.
package sendfile

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/tcpep/internal/netfd"
	"github.com/infodancer/tcpep/internal/pool"
	"github.com/infodancer/tcpep/internal/pollset"
	"golang.org/x/sys/unix"
)

// Transfer is one outstanding non-blocking sendfile range, matching
// spec.md §3's SendfileData entity.
type Transfer struct {
	FileName      string
	File          *os.File
	StartOffset   int64
	EndOffset     int64
	CurrentOffset int64
	Socket        *netfd.FD
	KeepAlive     bool

	filePool *pool.Scope
}

// Config configures a Sendfile instance.
type Config struct {
	Name             string
	Size             int
	PollTime         time.Duration
	KeepAliveTimeout time.Duration
	SoTimeout        time.Duration // restored on the socket after completion

	// OnKeepAlive re-registers a completed, keep-alive socket with a
	// normal Poller.
	OnKeepAlive func(fd *netfd.FD)

	Logger  *slog.Logger
	Metrics interface {
		BytesSent(n int64)
	}
}

// Sendfile owns one PollSet over POLLOUT-ready sockets.
type Sendfile struct {
	cfg   Config
	scope *pool.Scope
	ps    *pollset.PollSet

	addMu    sync.Mutex
	addCond  *sync.Cond
	addQueue []*Transfer

	mu     sync.Mutex
	byFD   map[int32]*Transfer
	active atomic.Int64
}

// New constructs a Sendfile stage with the same size-fallback sequence as
// Poller.
func New(cfg Config, parent *pool.Scope) (*Sendfile, error) {
	scope := parent.NewChild()
	ps, err := pollset.New(cfg.Size)
	if err != nil {
		ps, err = pollset.New(1024)
		if err != nil {
			ps, err = pollset.New(62)
			if err != nil {
				_ = scope.Close()
				return nil, err
			}
		}
	}
	scope.AddCloser(ps)

	s := &Sendfile{cfg: cfg, scope: scope, ps: ps, byFD: make(map[int32]*Transfer)}
	s.addCond = sync.NewCond(&s.addMu)
	return s, nil
}

// Add begins a transfer: registers the already-open t.File with a new file
// scope, puts the socket into non-blocking mode, and attempts an in-line
// sendfile loop. Returns true when the file was fully sent synchronously;
// the socket is then back in blocking mode with SoTimeout restored and
// stays with the caller (Add neither closes nor re-registers it). Returns
// false when the transfer was handed off to the poll loop (EAGAIN) or
// failed outright. filePoolParent should be a
// child scope of the socket's own pool per spec.md's ownership rule.
func (s *Sendfile) Add(t *Transfer, filePoolParent *pool.Scope) (bool, error) {
	t.filePool = filePoolParent.NewChild()
	t.filePool.AddCloser(t.File)
	t.CurrentOffset = t.StartOffset

	if err := t.Socket.SetNonblock(true); err != nil {
		_ = t.filePool.Close()
		return false, err
	}

	for {
		n, err := s.sendfilen(t)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			_ = t.filePool.Close()
			return false, err
		}
		t.CurrentOffset += int64(n)
		if s.cfg.Metrics != nil && n > 0 {
			s.cfg.Metrics.BytesSent(int64(n))
		}
		if t.CurrentOffset >= t.EndOffset {
			_ = t.filePool.Close()
			_ = t.Socket.SetNonblock(false)
			_ = t.Socket.SetTimeout(s.cfg.SoTimeout)
			return true, nil
		}
	}

	s.addMu.Lock()
	if len(s.addQueue) >= s.cfg.Size {
		s.addMu.Unlock()
		_ = t.filePool.Close()
		return false, ErrQueueFull
	}
	s.addQueue = append(s.addQueue, t)
	s.addMu.Unlock()
	s.addCond.Signal()
	return false, nil
}

// ErrQueueFull is returned by Add when the Sendfile add-queue is saturated.
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "sendfile: add-queue full" }

func (s *Sendfile) sendfilen(t *Transfer) (int, error) {
	remaining := t.EndOffset - t.CurrentOffset
	off := t.CurrentOffset
	n, err := unix.Sendfile(t.Socket.Sys(), int(t.File.Fd()), &off, int(remaining))
	return n, err
}

// Run executes the Sendfile main loop until stop closes. Its control
// skeleton mirrors Poller.Run exactly, parameterized over POLLOUT
// descriptors instead of POLLIN.
func (s *Sendfile) Run(stop <-chan struct{}, paused *atomic.Bool) {
	var maintainTime time.Duration
	buf := make([]unix.EpollEvent, 256)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if paused != nil && paused.Load() {
			time.Sleep(time.Second)
			continue
		}

		s.addMu.Lock()
		for len(s.addQueue) == 0 && s.active.Load() < 1 {
			maintainTime = 0
			waitCh := make(chan struct{})
			go func() {
				s.addMu.Lock()
				defer s.addMu.Unlock()
				defer close(waitCh)
				for len(s.addQueue) == 0 && s.active.Load() < 1 {
					select {
					case <-stop:
						return
					default:
					}
					s.addCond.Wait()
				}
			}()
			s.addMu.Unlock()
			select {
			case <-stop:
				s.addMu.Lock()
				s.addCond.Signal()
				s.addMu.Unlock()
				return
			case <-waitCh:
			}
			s.addMu.Lock()
			select {
			case <-stop:
				s.addMu.Unlock()
				return
			default:
			}
		}
		queue := s.addQueue
		s.addQueue = nil
		s.addMu.Unlock()

		var added int64
		for _, t := range queue {
			fd := int32(t.Socket.Sys())
			if err := s.ps.Add(fd, pollset.EventWritable, s.cfg.KeepAliveTimeout); err != nil {
				_ = t.filePool.Close()
				continue
			}
			s.mu.Lock()
			s.byFD[fd] = t
			s.mu.Unlock()
			added++
		}
		s.active.Add(added)

		maintainTime += s.cfg.PollTime
		n, err := s.ps.Wait(s.cfg.PollTime, buf)
		if err != nil {
			if err == pollset.ErrTimeout || err == unix.EINTR {
			} else {
				s.reinit()
				continue
			}
		}

		if n > 0 {
			for i := 0; i < n; i++ {
				ev := buf[i]
				s.mu.Lock()
				t, ok := s.byFD[ev.Fd]
				if ok {
					delete(s.byFD, ev.Fd)
				}
				s.mu.Unlock()
				if !ok {
					continue
				}
				s.active.Add(-1)
				if ev.Events&(pollset.EventHangup|pollset.EventError) != 0 {
					s.ps.Remove(ev.Fd)
					_ = t.filePool.Close()
					_ = t.Socket.Close()
					continue
				}
				s.drive(t, ev.Fd)
			}
		}

		if s.cfg.KeepAliveTimeout > 0 && maintainTime > time.Second {
			expired := s.ps.Maintain(time.Now())
			for _, efd := range expired {
				s.mu.Lock()
				t, ok := s.byFD[efd]
				delete(s.byFD, efd)
				s.mu.Unlock()
				if !ok {
					continue
				}
				s.active.Add(-1)
				_ = t.filePool.Close()
				_ = t.Socket.Close()
			}
			maintainTime = 0
		}
	}
}

// drive pushes one more sendfilen attempt for a write-ready transfer.
func (s *Sendfile) drive(t *Transfer, fd int32) {
	n, err := s.sendfilen(t)
	if err != nil {
		s.ps.Remove(fd)
		_ = t.filePool.Close()
		_ = t.Socket.Close()
		return
	}
	t.CurrentOffset += int64(n)
	if s.cfg.Metrics != nil && n > 0 {
		s.cfg.Metrics.BytesSent(int64(n))
	}
	if t.CurrentOffset < t.EndOffset {
		s.mu.Lock()
		s.byFD[fd] = t
		s.mu.Unlock()
		s.active.Add(1)
		return
	}

	s.ps.Remove(fd)
	_ = t.filePool.Close()
	if t.KeepAlive {
		_ = t.Socket.SetNonblock(false)
		_ = t.Socket.SetTimeout(s.cfg.SoTimeout)
		if s.cfg.OnKeepAlive != nil {
			s.cfg.OnKeepAlive(t.Socket)
		}
	} else {
		_ = t.Socket.Close()
	}
}

func (s *Sendfile) reinit() {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error("sendfile poll error, reinitializing pollset", "sendfile", s.cfg.Name)
	}
	s.mu.Lock()
	stale := s.byFD
	s.byFD = make(map[int32]*Transfer)
	s.mu.Unlock()
	for _, t := range stale {
		_ = t.filePool.Close()
		_ = t.Socket.Close()
	}
	s.active.Store(0)

	_ = s.ps.Close()
	ps, err := pollset.New(s.cfg.Size)
	if err != nil {
		ps, _ = pollset.New(62)
	}
	s.ps = ps
}

// Close destroys the Sendfile stage: all outstanding transfers are
// abandoned (file pool released, socket closed) and the scope torn down.
func (s *Sendfile) Close() error {
	s.addMu.Lock()
	queue := s.addQueue
	s.addQueue = nil
	s.addMu.Unlock()
	for _, t := range queue {
		_ = t.filePool.Close()
		_ = t.Socket.Close()
	}

	s.mu.Lock()
	remaining := s.byFD
	s.byFD = nil
	s.mu.Unlock()
	for _, t := range remaining {
		_ = t.filePool.Close()
		_ = t.Socket.Close()
	}

	return s.scope.Close()
}
