// Package poller implements the endpoint's Poller stage: a goroutine that
// owns one PollSet, absorbs idle/keep-alive sockets via an add-queue, and
// wakes the worker pool when sockets become readable, error, or time out.
// The same type backs both the "normal" and "comet" fleets described in
// spec.md §4.4; they differ only in the close-path policy, selected by the
// Comet field.
package poller

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/tcpep/internal/netfd"
	"github.com/infodancer/tcpep/internal/pool"
	"github.com/infodancer/tcpep/internal/pollset"
	"github.com/infodancer/tcpep/internal/worker"
	"golang.org/x/sys/unix"
)

// Config configures a Poller instance.
type Config struct {
	Name             string
	Size             int // PollSet capacity; falls back to 1024 then 62
	PollTime         time.Duration
	KeepAliveTimeout time.Duration // 0 disables the maintain sweep
	Comet            bool

	// Dispatch hands a ready socket to a worker for Handler.Process /
	// Handler.Event. Required.
	Dispatch func(fd *netfd.FD)
	// DispatchStatus hands a status event to a worker for Handler.Event.
	// Only used when Comet is true.
	DispatchStatus func(fd *netfd.FD, status worker.SocketStatus)

	Logger  *slog.Logger
	Metrics interface {
		KeepAliveSockets(delta int64)
	}
}

// Poller owns one PollSet and the add-queue feeding it.
type Poller struct {
	cfg   Config
	scope *pool.Scope
	ps    *pollset.PollSet

	addMu    sync.Mutex
	addCond  *sync.Cond
	addQueue []*netfd.FD

	fdIndex map[int32]*netfd.FD
	idxMu   sync.Mutex

	keepAliveCount atomic.Int64
	running        atomic.Bool
	paused         *atomic.Bool
}

// New constructs a Poller, creating its PollSet with the spec's fallback
// sequence (requested size, then 1024, then 62) and a child pool.Scope.
func New(cfg Config, parent *pool.Scope, paused *atomic.Bool) (*Poller, error) {
	scope := parent.NewChild()

	size := cfg.Size
	ps, err := pollset.New(size)
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

	p := &Poller{
		cfg:     cfg,
		scope:   scope,
		ps:      ps,
		fdIndex: make(map[int32]*netfd.FD),
		paused:  paused,
	}
	p.addCond = sync.NewCond(&p.addMu)
	return p, nil
}

// KeepAliveCount returns the number of sockets currently registered in the
// PollSet.
func (p *Poller) KeepAliveCount() int64 { return p.keepAliveCount.Load() }

// Add enqueues a socket for registration on the next drain. If the
// add-queue is already full, the socket is either closed (normal fleet) or
// reported to the Handler as StatusError (comet fleet), matching spec.md's
// add-queue-overflow rule.
func (p *Poller) Add(fd *netfd.FD) {
	p.addMu.Lock()
	if len(p.addQueue) >= p.cfg.Size {
		p.addMu.Unlock()
		p.overflow(fd)
		return
	}
	p.addQueue = append(p.addQueue, fd)
	p.addMu.Unlock()
	p.addCond.Signal()
}

func (p *Poller) overflow(fd *netfd.FD) {
	if p.cfg.Comet && p.cfg.DispatchStatus != nil {
		p.cfg.DispatchStatus(fd, worker.StatusError)
		return
	}
	_ = fd.Close()
}

// Run executes the Poller's main loop until the stop channel closes.
// stop should be closed by the Endpoint when it flips running=false.
func (p *Poller) Run(stop <-chan struct{}) {
	p.running.Store(true)
	defer p.running.Store(false)

	var maintainTime time.Duration
	buf := make([]unix.EpollEvent, 256)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if p.paused != nil && p.paused.Load() {
			time.Sleep(time.Second)
			continue
		}

		p.addMu.Lock()
		for len(p.addQueue) == 0 && p.keepAliveCount.Load() < 1 {
			maintainTime = 0
			waitCh := make(chan struct{})
			go func() {
				p.addMu.Lock()
				defer p.addMu.Unlock()
				defer close(waitCh)
				for len(p.addQueue) == 0 && p.keepAliveCount.Load() < 1 {
					select {
					case <-stop:
						return
					default:
					}
					p.addCond.Wait()
				}
			}()
			p.addMu.Unlock()
			select {
			case <-stop:
				p.addMu.Lock()
				p.addCond.Signal() // release the helper goroutine
				p.addMu.Unlock()
				return
			case <-waitCh:
			}
			p.addMu.Lock()
			select {
			case <-stop:
				p.addMu.Unlock()
				return
			default:
			}
		}

		queue := p.addQueue
		p.addQueue = nil
		p.addMu.Unlock()

		var added int64
		for _, fd := range queue {
			if err := p.ps.Add(int32(fd.Sys()), pollset.EventReadable, p.cfg.KeepAliveTimeout); err != nil {
				p.overflow(fd)
				continue
			}
			p.idxMu.Lock()
			p.fdIndex[int32(fd.Sys())] = fd
			p.idxMu.Unlock()
			added++
		}
		p.keepAliveCount.Add(added)
		if p.cfg.Metrics != nil && added != 0 {
			p.cfg.Metrics.KeepAliveSockets(added)
		}

		maintainTime += p.cfg.PollTime
		n, err := p.ps.Wait(p.cfg.PollTime, buf)
		if err != nil {
			if err == pollset.ErrTimeout || err == unix.EINTR {
				// fall through to maintain check below
			} else {
				p.reinit()
				continue
			}
		}

		if n > 0 {
			p.keepAliveCount.Add(-int64(n))
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.KeepAliveSockets(-int64(n))
			}
			for i := 0; i < n; i++ {
				ev := buf[i]
				fd := p.lookup(ev.Fd)
				if fd == nil {
					continue
				}
				if ev.Events&(pollset.EventHangup|pollset.EventError) != 0 {
					p.closeOne(fd, worker.StatusDisconnect)
					continue
				}
				p.remove(ev.Fd)
				if p.cfg.Comet {
					p.cfg.DispatchStatus(fd, worker.StatusOpen)
				} else {
					p.cfg.Dispatch(fd)
				}
			}
		}

		if p.cfg.KeepAliveTimeout > 0 && maintainTime > time.Second {
			expired := p.ps.Maintain(time.Now())
			if len(expired) > 0 {
				p.keepAliveCount.Add(-int64(len(expired)))
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.KeepAliveSockets(-int64(len(expired)))
				}
			}
			for _, efd := range expired {
				fd := p.lookup(efd)
				if fd == nil {
					continue
				}
				p.idxMu.Lock()
				delete(p.fdIndex, efd)
				p.idxMu.Unlock()
				p.closeOne(fd, worker.StatusTimeout)
			}
			maintainTime = 0
		}
	}
}

func (p *Poller) lookup(fd int32) *netfd.FD {
	p.idxMu.Lock()
	defer p.idxMu.Unlock()
	return p.fdIndex[fd]
}

func (p *Poller) remove(fd int32) {
	p.idxMu.Lock()
	delete(p.fdIndex, fd)
	p.idxMu.Unlock()
	p.ps.Remove(fd)
}

// closeOne applies the close-path policy: comet fleets report the status
// to the Handler, normal fleets close the socket outright.
func (p *Poller) closeOne(fd *netfd.FD, status worker.SocketStatus) {
	p.remove(int32(fd.Sys()))
	if p.cfg.Comet && p.cfg.DispatchStatus != nil {
		p.cfg.DispatchStatus(fd, status)
		return
	}
	_ = fd.Close()
}

// reinit destroys and recreates the PollSet and its scope after a
// poll-critical error, per spec.md §4.4 step 6 / §7.
func (p *Poller) reinit() {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Error("poller poll error, reinitializing pollset", "poller", p.cfg.Name)
	}
	p.idxMu.Lock()
	stale := p.fdIndex
	p.fdIndex = make(map[int32]*netfd.FD)
	p.idxMu.Unlock()
	for _, fd := range stale {
		p.closeOne(fd, worker.StatusError)
	}

	_ = p.ps.Close()
	ps, err := pollset.New(p.cfg.Size)
	if err != nil {
		ps, _ = pollset.New(62)
	}
	p.ps = ps
	p.keepAliveCount.Store(0)
}

// Close destroys the Poller: every socket still in the add-queue or the
// PollSet is closed (comet: reported DISCONNECT) and the scope is
// released.
func (p *Poller) Close() error {
	p.addMu.Lock()
	queue := p.addQueue
	p.addQueue = nil
	p.addMu.Unlock()
	for _, fd := range queue {
		p.closeOne(fd, worker.StatusDisconnect)
	}

	p.idxMu.Lock()
	remaining := p.fdIndex
	p.fdIndex = nil
	p.idxMu.Unlock()
	for _, fd := range remaining {
		p.closeOne(fd, worker.StatusDisconnect)
	}

	return p.scope.Close()
}
