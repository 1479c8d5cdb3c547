package worker

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/infodancer/tcpep/internal/netfd"
)

// Config carries the per-socket options and TLS material a Worker applies
// before handing a freshly accepted connection to the Handler.
type Config struct {
	SoLinger         int // <0 skip
	TCPNoDelay       bool
	SoTimeout        time.Duration // <=0 disables
	DeferAccept      bool
	TLSConfig        *tls.Config // nil disables TLS
	HandshakeTimeout time.Duration
}

type assignment struct {
	fd             *netfd.FD
	status         *SocketStatus
	optionsPending bool
}

// Worker is a long-lived goroutine that waits for a socket assignment,
// optionally performs options/TLS setup, invokes the Handler, and recycles
// itself onto its Stack.
type Worker struct {
	name    string
	cfg     Config
	handler Handler
	stack   *Stack
	logger  *slog.Logger

	// onKeepAlive re-registers a socket with a normal Poller after the
	// Handler returns StateLong.
	onKeepAlive func(*netfd.FD) error

	assignCh chan assignment
	stop     chan struct{}
}

// New constructs a Worker and starts its goroutine.
func New(name string, cfg Config, handler Handler, stack *Stack, onKeepAlive func(*netfd.FD) error, logger *slog.Logger) *Worker {
	w := &Worker{
		name:        name,
		cfg:         cfg,
		handler:     handler,
		stack:       stack,
		logger:      logger,
		onKeepAlive: onKeepAlive,
		assignCh:    make(chan assignment),
		stop:        make(chan struct{}),
	}
	go w.run()
	return w
}

// Name returns the worker's stage-thread-style label (<endpoint>-worker-N).
func (w *Worker) Name() string { return w.name }

// Stop signals the worker goroutine to exit after its current assignment
// (if any) completes. Used during endpoint shutdown.
func (w *Worker) Stop() {
	close(w.stop)
}

// AssignWithOptions hands a raw accepted socket to the worker: options and
// TLS handshake run before the Handler is invoked.
func (w *Worker) AssignWithOptions(fd *netfd.FD) {
	w.send(assignment{fd: fd, optionsPending: true})
}

// Assign hands a socket that already had its options applied (fresh from a
// Poller registration, or a keep-alive wakeup).
func (w *Worker) Assign(fd *netfd.FD) {
	w.send(assignment{fd: fd})
}

// AssignStatus delivers a lifecycle status event on the comet path.
func (w *Worker) AssignStatus(fd *netfd.FD, status SocketStatus) {
	w.send(assignment{fd: fd, status: &status})
}

func (w *Worker) send(a assignment) {
	w.assignCh <- a
}

func (w *Worker) run() {
	for {
		select {
		case <-w.stop:
			return
		case a := <-w.assignCh:
			w.handle(a)
			w.stack.Release(w)
		}
	}
}

func (w *Worker) handle(a assignment) {
	ctx := context.Background()
	fd := a.fd
	if fd == nil {
		return
	}

	switch {
	case !w.cfg.DeferAccept && a.optionsPending:
		if w.setSocketOptions(fd) {
			if err := w.onKeepAlive(fd); err != nil {
				w.logger.Debug("keep-alive registration failed", "worker", w.name, "error", err)
				_ = fd.Close()
			}
		} else {
			_ = fd.Close()
		}
		return

	case a.status != nil:
		state, err := w.handler.Event(ctx, fd, *a.status)
		if err != nil {
			w.logger.Debug("handler event error", "worker", w.name, "error", err)
		}
		if state == StateClosed {
			_ = fd.Close()
		}
		return

	default:
		if a.optionsPending && !w.setSocketOptions(fd) {
			_ = fd.Close()
			return
		}
		state, err := w.handler.Process(ctx, fd)
		if err != nil {
			w.logger.Debug("handler process error", "worker", w.name, "error", err)
		}
		switch state {
		case StateClosed:
			_ = fd.Close()
		case StateLong:
			if err := w.onKeepAlive(fd); err != nil {
				w.logger.Debug("keep-alive registration failed", "worker", w.name, "error", err)
				_ = fd.Close()
			}
		}
	}
}

// setSocketOptions applies SO_LINGER/TCP_NODELAY/SO_TIMEOUT and, when TLS
// is configured, runs the server-side handshake. Any failure returns
// false; the caller is responsible for closing fd.
func (w *Worker) setSocketOptions(fd *netfd.FD) bool {
	if w.cfg.SoLinger >= 0 {
		if err := fd.SetLinger(w.cfg.SoLinger); err != nil {
			w.logger.Debug("SO_LINGER failed", "worker", w.name, "error", err)
			return false
		}
	}
	if w.cfg.TCPNoDelay {
		if err := fd.SetNoDelay(true); err != nil {
			w.logger.Debug("TCP_NODELAY failed", "worker", w.name, "error", err)
			return false
		}
	}
	if w.cfg.SoTimeout > 0 {
		if err := fd.SetTimeout(w.cfg.SoTimeout); err != nil {
			w.logger.Debug("SO_TIMEOUT failed", "worker", w.name, "error", err)
			return false
		}
	}

	if w.cfg.TLSConfig == nil {
		return true
	}

	ctx := context.Background()
	if w.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
		defer cancel()
	}
	tlsConn := tls.Server(fd.Conn(), w.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		w.logger.Debug("TLS handshake failed", "worker", w.name, "error", err)
		return false
	}
	fd.AttachTLS(tlsConn)
	return true
}
