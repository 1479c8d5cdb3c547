// Package ep implements the endpoint orchestration layer: Endpoint wires
// together the Acceptor, Poller fleets, Sendfile fleet, and Worker pool
// into the six-operation lifecycle described by spec.md §4.1.
package ep

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/tcpep/internal/metrics"
	"github.com/infodancer/tcpep/internal/netfd"
	"github.com/infodancer/tcpep/internal/poller"
	"github.com/infodancer/tcpep/internal/pool"
	"github.com/infodancer/tcpep/internal/sendfile"
	"github.com/infodancer/tcpep/internal/tlscapability"
	"github.com/infodancer/tcpep/internal/worker"
)

// Executor is the externally supplied dispatcher contract. When set on
// Options, it replaces the internal worker.Stack entirely.
type Executor interface {
	Execute(task func())
}

// Options configures an Endpoint. Field set mirrors spec.md §6.
type Options struct {
	Address     string
	Backlog     int
	DeferAccept bool
	UseComet    bool
	UseSendfile bool

	AcceptorThreadCount int
	PollerThreadCount   int
	SendfileThreadCount int
	PollerSize          int
	SendfileSize        int
	MaxThreads          int

	PollTime         time.Duration
	SoTimeout        time.Duration
	KeepAliveTimeout time.Duration
	UnlockTimeout    time.Duration
	SoLinger         int
	TCPNoDelay       bool

	Name     string
	Executor Executor

	TLSOptions tlscapability.Options
	Handler    worker.Handler

	Logger  *slog.Logger
	Metrics metrics.Collector
}

var (
	// ErrNotInitialized is returned by Start/Pause/Resume/Stop when Init
	// has not run (or Destroy already unwound it).
	ErrNotInitialized = errors.New("ep: endpoint not initialized")
	// ErrFailedInit is returned by Init when a previous Init failed and
	// Destroy has not yet run to clear the fault.
	ErrFailedInit = errors.New("ep: previous Init failed; Destroy before retrying")
	// ErrAlreadyRunning is returned by Start when the endpoint is already
	// running.
	ErrAlreadyRunning = errors.New("ep: already running")
)

// Endpoint is a pluggable TCP connection endpoint: Acceptor -> Poller(s)
// -> Worker pool, plus an independent Sendfile stage.
type Endpoint struct {
	opts    Options
	logger  *slog.Logger
	metrics metrics.Collector

	mu          sync.Mutex
	initialized bool
	failedInit  bool

	running atomic.Bool
	paused  atomic.Bool

	root      *pool.Scope
	listenFD  *netfd.FD
	localAddr net.Addr
	tlsConfig *tls.Config

	stack *worker.Stack

	pollers      []*poller.Poller
	cometPollers []*poller.Poller
	sendfiles    []*sendfile.Sendfile

	pollerNext   atomic.Uint64
	cometNext    atomic.Uint64
	sendfileNext atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Endpoint in its uninitialized state.
func New(opts Options) *Endpoint {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("endpoint", opts.Name)
	}
	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopCollector{}
	}
	return &Endpoint{opts: opts, logger: logger, metrics: m}
}

// Init resolves the bind address, builds the root resource scope, creates
// the listening socket, and prepares (but does not start) the TLS
// capability. Per spec.md §4.1, Init refuses to run again after a prior
// failure until Destroy clears the fault.
func (e *Endpoint) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failedInit {
		return ErrFailedInit
	}
	if e.initialized {
		return nil
	}

	root := pool.NewRoot()

	useSendfile := e.opts.UseSendfile
	if e.opts.TLSOptions.Enabled {
		useSendfile = false
	}

	tlsConfig, err := tlscapability.Build(e.opts.TLSOptions, e.logger)
	if err != nil {
		e.failedInit = true
		_ = root.Close()
		return fmt.Errorf("ep: building TLS capability: %w", err)
	}

	listenFD, localAddr, err := listen(e.opts.Address, e.opts.Backlog)
	if err != nil {
		e.failedInit = true
		_ = root.Close()
		return fmt.Errorf("ep: listen: %w", err)
	}
	root.AddCloser(listenFD)

	if e.opts.DeferAccept {
		applied, err := listenFD.SetDeferAccept(1)
		if err != nil {
			e.failedInit = true
			_ = root.Close()
			return fmt.Errorf("ep: TCP_DEFER_ACCEPT: %w", err)
		}
		if !applied {
			e.logger.Warn("TCP_DEFER_ACCEPT not supported by this kernel, disabling")
			e.opts.DeferAccept = false
		}
	}

	e.root = root
	e.listenFD = listenFD
	e.localAddr = localAddr
	e.tlsConfig = tlsConfig
	e.opts.UseSendfile = useSendfile
	e.initialized = true

	e.logger.Info("endpoint initialized", "address", localAddr, "tls", tlsConfig != nil, "sendfile", useSendfile)
	return nil
}

// deriveStageCount implements spec.md §4.1 step 6: ceil(size/1024) when
// size > 1024, else 1.
func deriveStageCount(size, configured int) int {
	if configured > 0 {
		return configured
	}
	if size > 1024 {
		return int(math.Ceil(float64(size) / 1024))
	}
	return 1
}

// Start constructs the worker pool (unless an external Executor is set),
// spawns the Poller, comet Poller, Sendfile, and Acceptor goroutines.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	pollerCount := deriveStageCount(e.opts.PollerSize, e.opts.PollerThreadCount)
	sendfileCount := 0
	if e.opts.UseSendfile {
		sendfileCount = deriveStageCount(e.opts.SendfileSize, e.opts.SendfileThreadCount)
	}
	acceptorCount := e.opts.AcceptorThreadCount
	if acceptorCount <= 0 {
		acceptorCount = 1
	}

	if e.opts.Executor == nil {
		capacity := e.opts.MaxThreads
		if capacity <= 0 {
			capacity = 256 // idle-slot holding area; unrelated to the maxThreads bound itself
		}
		e.stack = worker.NewStack(capacity, e.opts.MaxThreads, e.logger.With("component", "stack"))
	}

	e.stopCh = make(chan struct{})

	e.pollers = make([]*poller.Poller, 0, pollerCount)
	for i := 0; i < pollerCount; i++ {
		name := fmt.Sprintf("%s-poller-%d", e.opts.Name, i)
		p, err := poller.New(poller.Config{
			Name:             name,
			Size:             e.opts.PollerSize,
			PollTime:         e.opts.PollTime,
			KeepAliveTimeout: e.opts.KeepAliveTimeout,
			Comet:            false,
			Dispatch:         e.dispatchKeepAlive,
			Logger:           e.logger.With("component", name),
			Metrics:          e.metrics,
		}, e.root, &e.paused)
		if err != nil {
			e.stopAndUnwindLocked()
			return fmt.Errorf("ep: creating poller %s: %w", name, err)
		}
		e.pollers = append(e.pollers, p)
	}

	if e.opts.UseComet {
		e.cometPollers = make([]*poller.Poller, 0, pollerCount)
		for i := 0; i < pollerCount; i++ {
			name := fmt.Sprintf("%s-comet-poller-%d", e.opts.Name, i)
			p, err := poller.New(poller.Config{
				Name:             name,
				Size:             e.opts.PollerSize,
				PollTime:         e.opts.PollTime,
				KeepAliveTimeout: e.opts.KeepAliveTimeout,
				Comet:            true,
				DispatchStatus:   e.dispatchStatus,
				Logger:           e.logger.With("component", name),
				Metrics:          e.metrics,
			}, e.root, &e.paused)
			if err != nil {
				e.stopAndUnwindLocked()
				return fmt.Errorf("ep: creating comet poller %s: %w", name, err)
			}
			e.cometPollers = append(e.cometPollers, p)
		}
	}

	if e.opts.UseSendfile {
		e.sendfiles = make([]*sendfile.Sendfile, 0, sendfileCount)
		for i := 0; i < sendfileCount; i++ {
			name := fmt.Sprintf("%s-sendfile-%d", e.opts.Name, i)
			s, err := sendfile.New(sendfile.Config{
				Name:             name,
				Size:             e.opts.SendfileSize,
				PollTime:         e.opts.PollTime,
				KeepAliveTimeout: e.opts.KeepAliveTimeout,
				SoTimeout:        e.opts.SoTimeout,
				OnKeepAlive: func(fd *netfd.FD) {
					if err := e.registerKeepAlive(fd); err != nil {
						_ = fd.Close()
					}
				},
				Logger:           e.logger.With("component", name),
				Metrics:          e.metrics,
			}, e.root)
			if err != nil {
				e.stopAndUnwindLocked()
				return fmt.Errorf("ep: creating sendfile stage %s: %w", name, err)
			}
			e.sendfiles = append(e.sendfiles, s)
		}
	}

	for _, p := range e.pollers {
		e.wg.Add(1)
		go func(p *poller.Poller) {
			defer e.wg.Done()
			p.Run(e.stopCh)
		}(p)
	}
	for _, p := range e.cometPollers {
		e.wg.Add(1)
		go func(p *poller.Poller) {
			defer e.wg.Done()
			p.Run(e.stopCh)
		}(p)
	}
	for _, s := range e.sendfiles {
		e.wg.Add(1)
		go func(s *sendfile.Sendfile) {
			defer e.wg.Done()
			s.Run(e.stopCh, &e.paused)
		}(s)
	}

	e.running.Store(true)
	for i := 0; i < acceptorCount; i++ {
		e.wg.Add(1)
		go func(n int) {
			defer e.wg.Done()
			e.acceptLoop(fmt.Sprintf("%s-acceptor-%d", e.opts.Name, n))
		}(i)
	}

	e.logger.Info("endpoint started",
		"acceptors", acceptorCount, "pollers", len(e.pollers),
		"comet_pollers", len(e.cometPollers), "sendfiles", len(e.sendfiles))
	return nil
}

// Pause stops dispatching new work: it sets the paused flag and sends the
// wakeup connection so a blocked Accept returns. While paused the Acceptor
// loop sleeps instead of accepting; the wakeup connection itself is closed
// when DeferAccept is set and otherwise dispatched like any other socket.
func (e *Endpoint) Pause() {
	e.paused.Store(true)
	e.unlock()
}

// Resume clears the paused flag.
func (e *Endpoint) Resume() {
	e.paused.Store(false)
}

// Stop halts the Acceptor loop, joins it with a 10-second budget, then
// destroys the Poller, comet Poller, and Sendfile fleets in that order.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	if !e.running.Load() {
		return nil
	}

	e.running.Store(false)
	e.unlock()
	e.stopAndUnwindLocked()

	e.logger.Info("endpoint stopped")
	return nil
}

// stopAndUnwindLocked joins the goroutine set with a 10-second budget and
// tears down stage scopes. Caller must hold e.mu.
func (e *Endpoint) stopAndUnwindLocked() {
	if e.stopCh != nil {
		select {
		case <-e.stopCh:
		default:
			close(e.stopCh)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		e.logger.Error("stage goroutines did not join within budget, forcing listener closed")
		_ = e.listenFD.Close()
		<-done
	}

	for _, p := range e.pollers {
		_ = p.Close()
	}
	for _, p := range e.cometPollers {
		_ = p.Close()
	}
	for _, s := range e.sendfiles {
		_ = s.Close()
	}
	e.pollers = nil
	e.cometPollers = nil
	e.sendfiles = nil
}

// Destroy releases the root resource scope (closing the listener) and
// clears the initialized/failed state so Init can run again.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized && !e.failedInit {
		return nil
	}

	var err error
	if e.root != nil {
		err = e.root.Close()
	}
	e.root = nil
	e.listenFD = nil
	e.stack = nil
	e.initialized = false
	e.failedInit = false
	return err
}

// unlock performs the wakeup protocol: dial the listener over loopback
// and send the fixed OPTIONS request so a blocked Accept() call returns
// immediately. Errors are logged, not returned — this is best-effort.
func (e *Endpoint) unlock() {
	if e.localAddr == nil {
		return
	}
	timeout := e.opts.UnlockTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	conn, err := net.DialTimeout("tcp", e.localAddr.String(), timeout)
	if err != nil {
		e.logger.Debug("unlock dial failed", "error", err)
		return
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	_, _ = conn.Write([]byte("OPTIONS * HTTP/1.0\r\nUser-Agent: tcpep wakeup connection\r\n\r\n"))
	_ = conn.Close()
}

// acceptLoop is the per-goroutine Acceptor body from spec.md §4.2.
func (e *Endpoint) acceptLoop(name string) {
	logger := e.logger.With("component", name)
	for e.running.Load() {
		if e.paused.Load() {
			time.Sleep(time.Second)
			continue
		}

		fd, err := acceptOne(e.listenFD)
		if err != nil {
			if !e.running.Load() {
				return
			}
			logger.Debug("accept error", "error", err)
			continue
		}

		if e.opts.DeferAccept && (e.paused.Load() || !e.running.Load()) {
			_ = fd.Close()
			continue
		}

		e.metrics.ConnectionAccepted()
		e.dispatchWithOptions(fd)
	}
}

// dispatchWithOptions hands a freshly accepted socket to a worker with
// optionsPending set, matching spec.md §4.2's dispatchWithOptions.
func (e *Endpoint) dispatchWithOptions(fd *netfd.FD) {
	if e.opts.Executor != nil {
		e.opts.Executor.Execute(func() { e.processNew(fd) })
		return
	}
	w := e.stack.Acquire(e.spawnWorker)
	w.AssignWithOptions(fd)
}

// dispatchKeepAlive hands a socket whose options were already applied
// (returning from a Poller wakeup) back to a worker.
func (e *Endpoint) dispatchKeepAlive(fd *netfd.FD) {
	if e.opts.Executor != nil {
		e.opts.Executor.Execute(func() { e.processKeepAlive(fd) })
		return
	}
	w := e.stack.Acquire(e.spawnWorker)
	w.Assign(fd)
}

// dispatchStatus delivers a comet-path lifecycle event.
func (e *Endpoint) dispatchStatus(fd *netfd.FD, status worker.SocketStatus) {
	if e.opts.Executor != nil {
		e.opts.Executor.Execute(func() { e.processStatus(fd, status) })
		return
	}
	w := e.stack.Acquire(e.spawnWorker)
	w.AssignStatus(fd, status)
}

func (e *Endpoint) spawnWorker() *worker.Worker {
	e.metrics.WorkerSpawned()
	n := fmt.Sprintf("%s-worker-%d", e.opts.Name, time.Now().UnixNano())
	return worker.New(n, worker.Config{
		SoLinger:         e.opts.SoLinger,
		TCPNoDelay:       e.opts.TCPNoDelay,
		SoTimeout:        e.opts.SoTimeout,
		DeferAccept:      e.opts.DeferAccept,
		TLSConfig:        e.tlsConfig,
		HandshakeTimeout: e.opts.SoTimeout,
	}, e.opts.Handler, e.stack, e.registerKeepAlive, e.logger.With("component", n))
}

// registerKeepAlive re-registers fd for its next readiness wakeup. When
// the comet fleet is enabled, keep-alive sockets are handed to a comet
// Poller so the Handler receives a StatusOpen event instead of a direct
// Process call on wakeup; otherwise a normal Poller dispatches straight
// to a worker, per spec.md §4.4.
func (e *Endpoint) registerKeepAlive(fd *netfd.FD) error {
	if e.opts.UseComet {
		if p := e.nextCometPoller(); p != nil {
			p.Add(fd)
			return nil
		}
	}
	if len(e.pollers) == 0 {
		return errors.New("ep: no pollers configured for keep-alive registration")
	}
	idx := e.pollerNext.Add(1) % uint64(len(e.pollers))
	e.pollers[idx].Add(fd)
	return nil
}

// SubmitSendfile hands a Transfer to the next Sendfile stage in
// round-robin order, giving Handler implementations a way to serve a
// static file range without blocking a worker. filePoolParent should be a
// child scope of the socket's owning scope; Handler implementations that
// do not track per-connection scopes may pass the endpoint's root scope.
func (e *Endpoint) SubmitSendfile(t *sendfile.Transfer, filePoolParent *pool.Scope) (bool, error) {
	s := e.nextSendfile()
	if s == nil {
		return false, errors.New("ep: sendfile is not enabled on this endpoint")
	}
	return s.Add(t, filePoolParent)
}

// RootScope returns the endpoint's root resource scope, for callers that
// need a parent scope (e.g. SubmitSendfile's filePoolParent) but do not
// track their own per-connection scope.
func (e *Endpoint) RootScope() *pool.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root
}

// nextCometPoller returns the next comet Poller in round-robin order.
func (e *Endpoint) nextCometPoller() *poller.Poller {
	if len(e.cometPollers) == 0 {
		return nil
	}
	idx := e.cometNext.Add(1) % uint64(len(e.cometPollers))
	return e.cometPollers[idx]
}

// nextSendfile returns the next Sendfile stage in round-robin order.
func (e *Endpoint) nextSendfile() *sendfile.Sendfile {
	if len(e.sendfiles) == 0 {
		return nil
	}
	idx := e.sendfileNext.Add(1) % uint64(len(e.sendfiles))
	return e.sendfiles[idx]
}

// processNew, processKeepAlive, and processStatus are used only on the
// external-Executor path, where there is no Worker goroutine to carry the
// options-applied/TLS-handshake steps; they inline the same policy
// Worker.handle applies.
func (e *Endpoint) processNew(fd *netfd.FD) {
	ctx := context.Background()
	if !e.applyOptionsAndTLS(fd) {
		_ = fd.Close()
		return
	}
	if !e.opts.DeferAccept {
		e.finish(fd, worker.StateLong)
		return
	}
	state, err := e.opts.Handler.Process(ctx, fd)
	if err != nil {
		e.logger.Debug("handler process error", "error", err)
	}
	e.finish(fd, state)
}

func (e *Endpoint) processKeepAlive(fd *netfd.FD) {
	ctx := context.Background()
	state, err := e.opts.Handler.Process(ctx, fd)
	if err != nil {
		e.logger.Debug("handler process error", "error", err)
	}
	e.finish(fd, state)
}

func (e *Endpoint) processStatus(fd *netfd.FD, status worker.SocketStatus) {
	ctx := context.Background()
	state, err := e.opts.Handler.Event(ctx, fd, status)
	if err != nil {
		e.logger.Debug("handler event error", "error", err)
	}
	if state == worker.StateClosed {
		_ = fd.Close()
	}
}

func (e *Endpoint) finish(fd *netfd.FD, state worker.HandlerSocketState) {
	switch state {
	case worker.StateClosed:
		_ = fd.Close()
	case worker.StateLong:
		if err := e.registerKeepAlive(fd); err != nil {
			e.logger.Debug("keep-alive registration failed", "error", err)
			_ = fd.Close()
		}
	}
}

func (e *Endpoint) applyOptionsAndTLS(fd *netfd.FD) bool {
	if e.opts.SoLinger >= 0 {
		if err := fd.SetLinger(e.opts.SoLinger); err != nil {
			return false
		}
	}
	if e.opts.TCPNoDelay {
		if err := fd.SetNoDelay(true); err != nil {
			return false
		}
	}
	if e.opts.SoTimeout > 0 {
		if err := fd.SetTimeout(e.opts.SoTimeout); err != nil {
			return false
		}
	}
	if e.tlsConfig == nil {
		return true
	}
	ctx := context.Background()
	if e.opts.SoTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.SoTimeout)
		defer cancel()
	}
	tlsConn := tls.Server(fd.Conn(), e.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		e.metrics.TLSHandshakeFailed()
		return false
	}
	e.metrics.TLSHandshakeSucceeded()
	fd.AttachTLS(tlsConn)
	return true
}

// LocalAddr returns the address the listening socket is bound to. Useful
// for tests that bind to ":0".
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localAddr
}
