package poller

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/tcpep/internal/netfd"
	"github.com/infodancer/tcpep/internal/pool"
	"github.com/infodancer/tcpep/internal/worker"
	"golang.org/x/sys/unix"
)

func makePollerPair(t *testing.T) (*netfd.FD, *netfd.FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a := netfd.New(fds[0], nil)
	b := netfd.New(fds[1], nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestPollerDispatchesReadableSocket(t *testing.T) {
	dispatched := make(chan *netfd.FD, 1)
	root := pool.NewRoot()
	defer root.Close()

	p, err := New(Config{
		Name:     "test",
		Size:     16,
		PollTime: 20 * time.Millisecond,
		Dispatch: func(fd *netfd.FD) { dispatched <- fd },
	}, root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := makePollerPair(t)
	stop := make(chan struct{})
	go p.Run(stop)
	defer close(stop)

	p.Add(a)
	time.Sleep(10 * time.Millisecond) // let the add-queue drain
	if _, err := b.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-dispatched:
		if got != a {
			t.Error("dispatched fd did not match the registered one")
		}
	case <-time.After(time.Second):
		t.Fatal("socket was never dispatched as readable")
	}
}

func TestPollerCometDispatchesStatusOpen(t *testing.T) {
	type event struct {
		fd     *netfd.FD
		status worker.SocketStatus
	}
	events := make(chan event, 1)
	root := pool.NewRoot()
	defer root.Close()

	p, err := New(Config{
		Name:           "comet",
		Size:           16,
		PollTime:       20 * time.Millisecond,
		Comet:          true,
		DispatchStatus: func(fd *netfd.FD, status worker.SocketStatus) { events <- event{fd, status} },
	}, root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := makePollerPair(t)
	stop := make(chan struct{})
	go p.Run(stop)
	defer close(stop)

	p.Add(a)
	time.Sleep(10 * time.Millisecond)
	if _, err := b.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-events:
		if got.fd != a || got.status != worker.StatusOpen {
			t.Errorf("got %+v, want fd=a status=StatusOpen", got)
		}
	case <-time.After(time.Second):
		t.Fatal("comet status event never arrived")
	}
}

func TestPollerAddOverflowClosesSocketNormalFleet(t *testing.T) {
	root := pool.NewRoot()
	defer root.Close()

	p, err := New(Config{
		Name:     "overflow",
		Size:     0,
		PollTime: 20 * time.Millisecond,
		Dispatch: func(fd *netfd.FD) {},
	}, root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, _ := makePollerPair(t)
	p.Add(a)

	if !a.Closed() {
		t.Error("socket should have been closed on add-queue overflow")
	}
}

func TestPollerAddOverflowReportsStatusErrorCometFleet(t *testing.T) {
	type event struct {
		fd     *netfd.FD
		status worker.SocketStatus
	}
	events := make(chan event, 1)
	root := pool.NewRoot()
	defer root.Close()

	p, err := New(Config{
		Name:           "overflow-comet",
		Size:           0,
		PollTime:       20 * time.Millisecond,
		Comet:          true,
		DispatchStatus: func(fd *netfd.FD, status worker.SocketStatus) { events <- event{fd, status} },
	}, root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, _ := makePollerPair(t)
	p.Add(a)

	select {
	case got := <-events:
		if got.status != worker.StatusError {
			t.Errorf("status = %v, want StatusError", got.status)
		}
	case <-time.After(time.Second):
		t.Fatal("overflow status event never arrived")
	}
}

func TestPollerPausedSkipsDispatch(t *testing.T) {
	dispatched := make(chan *netfd.FD, 1)
	root := pool.NewRoot()
	defer root.Close()

	var paused atomic.Bool
	paused.Store(true)

	p, err := New(Config{
		Name:     "paused",
		Size:     16,
		PollTime: 20 * time.Millisecond,
		Dispatch: func(fd *netfd.FD) { dispatched <- fd },
	}, root, &paused)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := makePollerPair(t)
	stop := make(chan struct{})
	go p.Run(stop)
	defer close(stop)

	p.Add(a)
	if _, err := b.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-dispatched:
		t.Fatal("paused poller should not dispatch readable sockets")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollerCloseClosesQueuedSockets(t *testing.T) {
	root := pool.NewRoot()
	defer root.Close()

	p, err := New(Config{
		Name:     "close",
		Size:     16,
		PollTime: 20 * time.Millisecond,
		Dispatch: func(fd *netfd.FD) {},
	}, root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := makePollerPair(t)
	p.Add(a)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.Closed() {
		t.Error("queued socket was not closed by Close")
	}
}
