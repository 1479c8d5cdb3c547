package pollset

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func makeSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitTimesOutWithNoActivity(t *testing.T) {
	ps, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, _ := makeSocketPair(t)
	if err := ps.Add(int32(a), EventReadable, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	buf := make([]unix.EpollEvent, 4)
	_, err = ps.Wait(10*time.Millisecond, buf)
	if err != ErrTimeout {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
}

func TestWaitReportsReadable(t *testing.T) {
	ps, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, b := makeSocketPair(t)
	if err := ps.Add(int32(a), EventReadable, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]unix.EpollEvent, 4)
	n, err := ps.Wait(time.Second, buf)
	if err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Wait n = %d, want 1", n)
	}
	if buf[0].Fd != int32(a) {
		t.Errorf("ready fd = %d, want %d", buf[0].Fd, a)
	}
	if buf[0].Events&EventReadable == 0 {
		t.Errorf("events = %x, want EPOLLIN set", buf[0].Events)
	}
}

func TestAddRespectsCapacity(t *testing.T) {
	ps, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, _ := makeSocketPair(t)
	c, _ := makeSocketPair(t)

	if err := ps.Add(int32(a), EventReadable, 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := ps.Add(int32(c), EventReadable, 0); err != ErrFull {
		t.Fatalf("second Add error = %v, want ErrFull", err)
	}
}

func TestRemoveThenLenZero(t *testing.T) {
	ps, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, _ := makeSocketPair(t)
	if err := ps.Add(int32(a), EventReadable, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := ps.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	ps.Remove(int32(a))
	if got := ps.Len(); got != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", got)
	}

	// Removing an already-removed fd is a no-op, not a panic.
	ps.Remove(int32(a))
}

func TestMaintainExpiresStaleEntries(t *testing.T) {
	ps, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, _ := makeSocketPair(t)
	if err := ps.Add(int32(a), EventReadable, 10*time.Millisecond); err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	expired := ps.Maintain(time.Now())
	if len(expired) != 1 || expired[0] != int32(a) {
		t.Fatalf("Maintain() = %v, want [%d]", expired, a)
	}
	if got := ps.Len(); got != 0 {
		t.Errorf("Len() after Maintain = %d, want 0", got)
	}
}

func TestMaintainKeepsEntriesWithoutTimeout(t *testing.T) {
	ps, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ps.Close()

	a, _ := makeSocketPair(t)
	if err := ps.Add(int32(a), EventReadable, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	expired := ps.Maintain(time.Now())
	if len(expired) != 0 {
		t.Fatalf("Maintain() = %v, want none expired (zero timeout means no expiry)", expired)
	}
}
