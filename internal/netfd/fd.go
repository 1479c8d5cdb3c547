// Package netfd wraps a raw native socket descriptor the way the endpoint's
// stages pass it around: as a single opaque handle that is owned by exactly
// one stage at a time and transferred by handing off the pointer, never by
// copying the underlying descriptor.
package netfd

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations attempted on an already-closed FD.
var ErrClosed = errors.New("netfd: use of closed socket")

// tlsConn is the minimal surface of *tls.Conn that FD delegates to once a
// handshake has been attached. Declared as an interface so this package
// does not need to import crypto/tls.
type tlsConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// FD is a native socket descriptor. The zero value is not usable; construct
// with New. An FD is safe to Close from any goroutine; a second Close is a
// no-op rather than a double-close panic, since nothing here plays the role
// of the memory-pool that would otherwise own this guarantee.
//
// Once a TLS handshake completes, AttachTLS makes subsequent Read/Write
// calls transparently encrypted — mirroring the native model where a TLS
// context is attached directly to the socket handle and the rest of the
// pipeline keeps using the same opaque handle.
type FD struct {
	fd     int
	raddr  net.Addr
	closed atomic.Bool
	tls    atomic.Pointer[tlsConn]
}

// AttachTLS makes subsequent Read/Write calls go through conn instead of
// the raw descriptor.
func (f *FD) AttachTLS(conn tlsConn) {
	f.tls.Store(&conn)
}

// IsTLS reports whether AttachTLS has run.
func (f *FD) IsTLS() bool {
	return f.tls.Load() != nil
}

// New wraps an already-connected or already-accepted descriptor.
func New(fd int, raddr net.Addr) *FD {
	return &FD{fd: fd, raddr: raddr}
}

// Sys returns the underlying descriptor for direct syscall use. Callers must
// not close it directly; use Close so double-close stays safe.
func (f *FD) Sys() int { return f.fd }

// RemoteAddr returns the peer address captured at accept/dial time.
func (f *FD) RemoteAddr() net.Addr { return f.raddr }

// Closed reports whether Close has already run.
func (f *FD) Closed() bool { return f.closed.Load() }

// Close releases the descriptor. Safe to call more than once.
func (f *FD) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}

// SetNonblock toggles O_NONBLOCK, used by Sendfile to run its in-line
// sendfile loop and to restore blocking mode when a transfer completes.
func (f *FD) SetNonblock(nonblocking bool) error {
	if f.closed.Load() {
		return ErrClosed
	}
	return unix.SetNonblock(f.fd, nonblocking)
}

// SetReuseAddr sets SO_REUSEADDR, applied before bind on Unix per the
// endpoint's init sequence.
func (f *FD) SetReuseAddr() error {
	return unix.SetsockoptInt(f.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetKeepAlive sets SO_KEEPALIVE, applied unconditionally at init.
func (f *FD) SetKeepAlive(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(f.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

// SetLinger sets SO_LINGER. A negative seconds value means "leave the
// platform default alone" and is a no-op, matching soLinger<0 in the spec.
func (f *FD) SetLinger(seconds int) error {
	if seconds < 0 {
		return nil
	}
	return unix.SetsockoptLinger(f.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
		Onoff:  1,
		Linger: int32(seconds),
	})
}

// SetNoDelay toggles TCP_NODELAY.
func (f *FD) SetNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(f.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetTimeout sets SO_RCVTIMEO and SO_SNDTIMEO. d<=0 disables both (no
// timeout), mirroring soTimeout<=0 in the spec.
func (f *FD) SetTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(int64(d))
	if d <= 0 {
		tv = unix.Timeval{}
	}
	if err := unix.SetsockoptTimeval(f.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	if err := unix.SetsockoptTimeval(f.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("SO_SNDTIMEO: %w", err)
	}
	return nil
}

// SetDeferAccept attempts TCP_DEFER_ACCEPT. Returns (false, nil) when the
// platform rejects the option as unimplemented, per the spec's
// "clear deferAccept silently" instruction; any other error is returned.
func (f *FD) SetDeferAccept(seconds int) (applied bool, err error) {
	err = unix.SetsockoptInt(f.fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, seconds)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.ENOPROTOOPT) || errors.Is(err, unix.EINVAL) {
		return false, nil
	}
	return false, err
}

// Read performs a blocking read on the descriptor, transparently decrypting
// through the attached TLS connection once AttachTLS has run.
func (f *FD) Read(b []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	if p := f.tls.Load(); p != nil {
		return (*p).Read(b)
	}
	n, err := unix.Read(f.fd, b)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, net.ErrClosed
	}
	return n, nil
}

// Write performs a blocking write on the descriptor, looping over partial
// writes, transparently encrypting through the attached TLS connection
// once AttachTLS has run.
func (f *FD) Write(b []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	if p := f.tls.Load(); p != nil {
		return (*p).Write(b)
	}
	total := 0
	for total < len(b) {
		n, err := unix.Write(f.fd, b[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// Conn adapts the FD to net.Conn so crypto/tls (and any Handler written
// against the standard library) can use it directly. The adapter assumes
// the descriptor is in blocking mode.
func (f *FD) Conn() net.Conn { return &conn{fd: f} }

type conn struct{ fd *FD }

func (c *conn) Read(b []byte) (int, error)  { return c.fd.Read(b) }
func (c *conn) Write(b []byte) (int, error) { return c.fd.Write(b) }
func (c *conn) Close() error                { return c.fd.Close() }
func (c *conn) LocalAddr() net.Addr         { return nil }
func (c *conn) RemoteAddr() net.Addr        { return c.fd.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.fd.SetTimeout(timeUntil(t))
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.fd.SetTimeout(timeUntil(t))
}

func timeUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Until(t)
}
