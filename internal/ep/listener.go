package ep

import (
	"fmt"
	"net"
	"strings"

	"github.com/infodancer/tcpep/internal/netfd"
	"golang.org/x/sys/unix"
)

// listen builds a raw listening socket for address, honoring backlog
// exactly (net.ListenTCP has no backlog knob on Linux; tcpep builds the
// socket itself via unix.Socket/Bind/Listen to keep the configured value
// meaningful). address resolution follows spec.md §4.1 step 1: dual-stack
// when address is empty or contains a colon, IPv4-only otherwise.
func listen(address string, backlog int) (*netfd.FD, net.Addr, error) {
	network := "tcp4"
	if address == "" || strings.Contains(address, ":") {
		network = "tcp"
	}

	resolved, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving listen address %q: %w", address, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := resolved.IP.To4(); ip4 != nil {
		addr4 := unix.SockaddrInet4{Port: resolved.Port}
		copy(addr4.Addr[:], ip4)
		sa = &addr4
	} else {
		domain = unix.AF_INET6
		addr6 := unix.SockaddrInet6{Port: resolved.Port}
		copy(addr6.Addr[:], resolved.IP.To16())
		sa = &addr6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, nil, fmt.Errorf("socket: %w", err)
	}

	lfd := netfd.New(fd, nil)
	if err := lfd.SetReuseAddr(); err != nil {
		_ = lfd.Close()
		return nil, nil, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := lfd.SetKeepAlive(true); err != nil {
		_ = lfd.Close()
		return nil, nil, fmt.Errorf("SO_KEEPALIVE: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = lfd.Close()
		return nil, nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = lfd.Close()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}

	localSA, err := unix.Getsockname(fd)
	if err != nil {
		_ = lfd.Close()
		return nil, nil, fmt.Errorf("getsockname: %w", err)
	}

	return lfd, sockaddrToTCPAddr(localSA), nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}

// acceptOne accepts a single connection off the listening socket,
// returning the wrapped *netfd.FD and its remote address.
func acceptOne(listenFD *netfd.FD) (*netfd.FD, error) {
	nfd, sa, err := unix.Accept(listenFD.Sys())
	if err != nil {
		return nil, err
	}
	return netfd.New(nfd, sockaddrToTCPAddr(sa)), nil
}
