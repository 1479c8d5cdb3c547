// Package worker implements the endpoint's Worker/WorkerStack pair: a
// bounded LIFO of long-lived goroutines that apply socket options and TLS
// handshakes, invoke the Handler, and recycle themselves.
package worker

import (
	"context"

	"github.com/infodancer/tcpep/internal/netfd"
)

// SocketStatus is the tagged status an event carries on the comet path.
type SocketStatus int

const (
	StatusOpen SocketStatus = iota
	StatusStop
	StatusTimeout
	StatusDisconnect
	StatusError
)

func (s SocketStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusStop:
		return "STOP"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusDisconnect:
		return "DISCONNECT"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HandlerSocketState is the tagged result a Handler returns.
type HandlerSocketState int

const (
	// StateOpen: done for now; caller may close or leave it as-is per contract.
	StateOpen HandlerSocketState = iota
	// StateClosed: caller must close the socket.
	StateClosed
	// StateLong: caller must re-register the socket with a Poller for keep-alive.
	StateLong
)

func (s HandlerSocketState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateLong:
		return "LONG"
	default:
		return "UNKNOWN"
	}
}

// Handler is the pluggable request processor. It is the endpoint's only
// required external collaborator.
type Handler interface {
	// Process handles one ready socket, fresh or keep-alive.
	Process(ctx context.Context, fd *netfd.FD) (HandlerSocketState, error)
	// Event delivers a lifecycle status on the comet path.
	Event(ctx context.Context, fd *netfd.FD, status SocketStatus) (HandlerSocketState, error)
}

// Executor is the externally supplied dispatcher contract. When set, it
// replaces the internal Stack/Pool entirely.
type Executor interface {
	Execute(task func())
}
