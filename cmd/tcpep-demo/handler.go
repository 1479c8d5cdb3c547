package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/infodancer/tcpep/internal/netfd"
	"github.com/infodancer/tcpep/internal/worker"
)

// echoHandler is a trivial worker.Handler: it reads one line and writes it
// back, leaving the connection open for keep-alive reuse. It exists to
// give the Endpoint something to drive in cmd/tcpep-demo; real deployments
// supply their own Handler.
type echoHandler struct {
	logger *slog.Logger
}

func newEchoHandler(logger *slog.Logger) *echoHandler {
	return &echoHandler{logger: logger}
}

func (h *echoHandler) Process(ctx context.Context, fd *netfd.FD) (worker.HandlerSocketState, error) {
	r := bufio.NewReader(fd.Conn())
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return worker.StateClosed, nil
		}
		return worker.StateClosed, err
	}

	if _, err := fd.Write([]byte(line)); err != nil {
		return worker.StateClosed, err
	}

	return worker.StateLong, nil
}

func (h *echoHandler) Event(ctx context.Context, fd *netfd.FD, status worker.SocketStatus) (worker.HandlerSocketState, error) {
	h.logger.Debug("socket event", "status", status.String(), "remote", fd.RemoteAddr())
	if status == worker.StatusTimeout || status == worker.StatusDisconnect || status == worker.StatusError {
		return worker.StateClosed, nil
	}
	return worker.StateOpen, nil
}
