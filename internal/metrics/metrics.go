// Package metrics provides interfaces and implementations for collecting
// endpoint-level metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording endpoint metrics. Stage
// implementations (Acceptor, Poller, Sendfile, Worker) hold a Collector and
// call it directly rather than reaching for package-level counters, so a
// test can substitute NoopCollector or a fake without touching a global
// registry.
type Collector interface {
	// Connection lifecycle
	ConnectionAccepted()
	ConnectionRejected(reason string)
	ConnectionClosed()

	// TLS handshake outcomes
	TLSHandshakeSucceeded()
	TLSHandshakeFailed()

	// Worker pool occupancy
	WorkerSpawned()
	WorkerBusy(delta int)

	// Poller keep-alive bookkeeping; delta may be negative.
	KeepAliveSockets(delta int64)

	// Sendfile throughput
	BytesSent(n int64)
	SendfileQueued()
	SendfileCompleted()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
