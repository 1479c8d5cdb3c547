package metrics

// NoopCollector is a no-op implementation of the Collector interface. All
// methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionAccepted is a no-op.
func (n *NoopCollector) ConnectionAccepted() {}

// ConnectionRejected is a no-op.
func (n *NoopCollector) ConnectionRejected(reason string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSHandshakeSucceeded is a no-op.
func (n *NoopCollector) TLSHandshakeSucceeded() {}

// TLSHandshakeFailed is a no-op.
func (n *NoopCollector) TLSHandshakeFailed() {}

// WorkerSpawned is a no-op.
func (n *NoopCollector) WorkerSpawned() {}

// WorkerBusy is a no-op.
func (n *NoopCollector) WorkerBusy(delta int) {}

// KeepAliveSockets is a no-op.
func (n *NoopCollector) KeepAliveSockets(delta int64) {}

// BytesSent is a no-op.
func (n *NoopCollector) BytesSent(n2 int64) {}

// SendfileQueued is a no-op.
func (n *NoopCollector) SendfileQueued() {}

// SendfileCompleted is a no-op.
func (n *NoopCollector) SendfileCompleted() {}
