package mux

// Conn is one downstream consumer endpoint. The broadcaster only ever talks
// to this interface; the concrete transport (chunked HTTP stream, websocket)
// is an adapter. Each connection is written to by a single goroutine, so
// implementations do not need to be concurrency-safe across writers.
type Conn interface {
	// WriteEvent delivers one named event. An error means the peer is gone.
	WriteEvent(name string, payload []byte) error
	// Ping sends a transport-level keep-alive.
	Ping() error
	// Close releases the connection. Must be idempotent.
	Close() error
}
