package mux

import (
	"fmt"
	"net/http"
	"sync"
)

// SSEConn adapts an HTTP response into a chunked event-stream connection.
// The HTTP handler must keep its goroutine alive until Done fires; closing
// the connection just signals that goroutine to return.
type SSEConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool

	done chan struct{}
	once sync.Once
}

// NewSSEConn prepares a response writer for event streaming. Nothing is
// written until the first event or ping, so a rejected attach can still send
// a plain error response. Fails when the underlying transport cannot flush
// incrementally.
func NewSSEConn(w http.ResponseWriter) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &SSEConn{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (c *SSEConn) startLocked() {
	if c.started {
		return
	}
	c.started = true
	c.w.Header().Set("Content-Type", "text/event-stream")
	c.w.Header().Set("Cache-Control", "no-cache")
	c.w.Header().Set("Connection", "keep-alive")
	c.w.WriteHeader(http.StatusOK)
}

// Done fires once the connection is closed.
func (c *SSEConn) Done() <-chan struct{} {
	return c.done
}

func (c *SSEConn) WriteEvent(name string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Ping writes an unnamed comment line, the stream-level keep-alive.
func (c *SSEConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
	if _, err := fmt.Fprint(c.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
