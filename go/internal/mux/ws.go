package mux

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsEnvelope is the websocket wire frame, mirroring the SSE event shape.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSConn adapts a gorilla websocket connection to the broadcaster's
// connection contract.
type WSConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

// NewWSConn wraps an upgraded websocket connection. writeWait bounds each
// write; zero means 10s.
func NewWSConn(conn *websocket.Conn, writeWait time.Duration) *WSConn {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &WSConn{conn: conn, writeWait: writeWait}
}

func (c *WSConn) WriteEvent(name string, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(wsEnvelope{Event: name, Data: rawJSON(payload)})
}

func (c *WSConn) Ping() error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *WSConn) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// rawJSON keeps an already-encoded payload from being double-escaped.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
