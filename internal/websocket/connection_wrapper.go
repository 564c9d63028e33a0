package websocket

import (
	"github.com/gorilla/websocket"
)

// connectionWrapper adapts a gorilla connection to Connection. Everything
// except RemoteAddr is promoted from the embedded conn.
type connectionWrapper struct {
	*websocket.Conn
}

// NewConnectionWrapper wraps conn
func NewConnectionWrapper(conn *websocket.Conn) Connection {
	return connectionWrapper{Conn: conn}
}

// RemoteAddr returns the peer address as a string
func (c connectionWrapper) RemoteAddr() string {
	if addr := c.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
