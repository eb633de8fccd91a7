package server

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 20
	closeGraceWait = time.Second
)

// wsConn adapts a websocket connection to session.Conn. Reads and writes
// each come from a single goroutine; Close may be called from any.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}
}

// ReadText returns the next text frame. Binary frames are skipped. A normal
// close from the peer is reported as io.EOF.
func (c *wsConn) ReadText() (string, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", errors.Wrap(err, "websocket read")
		}
		if typ == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) WriteText(frame string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "websocket write deadline")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

// Close sends a close frame on a best-effort basis and releases the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceWait))
	return c.conn.Close()
}
