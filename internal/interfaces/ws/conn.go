package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/broadcast"
)

var (
	errQueueFull  = errors.New("send queue full")
	errConnClosed = errors.New("connection closed")
)

// ConnectionResult is what the reader goroutine hands to the receive loop:
// a data frame, a close from the peer, or a read error.
type ConnectionResult struct {
	Data   []byte
	Closed bool
	Code   int
	Reason string
	Err    error
}

// conn is the broadcast.Transport of one client. Send only enqueues; a
// single writer goroutine owns every write to the socket.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	writeWait time.Duration

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	done chan struct{}
}

func newConn(ws *websocket.Conn, queue int, writeWait time.Duration) *conn {
	return &conn{
		ws:        ws,
		send:      make(chan []byte, queue),
		writeWait: writeWait,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *conn) Send(msg []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// Close asks the writer to send a close frame and drop the socket.
func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
	return nil
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closing:
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(c.writeWait))
			}
			return
		}
	}
}

// readLoop feeds results until the socket fails or the conn is closed;
// the channel is then closed.
func (c *conn) readLoop(out chan<- ConnectionResult) {
	defer close(out)
	emit := func(r ConnectionResult) bool {
		select {
		case out <- r:
			return true
		case <-c.closing:
			return false
		}
	}
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				emit(ConnectionResult{Closed: true, Code: ce.Code, Reason: ce.Text})
			} else {
				emit(ConnectionResult{Err: err})
			}
			return
		}
		if !emit(ConnectionResult{Data: b}) {
			return
		}
	}
}

var _ broadcast.Transport = (*conn)(nil)
