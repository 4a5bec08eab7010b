package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replaycast/replaycast/internal/protocol"
)

type outbound struct {
	kind int
	data []byte
	// done, when set, receives the write result
	done chan error
}

// Conn serializes writes to one websocket through a bounded queue. The read
// loop runs in the handler goroutine; only writeLoop touches the socket for writes.
type Conn struct {
	ws           *websocket.Conn
	send         chan outbound
	closed       chan struct{}
	closeOnce    sync.Once
	sendTimeout  time.Duration
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	c := &Conn{
		ws:           ws,
		send:         make(chan outbound, cfg.SendQueueSize),
		closed:       make(chan struct{}),
		sendTimeout:  cfg.SendTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.ws.WriteMessage(out.kind, out.data)
			if out.done != nil {
				out.done <- err
			}
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) enqueue(out outbound) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- out:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Send queues a text message. It blocks while the queue is full, up to the
// send timeout.
func (c *Conn) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

// SendBinary queues a binary frame and waits until it has been written.
func (c *Conn) SendBinary(data []byte) error {
	done := make(chan error, 1)
	if err := c.enqueue(outbound{kind: websocket.BinaryMessage, data: data, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }
