package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
)

// SendPolicy selects what Send does while the connection is down.
type SendPolicy int

const (
	// BestEffort retries a bounded number of times with a delay, then drops.
	BestEffort SendPolicy = iota
	// NoRetry tries once.
	NoRetry
)

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
	evPayload
)

// event is what the connection context hands to the render context.
type event struct {
	kind    eventKind
	msg     *protocol.Message
	payload []byte
}

type outbound struct {
	data []byte
	done chan error
}

// session is one live websocket. out is served only by that socket's writer.
type session struct {
	out  chan outbound
	done chan struct{}
}

// Client owns the coordinator websocket: dialing, reconnect with backoff,
// keep-alive pings and the single writer. It never touches the filesystem.
type Client struct {
	cfg    Config
	log    *logging.Logger
	dialer websocket.Dialer

	events chan event

	mu   sync.Mutex
	sess *session

	connected atomic.Bool
}

// NewClient creates a Client. Call Run to connect.
func NewClient(cfg Config, log *logging.Logger) *Client {
	return &Client{
		cfg:    cfg,
		log:    log.WithComponent("connection"),
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events: make(chan event, 64),
	}
}

// Events delivers inbound messages and connection changes.
func (c *Client) Events() <-chan event { return c.events }

// Connected reports whether a websocket is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// wsURL converts the coordinator base URL into the worker websocket URL.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/worker"
	return u.String(), nil
}

// Run keeps a connection up until ctx is done. It returns early only when the
// coordinator rejects the worker outright.
func (c *Client) Run(ctx context.Context) error {
	target, err := wsURL(c.cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	backoff := time.Second
	for {
		ws, err := c.dial(ctx, target)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrRejected), errors.Is(err, ErrVersionRejected):
			return err
		case err != nil:
			c.log.Warn("connect failed", "error", err, "retry_in", backoff.String())
		default:
			backoff = time.Second
			c.log.Info("connected to coordinator", "url", target)
			if err := c.serve(ctx, ws); err != nil && ctx.Err() == nil {
				c.log.Warn("connection lost", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.Token)
	headers.Set(dispatch.HeaderVersion, c.cfg.Version)
	headers.Set(dispatch.HeaderNodeName, c.cfg.NodeName)

	ws, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			case http.StatusUpgradeRequired:
				return nil, ErrVersionRejected
			}
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return ws, nil
}

// serve runs one connection. The calling goroutine is the only writer.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	c.emit(ctx, event{kind: evConnected})
	sess := &session{out: make(chan outbound), done: make(chan struct{})}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.connected.Store(true)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, ws) }()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker shutting down"),
				time.Now().Add(time.Second))
			break loop
		case err = <-readErr:
			readErr <- err
			break loop
		case o := <-sess.out:
			_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.PingInterval))
			werr := ws.WriteMessage(websocket.TextMessage, o.data)
			o.done <- werr
			if werr != nil {
				err = werr
				break loop
			}
		case <-ping.C:
			if perr := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); perr != nil {
				err = perr
				break loop
			}
		}
	}

	_ = ws.Close()
	<-readErr
	c.connected.Store(false)
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	close(sess.done)
	c.emit(ctx, event{kind: evDisconnected})
	return err
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	deadline := 3 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		switch kind {
		case websocket.BinaryMessage:
			c.emit(ctx, event{kind: evPayload, payload: data})
		case websocket.TextMessage:
			msg, err := protocol.UnmarshalMessage(data)
			if err != nil {
				c.log.Debug("ignoring malformed message", "error", err)
				continue
			}
			c.emit(ctx, event{kind: evMessage, msg: msg})
		}
	}
}

func (c *Client) emit(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Send writes msg to the coordinator under policy.
func (c *Client) Send(ctx context.Context, msg *protocol.Message, policy SendPolicy) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	attempts := 1
	if policy == BestEffort {
		attempts += c.cfg.SendRetries
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.SendRetryDelay):
			}
		}
		err = c.write(ctx, data)
		if !errors.Is(err, ErrNotConnected) {
			return err
		}
	}
	if policy == BestEffort {
		c.log.Debug("dropping message", "type", msg.Type)
		return ErrDropped
	}
	return err
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	o := outbound{data: data, done: make(chan error, 1)}
	select {
	case sess.out <- o:
	case <-sess.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
