// Package socket is the client end of the persistent websocket connection.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clubchat/internal/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("socket is closed")

type Config struct {
	URL    string
	Header http.Header

	// RetryInterval is the pause between redial attempts after the connection
	// drops. Zero disables reconnecting.
	RetryInterval time.Duration

	// OnReconnect runs on the reading goroutine after a successful redial.
	OnReconnect func()

	Logger *zap.SugaredLogger
	Dialer *websocket.Dialer
}

type Client struct {
	cfg   Config
	sugar *zap.SugaredLogger

	handlersMutex sync.RWMutex
	handlers      map[events.Kind]events.Handler

	connMutex  sync.Mutex
	writeMutex sync.Mutex
	conn       *websocket.Conn
	closed     bool
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		cfg:      cfg,
		sugar:    cfg.Logger,
		handlers: make(map[events.Kind]events.Handler),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// On registers the handler for kind, replacing any previous one.
func (c *Client) On(kind events.Kind, h events.Handler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()

	c.handlers[kind] = h
}

func (c *Client) Off(kind events.Kind) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()

	delete(c.handlers, kind)
}

func (c *Client) handler(kind events.Kind) (events.Handler, bool) {
	c.handlersMutex.RLock()
	defer c.handlersMutex.RUnlock()

	h, ok := c.handlers[kind]
	return h, ok
}

func (c *Client) Emit(ctx context.Context, env events.Envelope) error {
	c.connMutex.Lock()
	conn := c.conn
	closed := c.closed
	c.connMutex.Unlock()

	if closed || conn == nil {
		return ErrClosed
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Kind, err)
	}

	c.sugar.Debugf("Emitted %s for channel [%s] request [%s]", env.Kind, env.ChannelID, env.RequestID)
	return nil
}

// Run reads envelopes until ctx is done or Close is called and hands each one
// to the handler registered for its kind. Handlers run one at a time on this
// goroutine in arrival order.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.connMutex.Lock()
		defer c.connMutex.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
	})
	defer stop()

	for {
		c.connMutex.Lock()
		conn := c.conn
		c.connMutex.Unlock()

		err := c.readLoop(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		c.sugar.Warnf("Connection to %s lost: %v", c.cfg.URL, err)

		if c.cfg.RetryInterval <= 0 {
			return err
		}
		if err := c.redial(ctx); err != nil {
			return err
		}
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sugar.Debugf("Dropping malformed frame: %v", err)
			continue
		}

		h, ok := c.handler(env.Kind)
		if !ok {
			c.sugar.Debugf("No handler for %s, dropping", env.Kind)
			continue
		}
		h(env)
	}
}

func (c *Client) redial(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if c.isClosed() {
			return ErrClosed
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.sugar.Debugf("Redial failed: %v", err)
			continue
		}

		c.connMutex.Lock()
		if c.closed {
			c.connMutex.Unlock()
			conn.Close()
			return ErrClosed
		}
		c.conn = conn
		c.connMutex.Unlock()

		c.sugar.Infof("Reconnected to %s", c.cfg.URL)
		return nil
	}
}

func (c *Client) isClosed() bool {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	return c.closed
}

func (c *Client) Close() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}

	c.writeMutex.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMutex.Unlock()

	return c.conn.Close()
}
