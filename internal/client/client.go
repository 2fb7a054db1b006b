// Package client puts the client side together: one persistent socket, the
// store it feeds, the one-shot API and the syncer driving them.
package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"clubchat/internal/restclient"
	"clubchat/internal/socket"
	"clubchat/internal/store"
	"clubchat/internal/syncer"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const resyncTimeout = 10 * time.Second

type Config struct {
	// BaseURL is the http(s) address of the backend, the websocket address
	// is derived from it.
	BaseURL string
	Token   string
	UserID  string

	RetryInterval  time.Duration
	RequestTimeout time.Duration

	Navigator syncer.Navigator
	Notifier  syncer.Notifier

	Logger *zap.SugaredLogger
	Dialer *websocket.Dialer
}

type Client struct {
	Store  *store.Store
	API    *restclient.Client
	Syncer *syncer.Syncer

	sugar  *zap.SugaredLogger
	socket *socket.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect dials the backend and starts reading. Every redial is followed by
// a resync, envelopes broadcast while the connection was down never arrive.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Store:  store.New(),
		API:    restclient.New(cfg.BaseURL, cfg.Token, restclient.WithLogger(cfg.Logger)),
		sugar:  cfg.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	sock, err := socket.Dial(ctx, socket.Config{
		URL:           websocketURL(cfg.BaseURL),
		Header:        http.Header{"Authorization": {"Bearer " + cfg.Token}},
		RetryInterval: cfg.RetryInterval,
		OnReconnect:   func() { c.resync(runCtx) },
		Logger:        cfg.Logger,
		Dialer:        cfg.Dialer,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.socket = sock

	c.Syncer = syncer.New(syncer.Config{
		Conn:           sock,
		Store:          c.Store,
		API:            c.API,
		Navigator:      cfg.Navigator,
		Notifier:       cfg.Notifier,
		UserID:         cfg.UserID,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         cfg.Logger,
	})

	go func() {
		defer close(c.done)
		if err := sock.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.sugar.Warnf("Connection stopped: %v", err)
		}
	}()
	return c, nil
}

func (c *Client) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	if err := c.Syncer.Resync(ctx); err != nil {
		c.sugar.Error(err)
		return
	}
	c.sugar.Debug("Resynced after reconnecting")
}

// Close stops the read loop and waits for it to return.
func (c *Client) Close() error {
	c.cancel()
	err := c.socket.Close()
	<-c.done
	return err
}

func websocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(strings.TrimSuffix(baseURL, "/"), "http") + "/ws"
}
