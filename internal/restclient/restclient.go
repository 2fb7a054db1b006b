// Package restclient performs the one-shot request/response actions against
// the backend. These never go over the persistent connection.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clubchat/internal/events"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	sugar   *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(sugar *zap.SugaredLogger) Option {
	return func(c *Client) { c.sugar = sugar }
}

func New(baseURL string, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		sugar:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchChannels(ctx context.Context) (events.Result, error) {
	return c.do(ctx, http.MethodGet, "/api/channel/fetch", nil, nil)
}

func (c *Client) FetchChat(ctx context.Context, channelID string) (events.Result, error) {
	return c.do(ctx, http.MethodGet, "/api/chat/fetch", url.Values{"channelID": {channelID}}, nil)
}

func (c *Client) CreateChannel(ctx context.Context, req events.CreateChannelRequest) (events.Result, error) {
	return c.do(ctx, http.MethodPost, "/api/channel/create", nil, req)
}

func (c *Client) DeleteChannel(ctx context.Context, channelID string) (events.Result, error) {
	return c.do(ctx, http.MethodPost, "/api/channel/delete", url.Values{"channelID": {channelID}}, nil)
}

func (c *Client) ReportMessage(ctx context.Context, channelID string, messageID string, reason string) (events.Result, error) {
	return c.do(ctx, http.MethodPost, "/api/chat/report", nil, events.ReportRequest{
		ChannelID: channelID,
		MessageID: messageID,
		Reason:    reason,
	})
}

// do returns the decoded Result for any response carrying one, including
// success:false answers with a 4xx status. Only transport failures and
// bodies that aren't a Result are errors.
func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any) (events.Result, error) {
	var result events.Result

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return result, fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return result, fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.sugar.Debugf("%s %s", method, endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		return result, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return result, fmt.Errorf("read %s response: %w", path, err)
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return result, nil
}
