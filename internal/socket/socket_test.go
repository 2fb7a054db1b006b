package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"clubchat/internal/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 3 * time.Second

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.accepted.Add(1)
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func receive(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an envelope")
		return events.Envelope{}
	}
}

func TestDispatchByKind(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, Config{URL: ts.wsURL(), Logger: zaptest.NewLogger(t).Sugar()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := ts.next(t)

	updated := make(chan events.Envelope, 4)
	left := make(chan events.Envelope, 4)
	client.On(events.ChannelUpdated, func(env events.Envelope) { updated <- env })
	client.On(events.ChannelLeft, func(env events.Envelope) { left <- env })

	go client.Run(ctx)

	send := func(env events.Envelope) {
		if err := server.WriteJSON(env); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	send(events.Envelope{Kind: events.ChannelLeft, ChannelID: "A"})
	if err := server.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	send(events.Envelope{Kind: events.ChannelUpdated, RequestID: "r1"})

	if env := receive(t, left); env.ChannelID != "A" {
		t.Errorf("ChannelID = %q, want A", env.ChannelID)
	}
	if env := receive(t, updated); env.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", env.RequestID)
	}

	client.Off(events.ChannelLeft)
	send(events.Envelope{Kind: events.ChannelLeft, ChannelID: "B"})
	send(events.Envelope{Kind: events.ChannelUpdated, RequestID: "r2"})

	// frames are handled in order, so r2 arriving means B was already dropped
	if env := receive(t, updated); env.RequestID != "r2" {
		t.Errorf("RequestID = %q, want r2", env.RequestID)
	}
	select {
	case env := <-left:
		t.Errorf("deregistered handler fired for %+v", env)
	default:
	}
}

func TestEmit(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	client, err := Dial(ctx, Config{URL: ts.wsURL()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := ts.next(t)

	env, err := events.New(events.JoinChannel, "A", "r1", events.JoinChannelRequest{ChannelID: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Emit(ctx, env); err != nil {
		t.Fatalf("emit: %v", err)
	}

	server.SetReadDeadline(time.Now().Add(testTimeout))
	var got events.Envelope
	if err := server.ReadJSON(&got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	req, err := events.Decode[events.JoinChannelRequest](got)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != events.JoinChannel || got.RequestID != "r1" || req.ChannelID != "A" {
		t.Errorf("unexpected envelope %+v", got)
	}

	client.Close()
	if err := client.Emit(ctx, env); err != ErrClosed {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
}

func TestReconnect(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconnected := make(chan struct{}, 1)
	client, err := Dial(ctx, Config{
		URL:           ts.wsURL(),
		RetryInterval: 10 * time.Millisecond,
		OnReconnect:   func() { reconnected <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	got := make(chan events.Envelope, 1)
	client.On(events.ChatUpdated, func(env events.Envelope) { got <- env })
	go client.Run(ctx)

	first := ts.next(t)
	first.Close()

	select {
	case <-reconnected:
	case <-time.After(testTimeout):
		t.Fatal("client did not reconnect")
	}

	second := ts.next(t)
	if err := second.WriteJSON(events.Envelope{Kind: events.ChatUpdated, ChannelID: "A"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if env := receive(t, got); env.ChannelID != "A" {
		t.Errorf("ChannelID = %q, want A", env.ChannelID)
	}
	if n := ts.accepted.Load(); n != 2 {
		t.Errorf("server accepted %d connections, want 2", n)
	}
}
