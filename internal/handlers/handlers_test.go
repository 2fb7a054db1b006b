package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"clubchat/internal/client"
	"clubchat/internal/database"
	"clubchat/internal/events"
	"clubchat/internal/hub"
	"clubchat/internal/keyValue"
	"clubchat/internal/models"
	"clubchat/internal/restclient"
	"clubchat/internal/snowflake"
	"clubchat/internal/store"
	"clubchat/internal/syncer"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// newTestServer runs the whole backend self contained on an in-memory
// database. Server goroutines outlive the test, so they log to a nop logger.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &models.ConfigFile{
		JwtSecret:       "a-secret-long-enough",
		SelfContained:   true,
		ReportThreshold: 1,
	}
	cfg.ApplyDefaults()

	sugar := zap.NewNop().Sugar()
	db, err := database.OpenSqlite(":memory:", sugar)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := snowflake.New(1)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := New(cfg, sugar, db, hub.New(sugar, nil), keyValue.New(ctx, sugar, nil), ids)
	srv := httptest.NewServer(h.Router())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		db.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func registerUser(t *testing.T, srv *httptest.Server, username string) session {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/auth/register", map[string]string{
		"email":           username + "@example.com",
		"username":        username,
		"password":        "Passw0rd",
		"confirmPassword": "Passw0rd",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}

	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	return s
}

type recorder struct {
	mutex   sync.Mutex
	notices []string
	away    []string
}

func (r *recorder) Notify(text string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.notices = append(r.notices, text)
}

func (r *recorder) NavigateAway(channelID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.away = append(r.away, channelID)
}

func (r *recorder) navigatedAway() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.away...)
}

type participant struct {
	api    *restclient.Client
	store  *store.Store
	syncer *syncer.Syncer
	rec    *recorder
}

func connect(t *testing.T, srv *httptest.Server, s session) *participant {
	t.Helper()
	return connectWith(t, srv, s, 100*time.Millisecond, nil)
}

func connectWith(t *testing.T, srv *httptest.Server, s session, retry time.Duration, dialer *websocket.Dialer) *participant {
	t.Helper()

	rec := &recorder{}
	c, err := client.Connect(context.Background(), client.Config{
		BaseURL:       srv.URL,
		Token:         s.Token,
		UserID:        s.UserID,
		RetryInterval: retry,
		Navigator:     rec,
		Notifier:      rec,
		Dialer:        dialer,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	return &participant{api: c.API, store: c.Store, syncer: c.Syncer, rec: rec}
}

// dropper hands out a dialer whose connections can be cut from the test.
type dropper struct {
	mutex sync.Mutex
	conns []net.Conn
	count int
}

func (d *dropper) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			d.mutex.Lock()
			defer d.mutex.Unlock()
			d.conns = append(d.conns, conn)
			d.count++
			return conn, nil
		},
	}
}

func (d *dropper) drop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, conn := range d.conns {
		conn.Close()
	}
	d.conns = nil
}

func (d *dropper) dials() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.count
}

func channelNames(channels []models.Channel) []string {
	names := []string{}
	for _, ch := range channels {
		names = append(names, ch.Name)
	}
	return names
}

func hasChannel(channels []models.Channel, name string) bool {
	return slices.Contains(channelNames(channels), name)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func bodies(chat models.Chat) []string {
	var out []string
	for _, m := range chat.VisibleMessages() {
		out = append(out, m.Body)
	}
	return out
}

func (p *participant) chatBodies(channelID string) []string {
	chat, ok := p.store.Chats.Get(channelID)
	if !ok {
		return nil
	}
	return bodies(chat)
}

func TestEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	adaSession := registerUser(t, srv, "ada")
	bobSession := registerUser(t, srv, "bob")
	ada := connect(t, srv, adaSession)
	bob := connect(t, srv, bobSession)

	created, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "Growers", Kind: models.ChannelPublic})
	if err != nil {
		t.Fatal(err)
	}
	if !created.Success || created.ChatData == nil {
		t.Fatalf("CreateChannel = %+v", created)
	}
	channelID := created.ChatData.ChannelID

	if err := ada.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ada's join", func() bool { return !ada.syncer.Loading() && len(ada.chatBodies(channelID)) == 1 })

	if _, err := ada.syncer.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ada's message", func() bool { return len(ada.chatBodies(channelID)) == 2 })

	if err := bob.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	want := []string{"ada created the channel", "hello", "bob joined the channel"}
	waitFor(t, "bob's join", func() bool { return len(bob.chatBodies(channelID)) == 3 })
	if diff := cmp.Diff(want, bob.chatBodies(channelID)); diff != "" {
		t.Errorf("bob's chat mismatch (-want +got):\n%s", diff)
	}
	// ada is in the room and sees bob arrive
	waitFor(t, "bob's arrival on ada's side", func() bool { return len(ada.chatBodies(channelID)) == 3 })

	channel, ok := bob.store.Channels.Get(channelID)
	if !ok {
		t.Fatal("channel missing from bob's channel list")
	}
	if _, ok := channel.Member(bobSession.UserID); !ok {
		t.Errorf("bob isn't a member after joining: %+v", channel.Users)
	}

	chat, _ := bob.store.Chats.Get(channelID)
	var hello models.Message
	for _, m := range chat.Messages {
		if m.Body == "hello" {
			hello = m
		}
	}
	if hello.Author.Username != "ada" || !hello.Reportable() {
		t.Fatalf("unexpected message %+v", hello)
	}

	// threshold is one, a single report moderates the message
	if err := bob.syncer.Report(ctx, hello.ID, "rude"); err != nil {
		t.Fatal(err)
	}
	want = []string{"ada created the channel", "bob joined the channel"}
	if diff := cmp.Diff(want, bob.chatBodies(channelID)); diff != "" {
		t.Errorf("bob's chat after report mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "moderation on ada's side", func() bool { return len(ada.chatBodies(channelID)) == 2 })

	// the owner leaving closes the channel for everyone
	if _, err := ada.syncer.LeaveChannel(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel to close", func() bool {
		return len(ada.rec.navigatedAway()) == 1 && len(bob.rec.navigatedAway()) == 1
	})
	for name, p := range map[string]*participant{"ada": ada, "bob": bob} {
		if _, ok := p.store.Channels.Get(channelID); ok {
			t.Errorf("%s still lists the closed channel", name)
		}
		if p.syncer.State() != syncer.Idle {
			t.Errorf("%s's syncer is %s, want idle", name, p.syncer.State())
		}
	}
}

func TestLeaveKeepsChannel(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ada := connect(t, srv, registerUser(t, srv, "ada"))
	bobSession := registerUser(t, srv, "bob")
	bob := connect(t, srv, bobSession)

	created, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{
		Name:  "Growers",
		Kind:  models.ChannelPrivate,
		Users: []models.Member{{UserID: bobSession.UserID}},
	})
	if err != nil || !created.Success {
		t.Fatalf("CreateChannel = %+v, %v", created, err)
	}
	channelID := created.ChatData.ChannelID

	if err := ada.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	if err := bob.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both joins", func() bool { return !ada.syncer.Loading() && !bob.syncer.Loading() })

	if _, err := bob.syncer.LeaveChannel(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to leave", func() bool { return len(bob.rec.navigatedAway()) == 1 })
	waitFor(t, "the leave notice on ada's side", func() bool {
		bodies := ada.chatBodies(channelID)
		return len(bodies) == 2 && bodies[1] == "bob left the channel"
	})

	if len(ada.rec.navigatedAway()) != 0 {
		t.Error("ada was navigated away from a channel that still exists")
	}
	channel, ok := ada.store.Channels.Get(channelID)
	if !ok {
		t.Fatal("channel missing from ada's list")
	}
	if _, ok := channel.Member(bobSession.UserID); ok || len(channel.Users) != 1 {
		t.Errorf("unexpected members after bob left: %+v", channel.Users)
	}

	// private and no longer a member, bob can't come back
	res, err := bob.api.FetchChat(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Msg != "This channel is private" {
		t.Errorf("FetchChat after leaving = %+v", res)
	}

	if _, ok := bob.store.Channels.Get(channelID); ok {
		t.Error("bob still lists the private channel after leaving")
	}
	list, err := bob.api.FetchChannels(ctx)
	if err != nil || !list.Success {
		t.Fatalf("FetchChannels = %+v, %v", list, err)
	}
	if hasChannel(list.Channels, "Growers") {
		t.Error("the private channel is still served to bob after leaving")
	}
}

func TestPrivateChannelsStayPrivate(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ada := connect(t, srv, registerUser(t, srv, "ada"))
	bobSession := registerUser(t, srv, "bob")
	bob := connect(t, srv, bobSession)
	carol := connect(t, srv, registerUser(t, srv, "carol"))

	general, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "General"})
	if err != nil || !general.Success {
		t.Fatalf("CreateChannel = %+v, %v", general, err)
	}
	for _, p := range []*participant{bob, carol} {
		if err := p.syncer.Enter(ctx, general.ChatData.ChannelID); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "the joins", func() bool { return !bob.syncer.Loading() && !carol.syncer.Loading() })

	secret, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{
		Name:  "Secret",
		Kind:  models.ChannelPrivate,
		Users: []models.Member{{UserID: bobSession.UserID}},
	})
	if err != nil || !secret.Success {
		t.Fatalf("CreateChannel = %+v, %v", secret, err)
	}
	if !hasChannel(secret.Channels, "Secret") {
		t.Errorf("owner's reply lists %v", channelNames(secret.Channels))
	}
	// a later broadcast tells us the one for Secret went through
	if _, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "Later"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "the channel lists", func() bool {
		return hasChannel(carol.store.Channels.List(), "Later") && hasChannel(bob.store.Channels.List(), "Later")
	})
	if names := channelNames(carol.store.Channels.List()); slices.Contains(names, "Secret") {
		t.Errorf("carol's store lists %v", names)
	}
	if !hasChannel(bob.store.Channels.List(), "Secret") {
		t.Errorf("bob's store lists %v, want Secret among them", channelNames(bob.store.Channels.List()))
	}

	list, err := carol.api.FetchChannels(ctx)
	if err != nil || !list.Success {
		t.Fatalf("FetchChannels = %+v, %v", list, err)
	}
	if diff := cmp.Diff([]string{"General", "Later"}, channelNames(list.Channels)); diff != "" {
		t.Errorf("carol's fetched channels mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnectResyncs(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ada := connect(t, srv, registerUser(t, srv, "ada"))
	d := &dropper{}
	bob := connectWith(t, srv, registerUser(t, srv, "bob"), 500*time.Millisecond, d.dialer())

	created, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "General"})
	if err != nil || !created.Success {
		t.Fatalf("CreateChannel = %+v, %v", created, err)
	}
	channelID := created.ChatData.ChannelID

	if err := ada.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	if err := bob.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the joins", func() bool {
		return !ada.syncer.Loading() && !bob.syncer.Loading() && len(bob.chatBodies(channelID)) == 2
	})

	d.drop()

	// both happen while bob is offline
	if _, err := ada.syncer.SendMessage(ctx, "missed"); err != nil {
		t.Fatal(err)
	}
	if _, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "Offline"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "the redial", func() bool { return d.dials() == 2 })
	waitFor(t, "the resync", func() bool {
		return slices.Contains(bob.chatBodies(channelID), "missed") && hasChannel(bob.store.Channels.List(), "Offline")
	})
	if bob.syncer.State() != syncer.Subscribed || bob.syncer.ChannelID() != channelID {
		t.Fatalf("bob's syncer is %s on [%s] after reconnecting", bob.syncer.State(), bob.syncer.ChannelID())
	}

	// the resync rejoined the room, live updates flow again
	waitFor(t, "the rejoin", func() bool { return !bob.syncer.Loading() })
	if _, err := ada.syncer.SendMessage(ctx, "welcome back"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a live message", func() bool { return slices.Contains(bob.chatBodies(channelID), "welcome back") })
}

func TestRejectedIntent(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ada := connect(t, srv, registerUser(t, srv, "ada"))
	bob := connect(t, srv, registerUser(t, srv, "bob"))

	created, err := ada.api.CreateChannel(ctx, events.CreateChannelRequest{Name: "General"})
	if err != nil || !created.Success {
		t.Fatalf("CreateChannel = %+v, %v", created, err)
	}
	channelID := created.ChatData.ChannelID

	if err := bob.syncer.Enter(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob's join", func() bool { return !bob.syncer.Loading() })

	name := "Renamed"
	if _, err := bob.syncer.UpdateChannel(ctx, events.UpdateChannelRequest{Name: &name}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the rejection", func() bool { return !bob.syncer.Loading() })

	bob.rec.mutex.Lock()
	notices := append([]string(nil), bob.rec.notices...)
	bob.rec.mutex.Unlock()
	if len(notices) == 0 || notices[len(notices)-1] != "You can't edit this channel" {
		t.Errorf("bob's notices = %v", notices)
	}
	if channel, _ := bob.store.Channels.Get(channelID); channel.Name != "General" {
		t.Errorf("channel renamed to %q by a member without rights", channel.Name)
	}
}

func TestHTTPRefusals(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ada := registerUser(t, srv, "ada")
	bob := registerUser(t, srv, "bob")
	adaAPI := restclient.New(srv.URL, ada.Token)
	bobAPI := restclient.New(srv.URL, bob.Token)

	t.Run("no token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/channel/fetch")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status %d, want 401", resp.StatusCode)
		}
	})

	t.Run("registration errors", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/auth/register", map[string]string{
			"email":           "not-an-email",
			"username":        "x",
			"password":        "short",
			"confirmPassword": "short",
		})
		var fields map[string]string
		json.NewDecoder(resp.Body).Decode(&fields)
		want := map[string]string{"Email": "email", "Username": "min", "Password": "password"}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status %d, want 400", resp.StatusCode)
		}
		if diff := cmp.Diff(want, fields); diff != "" {
			t.Errorf("field errors mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("taken username", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/auth/register", map[string]string{
			"email":           "other@example.com",
			"username":        "ada",
			"password":        "Passw0rd",
			"confirmPassword": "Passw0rd",
		})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status %d, want 409", resp.StatusCode)
		}
	})

	t.Run("login", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/auth/login", map[string]string{"email": "ada@example.com", "password": "wrong"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("wrong password: status %d, want 401", resp.StatusCode)
		}
		resp = postJSON(t, srv.URL+"/api/auth/login", map[string]string{"email": "ada@example.com", "password": "Passw0rd"})
		var s session
		json.NewDecoder(resp.Body).Decode(&s)
		if resp.StatusCode != http.StatusOK || s.UserID != ada.UserID || s.Token == "" {
			t.Errorf("login: status %d, session %+v", resp.StatusCode, s)
		}
	})

	created, err := adaAPI.CreateChannel(ctx, events.CreateChannelRequest{Name: "Secret", Kind: models.ChannelPrivate})
	if err != nil || !created.Success {
		t.Fatalf("CreateChannel = %+v, %v", created, err)
	}
	channelID := created.ChatData.ChannelID
	systemMessageID := firstMessageID(t, adaAPI, channelID)

	tests := []struct {
		name    string
		call    func() (events.Result, error)
		wantMsg string
	}{
		{
			name:    "private chat",
			call:    func() (events.Result, error) { return bobAPI.FetchChat(ctx, channelID) },
			wantMsg: "This channel is private",
		},
		{
			name:    "delete someone else's channel",
			call:    func() (events.Result, error) { return bobAPI.DeleteChannel(ctx, channelID) },
			wantMsg: "You don't own this channel",
		},
		{
			name:    "unknown channel",
			call:    func() (events.Result, error) { return adaAPI.FetchChat(ctx, "404") },
			wantMsg: "Channel not found",
		},
		{
			name:    "invalid channel",
			call:    func() (events.Result, error) { return adaAPI.CreateChannel(ctx, events.CreateChannelRequest{Kind: "secret"}) },
			wantMsg: "Invalid channel",
		},
		{
			name:    "report a system message",
			call:    func() (events.Result, error) { return adaAPI.ReportMessage(ctx, channelID, systemMessageID, "") },
			wantMsg: "This message can't be reported",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.call()
			if err != nil {
				t.Fatal(err)
			}
			if res.Success || res.Msg != tc.wantMsg {
				t.Errorf("result = %+v, want failure %q", res, tc.wantMsg)
			}
		})
	}

	res, err := adaAPI.DeleteChannel(ctx, channelID)
	if err != nil || !res.Success {
		t.Errorf("owner DeleteChannel = %+v, %v", res, err)
	}
}

func firstMessageID(t *testing.T, api *restclient.Client, channelID string) string {
	t.Helper()
	res, err := api.FetchChat(context.Background(), channelID)
	if err != nil || res.Chat == nil || len(res.Chat.Messages) == 0 {
		t.Fatalf("FetchChat = %+v, %v", res, err)
	}
	return res.Chat.Messages[0].ID
}
