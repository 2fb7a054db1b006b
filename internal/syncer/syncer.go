// Package syncer bridges the persistent connection and the store for one
// mounted channel view. Inbound envelopes are the only path that mutates
// channels and chats; outbound intents never touch the store, the server
// echoes the outcome back to every member including the sender.
//
// Self-originated completions are recognized by request id: every intent
// carries a fresh id, the backend copies it onto the envelope that completes
// it, and only the session holding that id in its pending set notifies.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clubchat/internal/events"
	"clubchat/internal/models"
	"clubchat/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoIdentity = errors.New("current user is not known yet")
	ErrIdle       = errors.New("no channel is open")
)

type State int

const (
	Idle State = iota
	Subscribed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Conn interface {
	On(kind events.Kind, h events.Handler)
	Off(kind events.Kind)
	Emit(ctx context.Context, env events.Envelope) error
}

type API interface {
	FetchChannels(ctx context.Context) (events.Result, error)
	FetchChat(ctx context.Context, channelID string) (events.Result, error)
	ReportMessage(ctx context.Context, channelID string, messageID string, reason string) (events.Result, error)
}

type Navigator interface {
	// NavigateAway leaves the view of a channel that no longer exists.
	NavigateAway(channelID string)
}

type Notifier interface {
	Notify(text string)
}

type Config struct {
	Conn      Conn
	Store     *store.Store
	API       API
	Navigator Navigator
	Notifier  Notifier
	UserID    string

	// RequestTimeout bounds how long an intent stays pending without an
	// echo. Zero keeps it pending until the echo arrives.
	RequestTimeout time.Duration

	Logger *zap.SugaredLogger
}

type pendingRequest struct {
	kind  events.Kind
	timer *time.Timer
}

type Syncer struct {
	conn     Conn
	store    *store.Store
	api      API
	nav      Navigator
	notifier Notifier
	timeout  time.Duration
	sugar    *zap.SugaredLogger

	mutex     sync.Mutex
	userID    string
	state     State
	channelID string
	pending   map[string]pendingRequest
}

var subscribedKinds = []events.Kind{events.ChannelUpdated, events.ChannelLeft, events.ChatUpdated}

func New(cfg Config) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Syncer{
		conn:     cfg.Conn,
		store:    cfg.Store,
		api:      cfg.API,
		nav:      cfg.Navigator,
		notifier: cfg.Notifier,
		timeout:  cfg.RequestTimeout,
		sugar:    cfg.Logger,
		userID:   cfg.UserID,
		pending:  make(map[string]pendingRequest),
	}
}

// SetUserID supplies the identity once it becomes known.
func (s *Syncer) SetUserID(userID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.userID = userID
}

func (s *Syncer) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Syncer) ChannelID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.channelID
}

// Loading reports whether any intent is still waiting for its echo.
func (s *Syncer) Loading() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending) > 0
}

// Enter opens the view of channelID. The handlers of a previous view are
// deregistered first so no handler fires twice. An empty channelID leaves
// the syncer idle.
func (s *Syncer) Enter(ctx context.Context, channelID string) error {
	s.mutex.Lock()
	s.exitLocked()
	if channelID == "" {
		s.mutex.Unlock()
		return nil
	}
	if s.userID == "" {
		s.mutex.Unlock()
		return ErrNoIdentity
	}
	s.channelID = channelID
	s.state = Subscribed

	// handlers go in before the join is sent, the join echo may arrive
	// before Emit returns
	s.conn.On(events.ChannelUpdated, s.handleChannelUpdated)
	s.conn.On(events.ChannelLeft, s.handleChannelLeft)
	s.conn.On(events.ChatUpdated, s.handleChatUpdated)
	s.mutex.Unlock()

	s.sugar.Debugf("Subscribed to channel [%s]", channelID)

	_, err := s.emit(ctx, events.JoinChannel, channelID, events.JoinChannelRequest{ChannelID: channelID})
	if err != nil {
		s.exitIf(channelID)
		return err
	}
	return nil
}

// Exit deregisters the view's handlers.
func (s *Syncer) Exit() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.exitLocked()
}

// exitIf closes the view only while channelID is still the one open. The
// check and the teardown happen under one lock so a concurrent Enter of
// another channel keeps its handlers.
func (s *Syncer) exitIf(channelID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.channelID != channelID {
		return false
	}
	return s.exitLocked()
}

// exitLocked must be called with s.mutex held.
func (s *Syncer) exitLocked() bool {
	if s.state != Subscribed {
		return false
	}
	channelID := s.channelID
	s.state = Idle
	s.channelID = ""

	for _, kind := range subscribedKinds {
		s.conn.Off(kind)
	}
	s.sugar.Debugf("Unsubscribed from channel [%s]", channelID)
	return true
}

func (s *Syncer) SendMessage(ctx context.Context, body string) (string, error) {
	channelID, err := s.activeChannel()
	if err != nil {
		return "", err
	}
	return s.emit(ctx, events.SendMessage, channelID, events.SendMessageRequest{ChannelID: channelID, Body: body})
}

// CreateChannel works from any state, the new channel arrives through the
// global channel_updated broadcast.
func (s *Syncer) CreateChannel(ctx context.Context, req events.CreateChannelRequest) (string, error) {
	return s.emit(ctx, events.CreateChannel, "", req)
}

func (s *Syncer) UpdateChannel(ctx context.Context, req events.UpdateChannelRequest) (string, error) {
	if req.ChannelID == "" {
		channelID, err := s.activeChannel()
		if err != nil {
			return "", err
		}
		req.ChannelID = channelID
	}
	return s.emit(ctx, events.UpdateChannel, req.ChannelID, req)
}

func (s *Syncer) LeaveChannel(ctx context.Context) (string, error) {
	channelID, err := s.activeChannel()
	if err != nil {
		return "", err
	}
	return s.emit(ctx, events.LeaveChannel, channelID, events.LeaveChannelRequest{ChannelID: channelID})
}

// Report flags a message through a one-shot call and upserts the returned
// chat the same way inbound chat events are applied.
func (s *Syncer) Report(ctx context.Context, messageID string, reason string) error {
	channelID, err := s.activeChannel()
	if err != nil {
		return err
	}

	res, err := s.api.ReportMessage(ctx, channelID, messageID, reason)
	if err != nil {
		s.sugar.Error(err)
		s.notify("Couldn't report message")
		return fmt.Errorf("report message %s: %w", messageID, err)
	}
	if !res.Success {
		s.notify(res.Msg)
		return nil
	}

	if chat := firstUpdate(res.Chat, res.ChatData); chat != nil {
		s.store.Chats.Update(channelID, *chat)
	}
	s.notify(res.Msg)
	return nil
}

// Resync replaces the channel list and the active chat with a fresh
// snapshot. It runs after the connection comes back, envelopes broadcast
// during the gap are otherwise lost.
func (s *Syncer) Resync(ctx context.Context) error {
	res, err := s.api.FetchChannels(ctx)
	if err != nil {
		return fmt.Errorf("fetch channels: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("fetch channels: %s", res.Msg)
	}
	s.store.Channels.Set(res.Channels)

	s.mutex.Lock()
	channelID := s.channelID
	s.mutex.Unlock()
	if channelID == "" {
		return nil
	}

	if _, ok := s.store.Channels.Get(channelID); !ok {
		s.store.Chats.Remove(channelID)
		if s.exitIf(channelID) {
			s.navigateAway(channelID)
		}
		return nil
	}

	res, err = s.api.FetchChat(ctx, channelID)
	if err != nil {
		return fmt.Errorf("fetch chat %s: %w", channelID, err)
	}
	if !res.Success {
		return fmt.Errorf("fetch chat %s: %s", channelID, res.Msg)
	}
	if chat := firstUpdate(res.ChatData, res.Chat); chat != nil {
		s.store.Chats.Update(channelID, *chat)
	}

	// rejoin so the server puts this session back in the channel room
	_, err = s.emit(ctx, events.JoinChannel, channelID, events.JoinChannelRequest{ChannelID: channelID})
	return err
}

func (s *Syncer) handleChannelUpdated(env events.Envelope) {
	payload, err := events.Decode[events.ChannelUpdatedPayload](env)
	if err != nil {
		s.sugar.Debug(err)
	}

	if payload.Success {
		s.store.Channels.Set(payload.Channels)
		if payload.ChatData != nil {
			channelID := payload.ChatData.ChannelID
			if channelID == "" {
				channelID = env.ChannelID
			}
			s.store.Chats.Update(channelID, *payload.ChatData)
		}
	}

	if s.complete(env.RequestID) {
		s.notify(payload.Msg)
	}
}

func (s *Syncer) handleChannelLeft(env events.Envelope) {
	payload, err := events.Decode[events.ChannelLeftPayload](env)
	if err != nil {
		s.sugar.Debug(err)
	}

	channelID := payload.ChannelID
	if channelID == "" {
		channelID = env.ChannelID
	}

	s.store.Channels.Remove(channelID)
	s.store.Chats.Remove(channelID)

	if s.complete(env.RequestID) {
		s.notify(payload.Msg)
	}

	if s.exitIf(channelID) {
		s.navigateAway(channelID)
	}
}

func (s *Syncer) handleChatUpdated(env events.Envelope) {
	s.complete(env.RequestID)

	s.mutex.Lock()
	active := s.channelID
	s.mutex.Unlock()

	if env.ChannelID != active {
		s.sugar.Debugf("Ignoring chat update for channel [%s] while viewing [%s]", env.ChannelID, active)
		return
	}

	chat, err := events.Decode[models.ChatUpdate](env)
	if err != nil {
		s.sugar.Debug(err)
	}
	s.store.Chats.Update(env.ChannelID, chat)
}

func (s *Syncer) emit(ctx context.Context, kind events.Kind, channelID string, payload any) (string, error) {
	requestID := uuid.NewString()

	env, err := events.New(kind, channelID, requestID, payload)
	if err != nil {
		return "", err
	}

	s.track(requestID, kind)
	if err := s.conn.Emit(ctx, env); err != nil {
		s.complete(requestID)
		s.notify("Couldn't reach the server")
		return "", fmt.Errorf("emit %s: %w", kind, err)
	}
	return requestID, nil
}

func (s *Syncer) track(requestID string, kind events.Kind) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	req := pendingRequest{kind: kind}
	if s.timeout > 0 {
		req.timer = time.AfterFunc(s.timeout, func() {
			if s.complete(requestID) {
				s.sugar.Warnf("Request [%s] %s timed out", requestID, kind)
				s.notify("The server didn't answer in time")
			}
		})
	}
	s.pending[requestID] = req
}

// complete clears a pending request and reports whether it was one of ours.
func (s *Syncer) complete(requestID string) bool {
	if requestID == "" {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	req, ok := s.pending[requestID]
	if !ok {
		return false
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(s.pending, requestID)
	return true
}

func (s *Syncer) activeChannel() (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != Subscribed {
		return "", ErrIdle
	}
	return s.channelID, nil
}

func (s *Syncer) navigateAway(channelID string) {
	if s.nav != nil {
		s.nav.NavigateAway(channelID)
	}
}

func (s *Syncer) notify(text string) {
	if text == "" || s.notifier == nil {
		return
	}
	s.notifier.Notify(text)
}

func firstUpdate(updates ...*models.ChatUpdate) *models.ChatUpdate {
	for _, u := range updates {
		if u != nil {
			return u
		}
	}
	return nil
}
