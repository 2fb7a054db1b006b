package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clubchat/internal/events"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 64
)

const TopicGlobal = "global"

func UserTopic(userID string) string {
	return "user:" + userID
}

func ChannelTopic(channelID string) string {
	return "channel:" + channelID
}

// Conn is the part of a websocket connection the write pump needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Client struct {
	UserID    string
	SessionID string

	conn   Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	pubsub *redis.PubSub

	mutex       sync.Mutex
	channelRoom string
}

// Filter rewrites an envelope for one recipient right before it's queued.
// Returning false drops the envelope for that recipient.
type Filter func(client *Client, env events.Envelope) (events.Envelope, bool)

type Hub struct {
	sugar       *zap.SugaredLogger
	redisClient *redis.Client
	local       *LocalPubSub
	filter      Filter

	mutex   sync.RWMutex
	clients map[string]*Client
}

// New returns a hub fanning messages out through redis, or through an in
// process pubsub when redisClient is nil.
func New(sugar *zap.SugaredLogger, redisClient *redis.Client) *Hub {
	return &Hub{
		sugar:       sugar,
		redisClient: redisClient,
		local:       NewLocalPubSub(),
		clients:     make(map[string]*Client),
	}
}

// SetFilter installs the per recipient filter. It must be called before
// any session registers.
func (h *Hub) SetFilter(filter Filter) {
	h.filter = filter
}

func (h *Hub) selfContained() bool {
	return h.redisClient == nil
}

// Register adds the session and subscribes it to the global topic and to
// its own user topic.
func (h *Hub) Register(ctx context.Context, userID, sessionID string, conn Conn) (*Client, error) {
	h.sugar.Debugf("Adding user ID [%s] to clients as session ID [%s]", userID, sessionID)

	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		ctx:       clientCtx,
		cancel:    cancel,
	}

	if !h.selfContained() {
		client.pubsub = h.redisClient.Subscribe(clientCtx)
		go h.forwardRedis(client)
	}

	h.mutex.Lock()
	h.clients[sessionID] = client
	h.mutex.Unlock()

	for _, topic := range []string{TopicGlobal, UserTopic(userID)} {
		if err := h.subscribe(client, topic); err != nil {
			h.Unregister(client)
			return nil, err
		}
	}
	return client, nil
}

func (h *Hub) Unregister(client *Client) {
	h.sugar.Debugf("Removing session ID [%s] from clients", client.SessionID)

	h.mutex.Lock()
	delete(h.clients, client.SessionID)
	h.mutex.Unlock()

	client.cancel()
	if h.selfContained() {
		h.local.UnsubscribeFromAll(client.SessionID)
	} else if err := client.pubsub.Close(); err != nil {
		h.sugar.Error(err)
	}
}

func (h *Hub) GetClient(sessionID string) (*Client, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, exists := h.clients[sessionID]
	return client, exists
}

// JoinChannelRoom moves the session into the room of channelID, leaving the
// room it was in before.
func (h *Hub) JoinChannelRoom(client *Client, channelID string) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.channelRoom == channelID {
		return nil
	}
	if client.channelRoom != "" {
		if err := h.unsubscribe(client, ChannelTopic(client.channelRoom)); err != nil {
			return err
		}
		h.sugar.Debugf("Session ID [%s] left channel room [%s]", client.SessionID, client.channelRoom)
	}

	client.channelRoom = ""
	if err := h.subscribe(client, ChannelTopic(channelID)); err != nil {
		return err
	}
	client.channelRoom = channelID
	h.sugar.Debugf("Session ID [%s] joined channel room [%s]", client.SessionID, channelID)
	return nil
}

// LeaveChannelRoom drops the session out of channelID's room if it's in it.
func (h *Hub) LeaveChannelRoom(client *Client, channelID string) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.channelRoom != channelID || channelID == "" {
		return nil
	}
	client.channelRoom = ""
	return h.unsubscribe(client, ChannelTopic(channelID))
}

func (h *Hub) subscribe(client *Client, topic string) error {
	if h.selfContained() {
		h.local.Subscribe(topic, client.SessionID)
		return nil
	}
	return client.pubsub.Subscribe(client.ctx, topic)
}

func (h *Hub) unsubscribe(client *Client, topic string) error {
	if h.selfContained() {
		h.local.Unsubscribe(topic, client.SessionID)
		return nil
	}
	return client.pubsub.Unsubscribe(client.ctx, topic)
}

// Emit publishes the envelope to every session subscribed to topic.
func (h *Hub) Emit(ctx context.Context, topic string, env events.Envelope) error {
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.sugar.Debugf("Sending [%s] to those on topic [%s]", env.Kind, topic)

	if h.selfContained() {
		h.local.Publish(topic, func(sessionID string) {
			client, exists := h.GetClient(sessionID)
			if !exists {
				h.sugar.Warnf("Session ID [%s] is supposed to be available", sessionID)
				return
			}
			h.deliver(client, env, message)
		})
		return nil
	}

	if err := h.redisClient.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("publish to [%s]: %w", topic, err)
	}
	return nil
}

// Send delivers the envelope to one session only.
func (h *Hub) Send(client *Client, env events.Envelope) error {
	message, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.deliver(client, env, message)
	return nil
}

// deliver runs the filter for client and queues what is left of env.
// message is env already encoded.
func (h *Hub) deliver(client *Client, env events.Envelope, message []byte) {
	if h.filter == nil {
		h.enqueue(client, message)
		return
	}

	filtered, ok := h.filter(client, env)
	if !ok {
		return
	}
	message, err := json.Marshal(filtered)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	h.enqueue(client, message)
}

// enqueue never blocks, a session whose queue is full gets disconnected.
func (h *Hub) enqueue(client *Client, message []byte) {
	select {
	case <-client.ctx.Done():
	case client.send <- message:
	default:
		h.sugar.Warnf("Send queue of session ID [%s] is full, disconnecting it", client.SessionID)
		client.cancel()
	}
}

func (h *Hub) forwardRedis(client *Client) {
	ch := client.pubsub.Channel()
	for {
		select {
		case <-client.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if h.filter == nil {
				h.enqueue(client, []byte(msg.Payload))
				continue
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.sugar.Error(err)
				continue
			}
			h.deliver(client, env, []byte(msg.Payload))
		}
	}
}

// WritePump writes queued messages and keepalive pings to the connection
// until the client is unregistered or a write fails.
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.ctx.Done():
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.sugar.Debug(err)
				client.cancel()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.sugar.Debug(err)
				client.cancel()
				return
			}
		}
	}
}

// PongWait is how long the read side waits for a pong before giving up.
func PongWait() time.Duration {
	return pongWait
}
