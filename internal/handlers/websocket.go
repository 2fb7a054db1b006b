package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clubchat/internal/events"
	"clubchat/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxMessageSize = 64 * 1024

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	h.sugar.Debugf("Connecting user ID [%s] to WebSocket", userID)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if h.cfg.Cors {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered with an error
		h.sugar.Debug(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := h.hub.Register(ctx, userID, uuid.NewString(), conn)
	if err != nil {
		h.sugar.Error(err)
		conn.Close()
		return
	}
	defer h.hub.Unregister(client)

	go h.hub.WritePump(client)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(hub.PongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hub.PongWait()))
	})

	// listening to incoming messages directly from client
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.sugar.Debug(err)
			}
			break
		}

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.sugar.Debugf("Session ID [%s] sent a malformed frame: %v", client.SessionID, err)
			continue
		}

		if err := h.dispatch(ctx, client, env); err != nil {
			h.reject(client, env, err)
		}
	}
}

// reject answers the session that sent env with an unsuccessful
// channel_updated carrying the same request ID.
func (h *Handlers) reject(client *hub.Client, env events.Envelope, err error) {
	_, msg := h.failure(err)
	reply, err := events.New(events.ChannelUpdated, env.ChannelID, env.RequestID, events.ChannelUpdatedPayload{
		UserID:  client.UserID,
		Success: false,
		Msg:     msg,
	})
	if err != nil {
		h.sugar.Error(err)
		return
	}
	if err := h.hub.Send(client, reply); err != nil {
		h.sugar.Error(err)
	}
}

func decodeIntent[T any](env events.Envelope) (T, error) {
	req, err := events.Decode[T](env)
	if err != nil {
		return req, deny(http.StatusBadRequest, "Invalid request")
	}
	return req, nil
}

func (h *Handlers) dispatch(ctx context.Context, client *hub.Client, env events.Envelope) error {
	h.sugar.Debugf("Session ID [%s] sent [%s] for channel [%s]", client.SessionID, env.Kind, env.ChannelID)

	switch env.Kind {
	case events.JoinChannel:
		req, err := decodeIntent[events.JoinChannelRequest](env)
		if err != nil {
			return err
		}
		return h.onJoinChannel(ctx, client, env.RequestID, req)
	case events.SendMessage:
		req, err := decodeIntent[events.SendMessageRequest](env)
		if err != nil {
			return err
		}
		return h.onSendMessage(ctx, client, env.RequestID, req)
	case events.CreateChannel:
		req, err := decodeIntent[events.CreateChannelRequest](env)
		if err != nil {
			return err
		}
		return h.onCreateChannel(ctx, client, env.RequestID, req)
	case events.UpdateChannel:
		req, err := decodeIntent[events.UpdateChannelRequest](env)
		if err != nil {
			return err
		}
		return h.onUpdateChannel(ctx, client, env.RequestID, req)
	case events.LeaveChannel:
		req, err := decodeIntent[events.LeaveChannelRequest](env)
		if err != nil {
			return err
		}
		return h.onLeaveChannel(ctx, client, env.RequestID, req)
	default:
		return deny(http.StatusBadRequest, fmt.Sprintf("Unknown request [%s]", env.Kind))
	}
}

func (h *Handlers) onJoinChannel(ctx context.Context, client *hub.Client, requestID string, req events.JoinChannelRequest) error {
	if req.ChannelID == "" {
		return deny(http.StatusBadRequest, "Invalid channel ID")
	}

	channel, joined, err := h.joinChannel(ctx, client.UserID, req.ChannelID)
	if err != nil {
		return err
	}
	if err := h.hub.JoinChannelRoom(client, channel.ID); err != nil {
		return err
	}

	if joined {
		// the member list changed for everyone else
		if err := h.broadcastChannels(ctx, client.UserID, "", ""); err != nil {
			h.sugar.Error(err)
		}
		if _, err := h.broadcastChat(ctx, channel.ID, ""); err != nil {
			h.sugar.Error(err)
		}
	}

	channels, err := h.db.Channels(ctx)
	if err != nil {
		return err
	}
	chat, err := h.fullChat(ctx, channel.ID)
	if err != nil {
		return err
	}

	reply, err := events.New(events.ChannelUpdated, channel.ID, requestID, events.ChannelUpdatedPayload{
		UserID:   client.UserID,
		Success:  true,
		Channels: channels,
		ChatData: chat,
	})
	if err != nil {
		return err
	}
	return h.hub.Send(client, reply)
}

func (h *Handlers) onSendMessage(ctx context.Context, client *hub.Client, requestID string, req events.SendMessageRequest) error {
	if err := h.sendMessage(ctx, client.UserID, req); err != nil {
		return err
	}
	// the sender gets the chat through the room like everyone else
	if err := h.hub.JoinChannelRoom(client, req.ChannelID); err != nil {
		return err
	}
	_, err := h.broadcastChat(ctx, req.ChannelID, requestID)
	return err
}

func (h *Handlers) onCreateChannel(ctx context.Context, client *hub.Client, requestID string, req events.CreateChannelRequest) error {
	if _, err := h.createChannel(ctx, client.UserID, req); err != nil {
		return err
	}
	return h.broadcastChannels(ctx, client.UserID, requestID, "Channel created")
}

func (h *Handlers) onUpdateChannel(ctx context.Context, client *hub.Client, requestID string, req events.UpdateChannelRequest) error {
	channel, err := h.updateChannel(ctx, client.UserID, req)
	if err != nil {
		return err
	}
	if _, err := h.broadcastChat(ctx, channel.ID, ""); err != nil {
		h.sugar.Error(err)
	}
	return h.broadcastChannels(ctx, client.UserID, requestID, "Channel updated")
}

func (h *Handlers) onLeaveChannel(ctx context.Context, client *hub.Client, requestID string, req events.LeaveChannelRequest) error {
	destroyed, err := h.leaveChannel(ctx, client.UserID, req.ChannelID)
	if err != nil {
		return err
	}
	if err := h.hub.LeaveChannelRoom(client, req.ChannelID); err != nil {
		h.sugar.Error(err)
	}

	if destroyed {
		return h.broadcastChannelLeft(ctx, hub.TopicGlobal, client.UserID, req.ChannelID, requestID, "Channel closed")
	}

	if err := h.broadcastChannelLeft(ctx, hub.UserTopic(client.UserID), client.UserID, req.ChannelID, requestID, "You left the channel"); err != nil {
		return err
	}
	if err := h.broadcastChannels(ctx, client.UserID, "", ""); err != nil {
		return err
	}
	_, err = h.broadcastChat(ctx, req.ChannelID, "")
	return err
}
