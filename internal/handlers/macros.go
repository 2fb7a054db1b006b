package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"clubchat/internal/database"
	"clubchat/internal/events"
	"clubchat/internal/hub"
	"clubchat/internal/models"
)

// actionError is a refusal the user gets to read.
type actionError struct {
	status int
	msg    string
}

func (e *actionError) Error() string {
	return e.msg
}

func deny(status int, msg string) error {
	return &actionError{status: status, msg: msg}
}

// failure turns err into a status and a message that is safe to show.
// Anything that isn't a refusal gets logged.
func (h *Handlers) failure(err error) (int, string) {
	var actionErr *actionError
	switch {
	case errors.As(err, &actionErr):
		return actionErr.status, actionErr.msg
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "Channel not found"
	default:
		h.sugar.Error(err)
		return http.StatusInternalServerError, "Something went wrong"
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.sugar.Error(err)
	}
}

func (h *Handlers) writeFailure(w http.ResponseWriter, err error) {
	status, msg := h.failure(err)
	h.writeJSON(w, status, events.Result{Success: false, Msg: msg})
}

func (h *Handlers) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sugar.Debug(err)
		return deny(http.StatusBadRequest, "Invalid request")
	}
	if err := h.validate.Struct(v); err != nil {
		h.sugar.Debug(err)
		return deny(http.StatusBadRequest, "Invalid request")
	}
	return nil
}

func (h *Handlers) fullChat(ctx context.Context, channelID string) (*models.ChatUpdate, error) {
	chat, err := h.db.Chat(ctx, channelID)
	if err != nil {
		return nil, err
	}
	update := chat.FullUpdate()
	return &update, nil
}

func (h *Handlers) postSystemMessage(ctx context.Context, channelID string, text string) error {
	messageID, err := h.ids.GenerateString()
	if err != nil {
		return err
	}
	return h.db.InsertMessage(ctx, channelID, models.Message{
		ID:        messageID,
		Body:      text,
		Type:      models.MessageSystem,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) emit(ctx context.Context, topic string, kind events.Kind, channelID string, requestID string, payload any) error {
	env, err := events.New(kind, channelID, requestID, payload)
	if err != nil {
		return err
	}
	return h.hub.Emit(ctx, topic, env)
}

// broadcastChannels sends the full channel list to every session. The
// channel list always goes out whole, never as a diff, and the hub filter
// trims it per recipient.
func (h *Handlers) broadcastChannels(ctx context.Context, userID string, requestID string, msg string) error {
	channels, err := h.db.Channels(ctx)
	if err != nil {
		return err
	}
	return h.emit(ctx, hub.TopicGlobal, events.ChannelUpdated, "", requestID, events.ChannelUpdatedPayload{
		UserID:   userID,
		Success:  true,
		Msg:      msg,
		Channels: channels,
	})
}

// broadcastChat sends the full chat to the sessions viewing channelID.
func (h *Handlers) broadcastChat(ctx context.Context, channelID string, requestID string) (*models.ChatUpdate, error) {
	chat, err := h.fullChat(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return chat, h.emit(ctx, hub.ChannelTopic(channelID), events.ChatUpdated, channelID, requestID, chat)
}

// visibleOnly is the hub filter. Channel lists are cut down to what the
// recipient may see and chats of channels they can't see are dropped.
func (h *Handlers) visibleOnly(client *hub.Client, env events.Envelope) (events.Envelope, bool) {
	switch env.Kind {
	case events.ChannelUpdated:
		payload, err := events.Decode[events.ChannelUpdatedPayload](env)
		if err != nil {
			h.sugar.Error(err)
			return env, false
		}
		payload.Channels = models.VisibleChannels(payload.Channels, client.UserID)
		if payload.ChatData != nil && !chatVisibleTo(*payload.ChatData, client.UserID) {
			payload.ChatData = nil
		}
		filtered, err := events.New(env.Kind, env.ChannelID, env.RequestID, payload)
		if err != nil {
			h.sugar.Error(err)
			return env, false
		}
		return filtered, true
	case events.ChatUpdated:
		chat, err := events.Decode[models.ChatUpdate](env)
		if err != nil {
			h.sugar.Error(err)
			return env, false
		}
		return env, chatVisibleTo(chat, client.UserID)
	default:
		return env, true
	}
}

func chatVisibleTo(chat models.ChatUpdate, userID string) bool {
	channel := models.Channel{ID: chat.ChannelID, Users: chat.Users}
	if chat.Kind != nil {
		channel.Kind = *chat.Kind
	}
	if chat.Owner != nil {
		channel.Owner = *chat.Owner
	}
	return channel.VisibleTo(userID)
}

func (h *Handlers) broadcastChannelLeft(ctx context.Context, topic string, userID string, channelID string, requestID string, msg string) error {
	return h.emit(ctx, topic, events.ChannelLeft, channelID, requestID, events.ChannelLeftPayload{
		UserID:    userID,
		Msg:       msg,
		ChannelID: channelID,
	})
}
