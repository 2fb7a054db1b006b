package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"clubchat/internal/database"
	"clubchat/internal/events"
	"clubchat/internal/models"
)

func (h *Handlers) sendMessage(ctx context.Context, userID string, req events.SendMessageRequest) error {
	if err := h.validate.Struct(req); err != nil {
		h.sugar.Debug(err)
		return deny(http.StatusBadRequest, "Message can't be empty or longer than 4000 characters")
	}

	channel, err := h.db.Channel(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	if !channel.VisibleTo(userID) {
		return deny(http.StatusForbidden, "This channel is private")
	}

	messageID, err := h.ids.GenerateString()
	if err != nil {
		return err
	}

	return h.db.InsertMessage(ctx, channel.ID, models.Message{
		ID:        messageID,
		Author:    models.Author{ID: userID},
		Body:      req.Body,
		Type:      models.MessageNormal,
		Timestamp: time.Now().UTC(),
	})
}

// reportMessage records the report and returns the channel the message is in.
func (h *Handlers) reportMessage(ctx context.Context, userID string, req events.ReportRequest) (string, error) {
	channelID, message, err := h.db.Message(ctx, req.MessageID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && channelID != req.ChannelID) {
		return "", deny(http.StatusNotFound, "Message not found")
	} else if err != nil {
		return "", err
	}

	channel, err := h.db.Channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !channel.VisibleTo(userID) {
		return "", deny(http.StatusForbidden, "This channel is private")
	}

	if !message.Reportable() {
		return "", deny(http.StatusBadRequest, "This message can't be reported")
	}
	if message.Author.ID == userID {
		return "", deny(http.StatusBadRequest, "You can't report your own message")
	}

	moderated, err := h.db.ReportMessage(ctx, message.ID, userID, req.Reason, h.cfg.ReportThreshold)
	if errors.Is(err, database.ErrAlreadyReported) {
		return "", deny(http.StatusConflict, "You already reported this message")
	} else if err != nil {
		return "", err
	}

	if moderated {
		h.sugar.Infof("Message ID [%s] in channel ID [%s] was moderated", message.ID, channelID)
	}
	return channelID, nil
}

func (h *Handlers) GetChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	channelID := r.URL.Query().Get("channelID")
	if channelID == "" {
		h.writeFailure(w, deny(http.StatusBadRequest, "Invalid channel ID"))
		return
	}

	chat, err := h.db.Chat(ctx, channelID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	channel := models.Channel{ID: chat.ChannelID, Kind: chat.Kind, Owner: chat.Owner, Users: chat.Users}
	if !channel.VisibleTo(userID) {
		h.writeFailure(w, deny(http.StatusForbidden, "This channel is private"))
		return
	}

	update := chat.FullUpdate()
	h.writeJSON(w, http.StatusOK, events.Result{Success: true, Chat: &update})
}

func (h *Handlers) ReportMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	var req events.ReportRequest
	if err := h.decodeBody(r, &req); err != nil {
		h.writeFailure(w, err)
		return
	}

	channelID, err := h.reportMessage(ctx, userID, req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	chat, err := h.broadcastChat(ctx, channelID, "")
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events.Result{Success: true, Msg: "Message reported", Chat: chat})
}
