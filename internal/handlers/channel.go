package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"clubchat/internal/events"
	"clubchat/internal/hub"
	"clubchat/internal/models"
)

// withOwner dedupes members and makes sure the owner is one of them, always
// allowed to edit.
func withOwner(owner string, members []models.Member) []models.Member {
	result := []models.Member{{UserID: owner, Allowed: true}}
	seen := map[string]bool{owner: true}
	for _, m := range members {
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		result = append(result, m)
	}
	return result
}

func (h *Handlers) checkMembersExist(ctx context.Context, members []models.Member) error {
	for _, m := range members {
		exists, err := h.db.UserExists(ctx, m.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return deny(http.StatusBadRequest, fmt.Sprintf("User [%s] doesn't exist", m.UserID))
		}
	}
	return nil
}

func (h *Handlers) username(ctx context.Context, userID string) string {
	user, err := h.db.UserByID(ctx, userID)
	if err != nil {
		h.sugar.Debug(err)
		return "Someone"
	}
	return user.Username
}

func (h *Handlers) createChannel(ctx context.Context, userID string, req events.CreateChannelRequest) (models.Channel, error) {
	if req.Kind == "" {
		req.Kind = models.ChannelPublic
	}
	if err := h.validate.Struct(req); err != nil {
		h.sugar.Debug(err)
		return models.Channel{}, deny(http.StatusBadRequest, "Invalid channel")
	}

	channelID, err := h.ids.GenerateString()
	if err != nil {
		return models.Channel{}, err
	}

	channel := models.Channel{
		ID:          channelID,
		Name:        req.Name,
		Description: req.Description,
		Kind:        req.Kind,
		Owner:       userID,
		Users:       withOwner(userID, req.Users),
	}
	if err := h.checkMembersExist(ctx, channel.Users[1:]); err != nil {
		return models.Channel{}, err
	}

	if err := h.db.CreateChannel(ctx, channel); err != nil {
		return models.Channel{}, err
	}
	if err := h.postSystemMessage(ctx, channelID, h.username(ctx, userID)+" created the channel"); err != nil {
		return models.Channel{}, err
	}

	h.sugar.Debugf("User ID [%s] created channel ID [%s]", userID, channelID)
	return channel, nil
}

func (h *Handlers) updateChannel(ctx context.Context, userID string, req events.UpdateChannelRequest) (models.Channel, error) {
	if err := h.validate.Struct(req); err != nil {
		h.sugar.Debug(err)
		return models.Channel{}, deny(http.StatusBadRequest, "Invalid channel")
	}

	channel, err := h.db.Channel(ctx, req.ChannelID)
	if err != nil {
		return models.Channel{}, err
	}
	if !channel.CanEdit(userID) {
		h.sugar.Warnf("User ID [%s] tried to edit channel ID [%s] without permission", userID, channel.ID)
		return models.Channel{}, deny(http.StatusForbidden, "You can't edit this channel")
	}

	if req.Name != nil {
		channel.Name = *req.Name
	}
	if req.Description != nil {
		channel.Description = *req.Description
	}
	if req.Kind != nil {
		channel.Kind = *req.Kind
	}
	if req.Users != nil {
		// only the owner hands out edit rights
		if userID != channel.Owner {
			for i, m := range req.Users {
				current, _ := channel.Member(m.UserID)
				req.Users[i].Allowed = current.Allowed
			}
		}
		channel.Users = withOwner(channel.Owner, req.Users)
		if err := h.checkMembersExist(ctx, channel.Users[1:]); err != nil {
			return models.Channel{}, err
		}
	}

	if err := h.db.UpdateChannel(ctx, channel); err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (h *Handlers) deleteChannel(ctx context.Context, userID string, channelID string) error {
	channel, err := h.db.Channel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.Owner != userID {
		h.sugar.Warnf("User ID [%s] tried to delete channel ID [%s] they don't own", userID, channelID)
		return deny(http.StatusForbidden, "You don't own this channel")
	}
	return h.db.DeleteChannel(ctx, channelID)
}

// joinChannel returns the channel and whether userID became a new member.
// Joining a public channel makes the user a member of it.
func (h *Handlers) joinChannel(ctx context.Context, userID string, channelID string) (models.Channel, bool, error) {
	channel, err := h.db.Channel(ctx, channelID)
	if err != nil {
		return models.Channel{}, false, err
	}
	if !channel.VisibleTo(userID) {
		h.sugar.Warnf("User ID [%s] tried to join private channel ID [%s]", userID, channelID)
		return models.Channel{}, false, deny(http.StatusForbidden, "This channel is private")
	}
	if _, ok := channel.Member(userID); ok {
		return channel, false, nil
	}

	member := models.Member{UserID: userID}
	if err := h.db.AddMember(ctx, channelID, member); err != nil {
		return models.Channel{}, false, err
	}
	if err := h.postSystemMessage(ctx, channelID, h.username(ctx, userID)+" joined the channel"); err != nil {
		return models.Channel{}, false, err
	}
	channel.Users = append(channel.Users, member)
	return channel, true, nil
}

// leaveChannel drops the membership of userID. The channel is destroyed when
// its owner leaves or nobody is left in it, that is what the returned bool
// reports.
func (h *Handlers) leaveChannel(ctx context.Context, userID string, channelID string) (bool, error) {
	channel, err := h.db.Channel(ctx, channelID)
	if err != nil {
		return false, err
	}
	if _, ok := channel.Member(userID); !ok && channel.Owner != userID {
		return false, deny(http.StatusBadRequest, "You're not a member of this channel")
	}

	if channel.Owner == userID {
		return true, h.db.DeleteChannel(ctx, channelID)
	}

	remaining, err := h.db.RemoveMember(ctx, channelID, userID)
	if err != nil {
		return false, err
	}
	if remaining == 0 {
		return true, h.db.DeleteChannel(ctx, channelID)
	}

	return false, h.postSystemMessage(ctx, channelID, h.username(ctx, userID)+" left the channel")
}

func (h *Handlers) GetChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := h.db.Channels(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events.Result{Success: true, Channels: models.VisibleChannels(channels, userIDFrom(r.Context()))})
}

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	// validated by createChannel, after the kind default is applied
	var req events.CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sugar.Debug(err)
		h.writeFailure(w, deny(http.StatusBadRequest, "Invalid request"))
		return
	}

	channel, err := h.createChannel(ctx, userID, req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	if err := h.broadcastChannels(ctx, userID, "", ""); err != nil {
		h.sugar.Error(err)
	}

	chat, err := h.fullChat(ctx, channel.ID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	channels, err := h.db.Channels(ctx)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, events.Result{Success: true, Msg: "Channel created", ChatData: chat, Channels: models.VisibleChannels(channels, userID)})
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	channelID := r.URL.Query().Get("channelID")
	if channelID == "" {
		h.writeFailure(w, deny(http.StatusBadRequest, "Invalid channel ID"))
		return
	}

	if err := h.deleteChannel(ctx, userID, channelID); err != nil {
		h.writeFailure(w, err)
		return
	}

	if err := h.broadcastChannelLeft(ctx, hub.TopicGlobal, userID, channelID, "", "Channel was deleted"); err != nil {
		h.sugar.Error(err)
	}
	h.writeJSON(w, http.StatusOK, events.Result{Success: true, Msg: "Channel deleted"})
}
