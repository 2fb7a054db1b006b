// Package events defines the envelope exchanged over the persistent connection
// between the sync client and the backend. Every frame is one JSON Envelope on
// a single stream; the Kind and ChannelID fields do the routing.
package events

import (
	"encoding/json"
	"fmt"

	"clubchat/internal/models"
)

type Kind string

// server -> client
const (
	ChannelUpdated Kind = "channel_updated"
	ChannelLeft    Kind = "channel_left"
	ChatUpdated    Kind = "chat_updated"
)

// client -> server
const (
	JoinChannel   Kind = "join_channel"
	SendMessage   Kind = "send_message"
	CreateChannel Kind = "create_channel"
	UpdateChannel Kind = "update_channel"
	LeaveChannel  Kind = "leave_channel"
)

type Envelope struct {
	Kind      Kind            `json:"kind"`
	ChannelID string          `json:"channelID,omitempty"`
	RequestID string          `json:"requestID,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Handler func(env Envelope)

func New(kind Kind, channelID string, requestID string, payload any) (Envelope, error) {
	env := Envelope{
		Kind:      kind,
		ChannelID: channelID,
		RequestID: requestID,
	}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return out, nil
}

type ChannelUpdatedPayload struct {
	UserID   string             `json:"userID"`
	Success  bool               `json:"success"`
	Msg      string             `json:"msg"`
	Channels []models.Channel   `json:"channel"`
	ChatData *models.ChatUpdate `json:"chatData,omitempty"`
}

type ChannelLeftPayload struct {
	UserID    string `json:"userID"`
	Msg       string `json:"msg"`
	ChannelID string `json:"channelID"`
}

type JoinChannelRequest struct {
	ChannelID string `json:"channelID" validate:"required"`
}

type SendMessageRequest struct {
	ChannelID string `json:"channelID" validate:"required"`
	Body      string `json:"chat" validate:"required,max=4000"`
}

type CreateChannelRequest struct {
	Name        string             `json:"channelname" validate:"required,max=64"`
	Description string             `json:"description" validate:"max=512"`
	Kind        models.ChannelKind `json:"kind" validate:"channelkind"`
	Users       []models.Member    `json:"user" validate:"dive"`
}

type UpdateChannelRequest struct {
	ChannelID   string              `json:"channelID" validate:"required"`
	Name        *string             `json:"channelname,omitempty" validate:"omitnil,min=1,max=64"`
	Description *string             `json:"description,omitempty" validate:"omitnil,max=512"`
	Kind        *models.ChannelKind `json:"kind,omitempty" validate:"omitnil,channelkind"`
	Users       []models.Member     `json:"user,omitempty" validate:"omitempty,dive"`
}

type LeaveChannelRequest struct {
	ChannelID string `json:"channelID" validate:"required"`
}

// Result is the body of every one-shot HTTP action.
type Result struct {
	Success  bool               `json:"success"`
	Msg      string             `json:"msg,omitempty"`
	ChatData *models.ChatUpdate `json:"chatData,omitempty"`
	Chat     *models.ChatUpdate `json:"chat,omitempty"`
	Channels []models.Channel   `json:"channel,omitempty"`
}

type ReportRequest struct {
	ChannelID string `json:"channelID" validate:"required"`
	MessageID string `json:"messageID" validate:"required"`
	Reason    string `json:"reason" validate:"max=512"`
}
