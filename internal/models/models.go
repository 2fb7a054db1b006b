package models

import "time"

type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
)

type Member struct {
	UserID  string `json:"userID" validate:"required"`
	Allowed bool   `json:"allowed"`
}

type Channel struct {
	ID          string      `json:"channelID"`
	Name        string      `json:"channelname"`
	Description string      `json:"description"`
	Kind        ChannelKind `json:"kind"`
	Owner       string      `json:"owner"`
	Users       []Member    `json:"user"`
}

func (c Channel) Member(userID string) (Member, bool) {
	for _, m := range c.Users {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// VisibleTo reports whether the channel shows up in the list of the given user.
func (c Channel) VisibleTo(userID string) bool {
	if c.Kind != ChannelPrivate || c.Owner == userID {
		return true
	}
	_, ok := c.Member(userID)
	return ok
}

// CanEdit reports whether userID may change the channel's name, description,
// kind or member list.
func (c Channel) CanEdit(userID string) bool {
	if c.Owner == userID {
		return true
	}
	m, ok := c.Member(userID)
	return ok && m.Allowed
}

// VisibleChannels returns the channels userID can see, keeping their order.
func VisibleChannels(channels []Channel, userID string) []Channel {
	visible := []Channel{}
	for _, ch := range channels {
		if ch.VisibleTo(userID) {
			visible = append(visible, ch)
		}
	}
	return visible
}

type Author struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	AvatarPath string `json:"avatarPath"`
}

type MessageType int

const (
	MessageNormal    MessageType = 1
	MessageSystem    MessageType = 2
	MessageModerated MessageType = 3
)

type Message struct {
	ID        string      `json:"_id"`
	Author    Author      `json:"author"`
	Body      string      `json:"chat"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Visible is false for moderated messages, they never render.
func (m Message) Visible() bool {
	return m.Type != MessageModerated
}

// Reportable is true for messages that may be offered in the report menu.
func (m Message) Reportable() bool {
	return m.Type == MessageNormal
}

type Chat struct {
	ChannelID   string      `json:"channelID"`
	ChannelName string      `json:"channelname"`
	Description string      `json:"description"`
	Kind        ChannelKind `json:"kind"`
	Owner       string      `json:"owner"`
	Users       []Member    `json:"user"`
	Messages    []Message   `json:"chat"`
}

func (c Chat) VisibleMessages() []Message {
	visible := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Visible() {
			visible = append(visible, m)
		}
	}
	return visible
}

func (c Chat) VisibleCount() int {
	count := 0
	for _, m := range c.Messages {
		if m.Visible() {
			count++
		}
	}
	return count
}

// ChatUpdate is a partial Chat. Nil fields are absent and leave the target
// untouched, present fields replace the target field as a whole. A present
// Messages slice replaces the message log, it is never appended.
type ChatUpdate struct {
	ChannelID   string       `json:"channelID,omitempty"`
	ChannelName *string      `json:"channelname,omitempty"`
	Description *string      `json:"description,omitempty"`
	Kind        *ChannelKind `json:"kind,omitempty"`
	Owner       *string      `json:"owner,omitempty"`
	Users       []Member     `json:"user"`
	Messages    []Message    `json:"chat"`
}

// Apply shallow-merges u into c.
func (c Chat) Apply(u ChatUpdate) Chat {
	if u.ChannelName != nil {
		c.ChannelName = *u.ChannelName
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.Kind != nil {
		c.Kind = *u.Kind
	}
	if u.Owner != nil {
		c.Owner = *u.Owner
	}
	if u.Users != nil {
		c.Users = u.Users
	}
	if u.Messages != nil {
		c.Messages = u.Messages
	}
	return c
}

// FullUpdate turns a complete chat into an update that overwrites every field.
func (c Chat) FullUpdate() ChatUpdate {
	users := c.Users
	if users == nil {
		users = []Member{}
	}
	messages := c.Messages
	if messages == nil {
		messages = []Message{}
	}
	return ChatUpdate{
		ChannelID:   c.ChannelID,
		ChannelName: &c.ChannelName,
		Description: &c.Description,
		Kind:        &c.Kind,
		Owner:       &c.Owner,
		Users:       users,
		Messages:    messages,
	}
}

type User struct {
	ID         string `json:"id"`
	Email      string `json:"email,omitempty"`
	Username   string `json:"username"`
	AvatarPath string `json:"avatarPath"`
	Password   []byte `json:"-"`
}
