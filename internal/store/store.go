// Package store holds the client's in-memory snapshot of every channel and
// every per-channel chat log. All mutations are total: malformed input yields
// malformed state, never an error.
package store

import (
	"slices"
	"sync"

	"clubchat/internal/models"
)

type Store struct {
	Channels *Channels
	Chats    *Chats

	mu       sync.Mutex
	version  uint64
	watchers map[int]chan struct{}
	nextID   int
}

func New() *Store {
	s := &Store{watchers: make(map[int]chan struct{})}
	s.Channels = &Channels{notify: s.changed}
	s.Chats = &Chats{notify: s.changed}
	return s
}

// Version increases by one on every mutation of either collection.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Watch returns a channel receiving a tick after mutations. Ticks coalesce,
// a slow reader sees one tick for any number of mutations.
func (s *Store) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) changed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type Channels struct {
	mu       sync.RWMutex
	channels []models.Channel
	notify   func()
}

// Set replaces the whole channel collection.
func (c *Channels) Set(channels []models.Channel) {
	c.mu.Lock()
	c.channels = slices.Clone(channels)
	c.mu.Unlock()

	c.notify()
}

// Remove drops the channel with the given id, if any.
func (c *Channels) Remove(channelID string) {
	c.mu.Lock()
	c.channels = slices.DeleteFunc(c.channels, func(ch models.Channel) bool {
		return ch.ID == channelID
	})
	c.mu.Unlock()

	c.notify()
}

func (c *Channels) List() []models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.channels)
}

func (c *Channels) Get(channelID string) (models.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := slices.IndexFunc(c.channels, func(ch models.Channel) bool {
		return ch.ID == channelID
	})
	if i < 0 {
		return models.Channel{}, false
	}
	return c.channels[i], true
}

// VisibleTo lists the channels the user can see, in collection order.
func (c *Channels) VisibleTo(userID string) []models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return models.VisibleChannels(c.channels, userID)
}

type Chats struct {
	mu     sync.RWMutex
	chats  []models.Chat
	notify func()
}

// Set replaces the whole chat collection.
func (c *Chats) Set(chats []models.Chat) {
	c.mu.Lock()
	c.chats = slices.Clone(chats)
	c.mu.Unlock()

	c.notify()
}

// Update merges u into the chat with the given id, or appends a new chat
// built from u when there is none. Callers pass the complete recomputed
// sub-object: a present message array replaces the existing one.
func (c *Chats) Update(channelID string, u models.ChatUpdate) {
	c.mu.Lock()
	i := slices.IndexFunc(c.chats, func(chat models.Chat) bool {
		return chat.ChannelID == channelID
	})
	if i >= 0 {
		c.chats[i] = c.chats[i].Apply(u)
	} else {
		c.chats = append(c.chats, models.Chat{ChannelID: channelID}.Apply(u))
	}
	c.mu.Unlock()

	c.notify()
}

// Remove drops the chat with the given id, if any.
func (c *Chats) Remove(channelID string) {
	c.mu.Lock()
	c.chats = slices.DeleteFunc(c.chats, func(chat models.Chat) bool {
		return chat.ChannelID == channelID
	})
	c.mu.Unlock()

	c.notify()
}

func (c *Chats) List() []models.Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.chats)
}

func (c *Chats) Get(channelID string) (models.Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := slices.IndexFunc(c.chats, func(chat models.Chat) bool {
		return chat.ChannelID == channelID
	})
	if i < 0 {
		return models.Chat{}, false
	}
	return c.chats[i], true
}
