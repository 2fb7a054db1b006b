package hub

import (
	"sync"
)

// LocalPubSub maps topics to the session IDs subscribed to them.
type LocalPubSub struct {
	mutex   sync.RWMutex
	hashMap map[string][]string
}

func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{hashMap: make(map[string][]string)}
}

func (ps *LocalPubSub) Unsubscribe(topic string, sessionID string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	ps.unsubscribe(topic, sessionID)
}

func (ps *LocalPubSub) unsubscribe(topic string, sessionID string) {
	sessionIDs := ps.hashMap[topic]

	// this won't run in case topic doesn't exist since length will be 0
	for i := range sessionIDs {
		if sessionIDs[i] == sessionID {
			sessionIDs[i] = sessionIDs[len(sessionIDs)-1]
			ps.hashMap[topic] = sessionIDs[:len(sessionIDs)-1]
			break
		}
	}

	// delete topic from map if no session is subscribed to it
	if len(ps.hashMap[topic]) == 0 {
		delete(ps.hashMap, topic)
	}
}

func (ps *LocalPubSub) UnsubscribeFromAll(sessionID string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	for key := range ps.hashMap {
		ps.unsubscribe(key, sessionID)
	}
}

func (ps *LocalPubSub) Subscribe(topic string, sessionID string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	for _, id := range ps.hashMap[topic] {
		if id == sessionID {
			return
		}
	}
	ps.hashMap[topic] = append(ps.hashMap[topic], sessionID)
}

// Publish calls deliver for every session subscribed to topic.
func (ps *LocalPubSub) Publish(topic string, deliver func(sessionID string)) {
	ps.mutex.RLock()
	sessionIDs := append([]string(nil), ps.hashMap[topic]...)
	ps.mutex.RUnlock()

	for _, sessionID := range sessionIDs {
		deliver(sessionID)
	}
}

func (ps *LocalPubSub) subscribers(topic string) int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.hashMap[topic])
}
