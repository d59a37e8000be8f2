// Package events fans node change events out to live SSE and websocket
// subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
)

const (
	EventCreate  = "create"
	EventModify  = "modify"
	EventDelete  = "delete"
	EventExtract = "extract"
)

const subscriberBuffer = 64

// Event is one change to a node.
type Event struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	OwnerID   string `json:"-"`
	ParentID  string `json:"parent_id,omitempty"`
	Filename  string `json:"filename"`
	IsFolder  bool   `json:"is_folder"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NodeEvent builds an event describing n.
func NodeEvent(eventType string, n *models.Node) Event {
	e := Event{
		Type:     eventType,
		NodeID:   n.ID,
		OwnerID:  n.OwnerID,
		Filename: n.Filename,
		IsFolder: n.IsFolder,
	}
	if n.ParentID != nil {
		e.ParentID = *n.ParentID
	}
	if !n.IsFolder {
		e.Size = n.SizeBytes
	}
	return e
}

// Publisher is what producers of events need.
type Publisher interface {
	Publish(event Event)
}

// Subscription receives the events of one owner.
type Subscription struct {
	C       chan Event
	ownerID string
}

// Broadcaster manages subscribers and publishes events to them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for ownerID's events.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(ownerID string) *Subscription {
	sub := &Subscription{C: make(chan Event, subscriberBuffer), ownerID: ownerID}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(n))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Calling it twice
// is harmless.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.C)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(n))
}

// Publish delivers an event to the owner's subscribers. Non-blocking: slow
// consumers miss events.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.ownerID != event.OwnerID {
			continue
		}
		select {
		case sub.C <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
