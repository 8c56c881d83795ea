// Package events fans graph, decode and share notifications out to
// subscribers. There is one channel per concern.
package events

import (
	"sync"

	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

// Channel names, used for metrics labels.
const (
	ChannelGraph  = "graph"
	ChannelDecode = "decode"
	ChannelShare  = "share"
)

const defaultBuffer = 64

// GraphChanged is published once per flush with every handle touched and
// every parent whose child list changed.
type GraphChanged struct {
	Handles []models.Handle
	Parents []models.Handle
	Removed []models.Handle
}

// NodeDecoded is published when previously undecodable nodes get their
// attributes.
type NodeDecoded struct {
	Handles []models.Handle
}

// ShareChanged is published on every ledger mutation.
type ShareChanged struct {
	Node    models.Handle
	Grantee models.Handle
	// Pending is set for pending contacts and pending shares.
	Pending models.Handle
	Removed bool
	// UserFacing is false for self-originated contact packets, which must
	// not raise a second notification for the user.
	UserFacing bool
}

// Notifier is what the engine components publish to.
type Notifier interface {
	GraphChanged(GraphChanged)
	NodeDecoded(NodeDecoded)
	ShareChanged(ShareChanged)
}

// Subscription holds the three receive channels of one subscriber.
type Subscription struct {
	Graph  <-chan GraphChanged
	Decode <-chan NodeDecoded
	Share  <-chan ShareChanged

	graph  chan GraphChanged
	decode chan NodeDecoded
	share  chan ShareChanged
}

// Hub manages subscribers and publishes events. Publishing never blocks:
// events are dropped for slow consumers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	buffer      int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      buffer,
	}
}

// Subscribe adds a new subscriber.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		graph:  make(chan GraphChanged, h.buffer),
		decode: make(chan NodeDecoded, h.buffer),
		share:  make(chan ShareChanged, h.buffer),
	}
	s.Graph, s.Decode, s.Share = s.graph, s.decode, s.share

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channels.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.graph)
	close(s.decode)
	close(s.share)
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) GraphChanged(e GraphChanged) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		select {
		case s.graph <- e:
		default:
			metrics.RecordNotificationDropped(ChannelGraph)
		}
	}
}

func (h *Hub) NodeDecoded(e NodeDecoded) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		select {
		case s.decode <- e:
		default:
			metrics.RecordNotificationDropped(ChannelDecode)
		}
	}
}

func (h *Hub) ShareChanged(e ShareChanged) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		select {
		case s.share <- e:
		default:
			metrics.RecordNotificationDropped(ChannelShare)
		}
	}
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) GraphChanged(GraphChanged) {}
func (Discard) NodeDecoded(NodeDecoded)   {}
func (Discard) ShareChanged(ShareChanged) {}
