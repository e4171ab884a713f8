package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

const subscriberBuffer = 8

// Hub pushes delivered snapshots to live stream subscribers. A subscriber
// that falls behind misses snapshots rather than stalling delivery.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	logger *zap.Logger
}

type subscription struct {
	group string
	ch    chan *snapshot.Snapshot
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers interest in group. The returned channel is closed
// by the cancel func or when the hub stops.
func (h *Hub) Subscribe(group string) (<-chan *snapshot.Snapshot, func()) {
	sub := &subscription{group: group, ch: make(chan *snapshot.Snapshot, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Name implements sink.Sink.
func (h *Hub) Name() string { return "stream" }

// Start implements sink.Sink.
func (h *Hub) Start(context.Context) error { return nil }

// Stop closes every subscription.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	return nil
}

// OnSnapshot implements poller.Consumer.
func (h *Hub) OnSnapshot(_ context.Context, snap *snapshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.group != snap.Group {
			continue
		}
		select {
		case sub.ch <- snap:
		default:
			h.logger.Debug("stream subscriber behind, dropping snapshot", zap.String("group", snap.Group))
		}
	}
}

// OnNoUpdate implements poller.Consumer. Subscribers keep showing the
// last snapshot they received.
func (h *Hub) OnNoUpdate(context.Context, string, error) {}
