package testutil

import (
	"context"
	"sync"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

// NoUpdate is one recorded OnNoUpdate call.
type NoUpdate struct {
	Group  string
	Reason error
}

// RecordingConsumer is a thread-safe poller.Consumer that records every
// delivery for later inspection.
type RecordingConsumer struct {
	mu        sync.Mutex
	snapshots []*snapshot.Snapshot
	noUpdates []NoUpdate
}

// NewRecordingConsumer returns an empty RecordingConsumer.
func NewRecordingConsumer() *RecordingConsumer {
	return &RecordingConsumer{}
}

func (c *RecordingConsumer) OnSnapshot(_ context.Context, snap *snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, snap)
}

func (c *RecordingConsumer) OnNoUpdate(_ context.Context, group string, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noUpdates = append(c.noUpdates, NoUpdate{Group: group, Reason: reason})
}

// Snapshots returns a copy of all delivered snapshots.
func (c *RecordingConsumer) Snapshots() []*snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*snapshot.Snapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

// NoUpdates returns a copy of all recorded no-update signals.
func (c *RecordingConsumer) NoUpdates() []NoUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NoUpdate, len(c.noUpdates))
	copy(out, c.noUpdates)
	return out
}

// Reset clears everything recorded.
func (c *RecordingConsumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = nil
	c.noUpdates = nil
}
