package sink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/poller"
	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

// Compile-time interface guard.
var _ poller.Consumer = (*Registry)(nil)

// Registry manages the lifecycle of all registered sinks and delivers
// every poll result to the started ones, in registration order.
type Registry struct {
	mu      sync.RWMutex
	sinks   map[string]Sink
	order   []string
	started map[string]bool
	logger  *zap.Logger
}

// NewRegistry creates a new sink registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sinks:   make(map[string]Sink),
		started: make(map[string]bool),
		logger:  logger,
	}
}

// Register adds a sink to the registry.
func (r *Registry) Register(s Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, exists := r.sinks[name]; exists {
		return fmt.Errorf("sink %q already registered", name)
	}

	r.sinks[name] = s
	r.order = append(r.order, name)
	r.logger.Info("sink registered", zap.String("name", name))
	return nil
}

// StartAll starts every registered sink. On failure the sinks already
// started are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, name := range r.order {
		r.logger.Info("starting sink", zap.String("name", name))
		if err := r.sinks[name].Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.stopLocked(r.order[j])
			}
			return fmt.Errorf("failed to start sink %q: %w", name, err)
		}
		r.started[name] = true
	}
	return nil
}

// StopAll stops all started sinks in reverse order.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		r.stopLocked(r.order[i])
	}
}

func (r *Registry) stopLocked(name string) {
	if !r.started[name] {
		return
	}
	r.logger.Info("stopping sink", zap.String("name", name))
	if err := r.sinks[name].Stop(); err != nil {
		r.logger.Error("failed to stop sink", zap.String("name", name), zap.Error(err))
	}
	r.started[name] = false
}

// Names returns the registered sink names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// OnSnapshot delivers snap to every started sink.
func (r *Registry) OnSnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	for _, s := range r.active() {
		s.OnSnapshot(ctx, snap)
	}
}

// OnNoUpdate signals every started sink that group has no new snapshot.
func (r *Registry) OnNoUpdate(ctx context.Context, group string, reason error) {
	for _, s := range r.active() {
		s.OnNoUpdate(ctx, group, reason)
	}
}

// active snapshots the started sinks so delivery runs without the lock.
func (r *Registry) active() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sink, 0, len(r.order))
	for _, name := range r.order {
		if r.started[name] {
			out = append(out, r.sinks[name])
		}
	}
	return out
}
