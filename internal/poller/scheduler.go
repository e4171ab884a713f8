// Package poller bridges refresh triggers (timers, HTTP requests) to the
// snapshot builder and forwards results to a consumer.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
	"github.com/HerbHall/snmpwatch/internal/telemetry"
)

// Consumer receives the result of every poll that was not superseded.
// OnNoUpdate means the previous snapshot for the group stays current.
type Consumer interface {
	OnSnapshot(ctx context.Context, snap *snapshot.Snapshot)
	OnNoUpdate(ctx context.Context, group string, reason error)
}

// Refresher is the capability handed to refresh triggers.
type Refresher interface {
	Refresh(ctx context.Context, group string) Outcome
}

// Builder produces snapshots. *snapshot.Builder satisfies it.
type Builder interface {
	Build(ctx context.Context, group string) (*snapshot.Snapshot, error)
	Groups() []string
}

// Outcome describes what happened to one poll.
type Outcome struct {
	PollID   string
	Group    string
	Seq      uint64
	Snapshot *snapshot.Snapshot
	Err      error
	// Stale is set when a newer poll for the group was submitted before
	// this one completed; nothing was delivered to the consumer.
	Stale bool
}

// Updated reports whether the poll delivered a new snapshot.
func (o Outcome) Updated() bool {
	return o.Snapshot != nil && !o.Stale
}

// groupState orders deliveries for one group.
type groupState struct {
	submitted atomic.Uint64
	deliverMu sync.Mutex
	ticking   atomic.Bool
}

// Scheduler runs snapshot builds on demand or on an interval. It is safe
// for concurrent use; polls for different groups proceed independently.
type Scheduler struct {
	builder  Builder
	consumer Consumer
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	groups   map[string]*groupState
	order    []string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the collectors used to count stale completions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler for every group the builder knows.
func New(b Builder, c Consumer, opts ...Option) *Scheduler {
	if c == nil {
		c = NopConsumer{}
	}
	s := &Scheduler{
		builder:  b,
		consumer: c,
		logger:   zap.NewNop(),
		groups:   make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, g := range b.Groups() {
		s.groups[g] = &groupState{}
		s.order = append(s.order, g)
	}
	return s
}

// Groups returns the schedulable group names.
func (s *Scheduler) Groups() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Refresh builds group once and forwards the result, unless a newer poll
// for the same group was submitted while this one was in flight.
func (s *Scheduler) Refresh(ctx context.Context, group string) Outcome {
	pollID := uuid.NewString()
	st, ok := s.groups[group]
	if !ok {
		return Outcome{PollID: pollID, Group: group, Err: fmt.Errorf("%w: %q", snapshot.ErrUnknownGroup, group)}
	}

	seq := st.submitted.Add(1)
	log := s.logger.With(zap.String("poll_id", pollID), zap.String("group", group), zap.Uint64("seq", seq))
	log.Debug("poll submitted")

	snap, err := s.builder.Build(ctx, group)
	out := Outcome{PollID: pollID, Group: group, Seq: seq, Snapshot: snap, Err: err}

	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()

	if latest := st.submitted.Load(); latest != seq {
		out.Stale = true
		s.metrics.Build(group, telemetry.BuildStale, 0)
		log.Debug("dropping stale poll result", zap.Uint64("latest_seq", latest))
		return out
	}

	if err != nil || snap == nil {
		log.Debug("no update", zap.Error(err))
		s.consumer.OnNoUpdate(ctx, group, err)
		return out
	}

	log.Debug("snapshot delivered", zap.Int("values", len(snap.Values)))
	s.consumer.OnSnapshot(ctx, snap)
	return out
}

// Run polls every group immediately and then once per interval until ctx
// is cancelled. A group whose previous interval poll is still running
// skips the tick.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	s.logger.Info("poll scheduler running",
		zap.Duration("interval", interval),
		zap.Strings("groups", s.order),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		for _, g := range s.order {
			st := s.groups[g]
			if !st.ticking.CompareAndSwap(false, true) {
				s.logger.Debug("previous poll still running, skipping tick", zap.String("group", g))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer st.ticking.Store(false)
				s.Refresh(ctx, g)
			}()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("poll scheduler stopping")
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// NopConsumer discards every result.
type NopConsumer struct{}

func (NopConsumer) OnSnapshot(context.Context, *snapshot.Snapshot) {}
func (NopConsumer) OnNoUpdate(context.Context, string, error)      {}

// ConsumerFuncs adapts plain functions to Consumer. Nil fields are skipped.
type ConsumerFuncs struct {
	Snapshot func(ctx context.Context, snap *snapshot.Snapshot)
	NoUpdate func(ctx context.Context, group string, reason error)
}

func (f ConsumerFuncs) OnSnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(ctx, snap)
	}
}

func (f ConsumerFuncs) OnNoUpdate(ctx context.Context, group string, reason error) {
	if f.NoUpdate != nil {
		f.NoUpdate(ctx, group, reason)
	}
}
