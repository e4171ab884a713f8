package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/snmpwatch/internal/telemetry"
	"github.com/HerbHall/snmpwatch/pkg/catalog"
)

// Querier performs one scalar read. *snmp.Session satisfies it.
type Querier interface {
	Get(ctx context.Context, oid string) (string, error)
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithMetrics sets the collectors used to count builds.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithGroup declares an extra group, or replaces a catalog group of the
// same name. Members are resolved when the builder is created.
func WithGroup(name string, metrics ...string) Option {
	return func(b *Builder) {
		b.extra = append(b.extra, catalog.Group{Name: name, Metrics: metrics})
	}
}

// WithConcurrency caps the member queries in flight per build. Zero means
// one query per member.
func WithConcurrency(n int) Option {
	return func(b *Builder) { b.limit = n }
}

// Builder turns a group name into a Snapshot. Groups are resolved against
// the catalog once, so a misconfigured group fails at startup rather than
// on every poll. Builder is safe for concurrent use.
type Builder struct {
	querier Querier
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	limit   int

	extra  []catalog.Group
	groups map[string][]catalog.Descriptor
	order  []string
}

// NewBuilder resolves every catalog group plus any WithGroup declarations.
func NewBuilder(cat *catalog.Catalog, q Querier, opts ...Option) (*Builder, error) {
	b := &Builder{
		querier: q,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		groups:  make(map[string][]catalog.Descriptor),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, g := range append(cat.Groups(), b.extra...) {
		descs, err := resolve(cat, g)
		if err != nil {
			return nil, err
		}
		if _, exists := b.groups[g.Name]; !exists {
			b.order = append(b.order, g.Name)
		}
		b.groups[g.Name] = descs
	}
	return b, nil
}

func resolve(cat *catalog.Catalog, g catalog.Group) ([]catalog.Descriptor, error) {
	if strings.TrimSpace(g.Name) == "" {
		return nil, &ConfigError{Reason: "empty group name"}
	}
	if len(g.Metrics) == 0 {
		return nil, &ConfigError{Group: g.Name, Reason: "no metrics"}
	}
	seen := make(map[string]struct{}, len(g.Metrics))
	descs := make([]catalog.Descriptor, 0, len(g.Metrics))
	for _, name := range g.Metrics {
		d, ok := cat.Lookup(name)
		if !ok {
			return nil, &ConfigError{Group: g.Name, Metric: name, Reason: "not in catalog"}
		}
		if _, dup := seen[name]; dup {
			return nil, &ConfigError{Group: g.Name, Metric: name, Reason: "listed twice"}
		}
		seen[name] = struct{}{}
		descs = append(descs, d)
	}
	return descs, nil
}

// Groups returns the configured group names in declaration order.
func (b *Builder) Groups() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Members returns the metric names of group in declared order.
func (b *Builder) Members(group string) ([]string, bool) {
	descs, ok := b.groups[group]
	if !ok {
		return nil, false
	}
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names, true
}

// Build queries every member of group concurrently and returns the
// converted snapshot. If any member fails, Build returns a nil snapshot and
// a *BuildError describing every failed member; partial snapshots are never
// returned.
func (b *Builder) Build(ctx context.Context, group string) (*Snapshot, error) {
	descs, ok := b.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}

	start := time.Now()
	values := make([]Value, len(descs))
	errs := make([]error, len(descs))

	var g errgroup.Group
	if b.limit > 0 {
		g.SetLimit(b.limit)
	}
	for i, d := range descs {
		g.Go(func() error {
			raw, err := b.querier.Get(ctx, d.OID)
			if err != nil {
				errs[i] = err
				return nil
			}
			f, err := parseNumber(raw)
			if err != nil {
				errs[i] = err
				return nil
			}
			values[i] = Value{Name: d.Name, Value: d.Unit.Convert(f), Unit: d.Unit.DisplayUnit(), Label: d.Label}
			return nil
		})
	}
	_ = g.Wait()

	var failures []MemberError
	for i, err := range errs {
		if err != nil {
			failures = append(failures, MemberError{Metric: descs[i].Name, Err: err})
		}
	}
	if len(failures) > 0 {
		b.metrics.Build(group, telemetry.BuildFailed, time.Since(start))
		buildErr := &BuildError{Group: group, Failures: failures}
		b.logger.Info("snapshot build failed",
			zap.String("group", group),
			zap.Int("failed", len(failures)),
			zap.Int("members", len(descs)),
			zap.Error(buildErr),
		)
		return nil, buildErr
	}

	b.metrics.Build(group, telemetry.BuildOK, time.Since(start))
	return &Snapshot{Group: group, Values: values, Taken: b.now()}, nil
}

// parseNumber accepts finite decimal numbers only.
func parseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ParseError{Raw: raw, Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParseError{Raw: raw, Err: errors.New("not a finite number")}
	}
	return f, nil
}
