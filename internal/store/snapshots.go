// Package store keeps the latest good snapshot of every group so a
// renderer always has a consistent set of values to show.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

// ErrNotFound is returned when no snapshot has been recorded for a group.
var ErrNotFound = errors.New("store: no snapshot for group")

var snapshotMigrations = []Migration{
	{
		Version:     1,
		Description: "create latest_snapshots table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE latest_snapshots (
					group_name TEXT    PRIMARY KEY,
					taken_ns   INTEGER NOT NULL,
					payload    TEXT    NOT NULL
				)
			`)
			return err
		},
	},
}

// Snapshots holds one row per group: the most recent good snapshot.
// Failed polls never touch it, so the previous snapshot is retained.
type Snapshots struct {
	db     *SQLiteStore
	logger *zap.Logger
}

// NewSnapshots wraps db. Call Start (or Migrate) before use.
func NewSnapshots(db *SQLiteStore, logger *zap.Logger) *Snapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshots{db: db, logger: logger}
}

// Migrate creates the snapshot table if needed.
func (s *Snapshots) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, "snapshots", snapshotMigrations)
}

// Save records snap as the latest for its group unless a newer snapshot is
// already stored.
func (s *Snapshots) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", snap.Group, err)
	}
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO latest_snapshots (group_name, taken_ns, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(group_name) DO UPDATE SET
			taken_ns = excluded.taken_ns,
			payload  = excluded.payload
		WHERE excluded.taken_ns >= latest_snapshots.taken_ns
	`, snap.Group, snap.Taken.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", snap.Group, err)
	}
	return nil
}

// Latest returns the stored snapshot for group.
func (s *Snapshots) Latest(ctx context.Context, group string) (*snapshot.Snapshot, error) {
	var payload string
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT payload FROM latest_snapshots WHERE group_name = ?", group,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", group, err)
	}
	return decodeSnapshot(payload)
}

// All returns every stored snapshot ordered by group name.
func (s *Snapshots) All(ctx context.Context) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT payload FROM latest_snapshots ORDER BY group_name")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*snapshot.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeSnapshot(payload string) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Name implements sink.Sink.
func (s *Snapshots) Name() string { return "store" }

// Start implements sink.Sink by applying migrations.
func (s *Snapshots) Start(ctx context.Context) error { return s.Migrate(ctx) }

// Stop implements sink.Sink. The database handle is owned by the caller.
func (s *Snapshots) Stop() error { return nil }

// OnSnapshot implements poller.Consumer.
func (s *Snapshots) OnSnapshot(ctx context.Context, snap *snapshot.Snapshot) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Save(saveCtx, snap); err != nil {
		s.logger.Error("failed to save snapshot", zap.String("group", snap.Group), zap.Error(err))
	}
}

// OnNoUpdate implements poller.Consumer. The stored snapshot is retained.
func (s *Snapshots) OnNoUpdate(context.Context, string, error) {}
