package testutil

import (
	"time"

	"github.com/HerbHall/snmpwatch/internal/snapshot"
)

// FixedTime is the timestamp fixtures and NewClock default to.
var FixedTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// NewSnapshot returns a snapshot taken at FixedTime. Override fields with
// options as needed.
func NewSnapshot(group string, opts ...func(*snapshot.Snapshot)) *snapshot.Snapshot {
	s := &snapshot.Snapshot{Group: group, Taken: FixedTime}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithValue appends a converted value.
func WithValue(name string, v float64, unit string) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) {
		s.Values = append(s.Values, snapshot.Value{Name: name, Value: v, Unit: unit})
	}
}

// WithTaken sets the snapshot timestamp.
func WithTaken(t time.Time) func(*snapshot.Snapshot) {
	return func(s *snapshot.Snapshot) { s.Taken = t }
}

// CPUSnapshot returns a cpu group snapshot.
func CPUSnapshot(usage float64) *snapshot.Snapshot {
	return NewSnapshot("cpu", WithValue("cpu.usage", usage, "%"))
}

// MemorySnapshot returns a memory group snapshot in megabytes.
func MemorySnapshot(totalMB, usedMB float64) *snapshot.Snapshot {
	return NewSnapshot("memory",
		WithValue("mem.total", totalMB, "MB"),
		WithValue("mem.used", usedMB, "MB"),
		WithValue("mem.available", totalMB-usedMB, "MB"),
	)
}
