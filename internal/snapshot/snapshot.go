// Package snapshot assembles coherent sets of converted metric values from
// independent scalar queries.
package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value is one converted metric inside a snapshot. Label, when set, is the
// catalog's display title for Name.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Label string  `json:"label,omitempty"`
}

// Snapshot is an internally consistent set of values captured by one poll.
// Values follow the declared group order and always hold every member.
type Snapshot struct {
	Group  string    `json:"group"`
	Values []Value   `json:"values"`
	Taken  time.Time `json:"taken"`
}

// Get returns the value recorded for name.
func (s *Snapshot) Get(name string) (float64, bool) {
	for _, v := range s.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Names returns the metric names in snapshot order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.Values))
	for i, v := range s.Values {
		names[i] = v.Name
	}
	return names
}

// Map returns the values keyed by metric name.
func (s *Snapshot) Map() map[string]float64 {
	m := make(map[string]float64, len(s.Values))
	for _, v := range s.Values {
		m[v.Name] = v.Value
	}
	return m
}

// Label renders the snapshot as a one-line summary, e.g.
// "Total: 2000.00 MB, Used: 1000.00 MB, Available: 1000.00 MB".
func (s *Snapshot) Label() string {
	parts := make([]string, 0, len(s.Values))
	for _, v := range s.Values {
		title := v.Label
		if title == "" {
			title = labelTitle(v.Name)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", title, formatValue(v)))
	}
	return strings.Join(parts, ", ")
}

// labelTitle turns "mem.total" into "Total" and "cpu.usage" into
// "CPU Usage".
func labelTitle(name string) string {
	prefix, field, ok := strings.Cut(name, ".")
	if !ok {
		return titleWord(name)
	}
	if prefix == "cpu" {
		return "CPU " + titleWord(field)
	}
	return titleWord(field)
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}

func formatValue(v Value) string {
	switch v.Unit {
	case "%":
		return strconv.FormatFloat(v.Value, 'f', -1, 64) + "%"
	case "":
		return strconv.FormatFloat(v.Value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%.2f %s", v.Value, v.Unit)
	}
}
