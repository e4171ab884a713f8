// Package catalog maps logical metric names to SNMP object identifiers and
// the unit rule used to present their values.
package catalog

import (
	"fmt"
	"strings"
)

// Unit describes how a raw scalar reply is normalized for presentation.
type Unit string

const (
	UnitRaw       Unit = "raw"
	UnitKilobytes Unit = "kilobytes"
	UnitPercent   Unit = "percent"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitRaw, UnitKilobytes, UnitPercent:
		return true
	}
	return false
}

// Convert normalizes a raw reply value. Kilobytes become megabytes; every
// other unit is passed through. Convert is pure: it must be applied to the
// raw value exactly once.
func (u Unit) Convert(v float64) float64 {
	if u == UnitKilobytes {
		return v / 1024
	}
	return v
}

// DisplayUnit returns the suffix shown next to a converted value.
func (u Unit) DisplayUnit() string {
	switch u {
	case UnitKilobytes:
		return "MB"
	case UnitPercent:
		return "%"
	default:
		return ""
	}
}

// Descriptor is one catalog entry. Descriptors are immutable after load.
// Label is the optional display title; when empty, renderers derive one
// from Name.
type Descriptor struct {
	Name  string `yaml:"name"`
	OID   string `yaml:"oid"`
	Unit  Unit   `yaml:"unit"`
	Label string `yaml:"label,omitempty"`
}

// Group is an ordered list of metric names that must resolve together.
type Group struct {
	Name    string   `yaml:"name"`
	Metrics []string `yaml:"metrics"`
}

// Catalog is the validated, read-only set of descriptors and groups.
type Catalog struct {
	descriptors []Descriptor
	byName      map[string]Descriptor
	groups      []Group
	groupByName map[string]Group
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Group returns the group registered under name. The returned member slice
// is a copy.
func (c *Catalog) Group(name string) (Group, bool) {
	g, ok := c.groupByName[name]
	if !ok {
		return Group{}, false
	}
	return copyGroup(g), true
}

// Groups returns a copy of all groups in declaration order.
func (c *Catalog) Groups() []Group {
	out := make([]Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, copyGroup(g))
	}
	return out
}

// Descriptors returns a copy of all descriptors in declaration order.
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

func copyGroup(g Group) Group {
	members := make([]string, len(g.Metrics))
	copy(members, g.Metrics)
	return Group{Name: g.Name, Metrics: members}
}

// newCatalog validates raw entries and builds the lookup tables.
func newCatalog(descriptors []Descriptor, groups []Group) (*Catalog, error) {
	c := &Catalog{
		byName:      make(map[string]Descriptor, len(descriptors)),
		groupByName: make(map[string]Group, len(groups)),
	}

	for i, d := range descriptors {
		d.Name = strings.TrimSpace(d.Name)
		d.OID = normalizeOID(d.OID)
		d.Label = strings.TrimSpace(d.Label)
		if d.Name == "" {
			return nil, fmt.Errorf("metric %d: empty name", i)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("metric %q: duplicate name", d.Name)
		}
		if !validOID(d.OID) {
			return nil, fmt.Errorf("metric %q: invalid oid %q", d.Name, d.OID)
		}
		if d.Unit == "" {
			d.Unit = UnitRaw
		}
		if !d.Unit.Valid() {
			return nil, fmt.Errorf("metric %q: unknown unit %q", d.Name, d.Unit)
		}
		c.byName[d.Name] = d
		c.descriptors = append(c.descriptors, d)
	}

	for i, g := range groups {
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" {
			return nil, fmt.Errorf("group %d: empty name", i)
		}
		if _, dup := c.groupByName[g.Name]; dup {
			return nil, fmt.Errorf("group %q: duplicate name", g.Name)
		}
		if len(g.Metrics) == 0 {
			return nil, fmt.Errorf("group %q: no metrics", g.Name)
		}
		seen := make(map[string]struct{}, len(g.Metrics))
		members := make([]string, 0, len(g.Metrics))
		for _, m := range g.Metrics {
			m = strings.TrimSpace(m)
			if _, ok := c.byName[m]; !ok {
				return nil, fmt.Errorf("group %q: unknown metric %q", g.Name, m)
			}
			if _, dup := seen[m]; dup {
				return nil, fmt.Errorf("group %q: metric %q listed twice", g.Name, m)
			}
			seen[m] = struct{}{}
			members = append(members, m)
		}
		g.Metrics = members
		c.groupByName[g.Name] = g
		c.groups = append(c.groups, g)
	}

	return c, nil
}

// normalizeOID strips surrounding whitespace and a single leading dot.
func normalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

// validOID reports whether oid is a dotted path of decimal arcs.
func validOID(oid string) bool {
	if oid == "" {
		return false
	}
	for _, arc := range strings.Split(oid, ".") {
		if arc == "" {
			return false
		}
		for _, r := range arc {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
