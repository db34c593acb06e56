// Package view composes the current snapshots of all instances into one read-only target list.
package view

import (
	"sort"

	"msd/internal/core"
	"msd/internal/snapshot"
)

// Filter narrows a query. Empty fields match everything.
type Filter struct {
	Job      string
	Instance string
}

func (f Filter) match(t core.Target) bool {
	return (f.Job == "" || t.Job == f.Job) && (f.Instance == "" || t.Instance == f.Instance)
}

// TargetGroup is the scrape-target discovery form of targets sharing a label set
type TargetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// View reads each instance's store independently; it holds no lock across instances.
type View struct {
	stores map[string]*snapshot.Store
	names  []string
}

// New creates a view over the given stores. The set of stores is fixed.
func New(stores ...*snapshot.Store) *View {
	v := &View{
		stores: make(map[string]*snapshot.Store, len(stores)),
		names:  make([]string, 0, len(stores)),
	}
	for _, s := range stores {
		v.stores[s.Instance()] = s
		v.names = append(v.names, s.Instance())
	}
	sort.Strings(v.names)
	return v
}

// Instances returns the configured instance names in sorted order
func (v *View) Instances() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Has reports whether name is a configured instance
func (v *View) Has(name string) bool {
	_, ok := v.stores[name]
	return ok
}

// Snapshot returns the current snapshot of one instance; nil if none has been
// published yet.
func (v *View) Snapshot(name string) *core.Snapshot {
	s, ok := v.stores[name]
	if !ok {
		return nil
	}
	return s.Current()
}

// Targets returns the union of all current snapshots matching f. Each
// instance contributes exactly one snapshot version.
func (v *View) Targets(f Filter) []core.Target {
	var out []core.Target
	for _, name := range v.names {
		if f.Instance != "" && f.Instance != name {
			continue
		}
		snap := v.stores[name].Current()
		if snap == nil {
			continue
		}
		for _, t := range snap.Targets {
			if f.match(t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// Groups returns Targets(f) grouped by identical label sets
func (v *View) Groups(f Filter) []TargetGroup {
	return Group(v.Targets(f))
}

// Group collects targets with identical label sets. Groups are ordered by
// label set and addresses within a group are sorted.
func Group(targets []core.Target) []TargetGroup {
	type entry struct {
		labels  core.Labels
		targets []string
	}
	byKey := make(map[string]*entry)
	keys := make([]string, 0)

	for _, t := range targets {
		key := t.Labels.String()
		e, ok := byKey[key]
		if !ok {
			e = &entry{labels: t.Labels}
			byKey[key] = e
			keys = append(keys, key)
		}
		e.targets = append(e.targets, t.Address)
	}
	sort.Strings(keys)

	groups := make([]TargetGroup, 0, len(keys))
	for _, key := range keys {
		e := byKey[key]
		sort.Strings(e.targets)
		groups = append(groups, TargetGroup{
			Targets: e.targets,
			Labels:  e.labels.Map(),
		})
	}
	return groups
}
