package core

import (
	"sort"
	"strconv"
	"strings"
)

// Label is a single name/value pair
type Label struct {
	Name  string
	Value string
}

// Labels is a label set ordered by name with unique names
type Labels []Label

// NewLabels builds an ordered label set from a map
func NewLabels(m map[string]string) Labels {
	ls := make(Labels, 0, len(m))
	for name, value := range m {
		ls = append(ls, Label{Name: name, Value: value})
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].Name < ls[j].Name })
	return ls
}

// Get returns the value of the named label
func (ls Labels) Get(name string) (string, bool) {
	i := sort.Search(len(ls), func(i int) bool { return ls[i].Name >= name })
	if i < len(ls) && ls[i].Name == name {
		return ls[i].Value, true
	}
	return "", false
}

// Map returns a copy of the labels as a map
func (ls Labels) Map() map[string]string {
	m := make(map[string]string, len(ls))
	for _, l := range ls {
		m[l.Name] = l.Value
	}
	return m
}

// String renders the set as {a="1", b="2"} with values quoted, so two
// sets render equally only when they are equal.
func (ls Labels) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range ls {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l.Value))
	}
	b.WriteByte('}')
	return b.String()
}

// TargetKey identifies a target within and across instances
type TargetKey struct {
	Instance string
	Job      string
	Address  string
}

// Target is one discoverable endpoint
type Target struct {
	Instance string
	Job      string
	Address  string
	Labels   Labels
}

// Key returns the identity key of the target
func (t Target) Key() TargetKey {
	return TargetKey{Instance: t.Instance, Job: t.Job, Address: t.Address}
}
