package pipeline

import (
	"sort"

	"github.com/wegman-software/osm-mirror/internal/idmap"
)

// ReconciliationContext owns the state of one pipeline run: the placeholder allocator,
// the buffered changeset entries and the run summary. It is created per run and passed
// to every stage; nothing is shared between runs.
type ReconciliationContext struct {
	ChangesetID int64
	Generator   string
	Policy      Policy

	Allocator *idmap.Allocator
	Summary   *Summary

	creates  []Entry
	modifies []Entry
	deletes  []Entry
}

// NewReconciliationContext creates the state for a new run
func NewReconciliationContext(changesetID int64, generator string, policy Policy) *ReconciliationContext {
	return &ReconciliationContext{
		ChangesetID: changesetID,
		Generator:   generator,
		Policy:      policy,
		Allocator:   idmap.NewAllocator(),
		Summary:     &Summary{},
	}
}

// Buffer appends a compiled entry to the section of its operation
func (c *ReconciliationContext) Buffer(e Entry) {
	switch e.Action.Op {
	case OpCreate:
		c.creates = append(c.creates, e)
	case OpModify:
		c.modifies = append(c.modifies, e)
	case OpDelete:
		c.deletes = append(c.deletes, e)
	}
}

// Entries returns the buffered entries of op in document order.
// Creates are ordered node, way, relation so placeholders exist before they are referenced;
// deletes run the other way so referrers go first. Input order is kept within a kind.
func (c *ReconciliationContext) Entries(op Op) []Entry {
	switch op {
	case OpCreate:
		out := append([]Entry(nil), c.creates...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Action.Kind.Rank() < out[j].Action.Kind.Rank()
		})
		return out
	case OpModify:
		return append([]Entry(nil), c.modifies...)
	case OpDelete:
		out := append([]Entry(nil), c.deletes...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Action.Kind.Rank() > out[j].Action.Kind.Rank()
		})
		return out
	}
	return nil
}

// Retain keeps the buffered entries of op for which keep returns true
func (c *ReconciliationContext) Retain(op Op, keep func(Entry) bool) {
	var buf *[]Entry
	switch op {
	case OpCreate:
		buf = &c.creates
	case OpModify:
		buf = &c.modifies
	case OpDelete:
		buf = &c.deletes
	default:
		return
	}

	kept := (*buf)[:0]
	for _, e := range *buf {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	*buf = kept
}

// Discard drops every buffered entry. Used when a run aborts so nothing partial is emitted.
func (c *ReconciliationContext) Discard() {
	c.creates = nil
	c.modifies = nil
	c.deletes = nil
}
