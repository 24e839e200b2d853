package osc

import (
	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

// Change is one element of an osmChange document
type Change struct {
	Action  pipeline.Op
	Kind    entity.Kind
	Record  entity.Record
	Visible bool // false for deletions and for elements marked visible="false"
}

// Removes reports whether applying the change deletes the record
func (c Change) Removes() bool {
	return c.Action == pipeline.OpDelete || !c.Visible
}

// KindCounts counts elements per kind
type KindCounts struct {
	Nodes     int64
	Ways      int64
	Relations int64
}

func (k *KindCounts) add(kind entity.Kind) {
	switch kind {
	case entity.KindNode:
		k.Nodes++
	case entity.KindWay:
		k.Ways++
	case entity.KindRelation:
		k.Relations++
	}
}

// Sum returns the count over all kinds
func (k KindCounts) Sum() int64 {
	return k.Nodes + k.Ways + k.Relations
}

// Stats counts parsed elements per section
type Stats struct {
	Created  KindCounts
	Modified KindCounts
	Deleted  KindCounts
}

func (s *Stats) count(c Change) {
	switch c.Action {
	case pipeline.OpCreate:
		s.Created.add(c.Kind)
	case pipeline.OpModify:
		s.Modified.add(c.Kind)
	case pipeline.OpDelete:
		s.Deleted.add(c.Kind)
	}
}

// Total returns the number of parsed elements
func (s Stats) Total() int64 {
	return s.Created.Sum() + s.Modified.Sum() + s.Deleted.Sum()
}
