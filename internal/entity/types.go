package entity

import (
	"fmt"
	"sort"

	"github.com/paulmach/osm"
)

// Kind is one of the three OSM entity types
type Kind string

const (
	KindNode     Kind = "node"
	KindWay      Kind = "way"
	KindRelation Kind = "relation"
)

// Kinds lists every kind in dependency order (referenced kinds first)
var Kinds = []Kind{KindNode, KindWay, KindRelation}

// Dir returns the storage directory name for the kind ("nodes", "ways", "relations")
func (k Kind) Dir() string {
	return string(k) + "s"
}

// OSMType returns the paulmach/osm type for the kind
func (k Kind) OSMType() osm.Type {
	return osm.Type(k)
}

// Rank orders kinds node < way < relation
func (k Kind) Rank() int {
	switch k {
	case KindNode:
		return 0
	case KindWay:
		return 1
	case KindRelation:
		return 2
	}
	return 3
}

// Short returns the one-letter member type ("n", "w", "r")
func (k Kind) Short() string {
	return string(k)[:1]
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindNode || k == KindWay || k == KindRelation
}

// KindFromDir parses a storage directory name
func KindFromDir(dir string) (Kind, error) {
	switch dir {
	case "nodes":
		return KindNode, nil
	case "ways":
		return KindWay, nil
	case "relations":
		return KindRelation, nil
	}
	return "", fmt.Errorf("unknown entity directory %q", dir)
}

// KindFromMemberType parses a relation member type.
// Both the long form ("node") and the short form written by osmium ("n") are accepted.
func KindFromMemberType(t string) (Kind, error) {
	switch t {
	case "node", "n":
		return KindNode, nil
	case "way", "w":
		return KindWay, nil
	case "relation", "r":
		return KindRelation, nil
	}
	return "", fmt.Errorf("unknown member type %q", t)
}

// Member is a relation member
type Member struct {
	Ref  int64  `yaml:"ref" json:"ref"`
	Role string `yaml:"role" json:"role"`
	Type string `yaml:"type" json:"type"`
}

// Kind returns the declared kind of the member
func (m Member) Kind() (Kind, error) {
	return KindFromMemberType(m.Type)
}

// Record is a single stored entity.
// Fields are declared in key order so the YAML encoding is sorted.
type Record struct {
	ID      int64             `yaml:"id,omitempty" json:"id,omitempty"`
	Lat     *float64          `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lon     *float64          `yaml:"lon,omitempty" json:"lon,omitempty"`
	Members []Member          `yaml:"members,omitempty" json:"members,omitempty"`
	Nds     []int64           `yaml:"nds,omitempty" json:"nds,omitempty"`
	Tags    map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	UID     int64             `yaml:"uid,omitempty" json:"uid,omitempty"`
	User    string            `yaml:"user,omitempty" json:"user,omitempty"`
	Version int               `yaml:"version" json:"version"`
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	if r.Lat != nil {
		lat := *r.Lat
		out.Lat = &lat
	}
	if r.Lon != nil {
		lon := *r.Lon
		out.Lon = &lon
	}
	if r.Members != nil {
		out.Members = append([]Member(nil), r.Members...)
	}
	if r.Nds != nil {
		out.Nds = append([]int64(nil), r.Nds...)
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// SortedTagKeys returns the tag keys in lexical order
func (r Record) SortedTagKeys() []string {
	keys := make([]string, 0, len(r.Tags))
	for k := range r.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns a pointer to f, for building node records
func Float(f float64) *float64 {
	return &f
}
