package idmap

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/wegman-software/osm-mirror/internal/entity"
)

// Map is a kind-partitioned id substitution table.
// It is serialized as {"nodes": {"<id>": <id>}, "ways": {...}, "relations": {...}}.
type Map struct {
	Nodes     map[int64]int64 `json:"nodes"`
	Ways      map[int64]int64 `json:"ways"`
	Relations map[int64]int64 `json:"relations"`
}

// New creates an empty map
func New() *Map {
	return &Map{
		Nodes:     make(map[int64]int64),
		Ways:      make(map[int64]int64),
		Relations: make(map[int64]int64),
	}
}

// Partition returns the table for a kind, creating it when missing
func (m *Map) Partition(kind entity.Kind) map[int64]int64 {
	switch kind {
	case entity.KindNode:
		if m.Nodes == nil {
			m.Nodes = make(map[int64]int64)
		}
		return m.Nodes
	case entity.KindWay:
		if m.Ways == nil {
			m.Ways = make(map[int64]int64)
		}
		return m.Ways
	case entity.KindRelation:
		if m.Relations == nil {
			m.Relations = make(map[int64]int64)
		}
		return m.Relations
	}
	panic(fmt.Sprintf("idmap: unknown kind %q", kind))
}

// Lookup implements entity.Mapper
func (m *Map) Lookup(kind entity.Kind, id int64) (int64, bool) {
	v, ok := m.Partition(kind)[id]
	return v, ok
}

// Set maps id to target
func (m *Map) Set(kind entity.Kind, id, target int64) {
	m.Partition(kind)[id] = target
}

// Delete removes the mapping for id
func (m *Map) Delete(kind entity.Kind, id int64) {
	delete(m.Partition(kind), id)
}

// Len returns the number of mappings over all kinds
func (m *Map) Len() int {
	return len(m.Nodes) + len(m.Ways) + len(m.Relations)
}

// Keys returns the mapped ids of a kind in ascending order
func (m *Map) Keys(kind entity.Kind) []int64 {
	part := m.Partition(kind)
	keys := make([]int64, 0, len(part))
	for k := range part {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Invert returns a map from target back to id
func (m *Map) Invert() *Map {
	out := New()
	for _, kind := range entity.Kinds {
		for k, v := range m.Partition(kind) {
			out.Set(kind, v, k)
		}
	}
	return out
}

// Merge copies every mapping of other into m, overwriting existing keys
func (m *Map) Merge(other *Map) {
	if other == nil {
		return
	}
	for _, kind := range entity.Kinds {
		for k, v := range other.Partition(kind) {
			m.Set(kind, k, v)
		}
	}
}

// Narrow drops mappings that do not point at an authoritative id and identity mappings
func (m *Map) Narrow() {
	for _, kind := range entity.Kinds {
		part := m.Partition(kind)
		for k, v := range part {
			if v < 0 || k == v {
				delete(part, k)
			}
		}
	}
}

// Clone returns a deep copy
func (m *Map) Clone() *Map {
	out := New()
	out.Merge(m)
	return out
}

// UnmarshalJSON accepts ids written either as numbers or as strings and tolerates
// missing partitions.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = *New()
	for _, kind := range entity.Kinds {
		for key, value := range raw[kind.Dir()] {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s id %q: %w", kind, key, err)
			}
			target, err := parseID(value)
			if err != nil {
				return fmt.Errorf("invalid %s mapping for %d: %w", kind, id, err)
			}
			m.Set(kind, id, target)
		}
	}
	return nil
}

func parseID(value json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.Int64()
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Read decodes a map. An empty input yields an empty map.
func Read(r io.Reader) (*Map, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read id map: %w", err)
	}
	m := New()
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse id map: %w", err)
	}
	return m, nil
}

// Write encodes the map
func (m *Map) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(m)
}

// LoadFile reads a map from disk. A missing file yields an empty map.
func LoadFile(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to open id map: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// SaveFile writes the map to a temporary file and renames it into place
func (m *Map) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create id map directory: %w", err)
	}

	tmpFile := path + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create id map file: %w", err)
	}

	err = m.Write(out)
	out.Close()
	if err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write id map: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename id map file: %w", err)
	}
	return nil
}
