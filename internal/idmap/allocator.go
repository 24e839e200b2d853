package idmap

import "github.com/wegman-software/osm-mirror/internal/entity"

type allocKey struct {
	kind entity.Kind
	id   int64
}

// Allocator mints placeholder ids for entities the remote store does not know yet.
// Ids start at -1 and decrease by one per allocation across all kinds.
// An Allocator is scoped to a single run and is not safe for concurrent use.
type Allocator struct {
	next    int64
	keys    map[allocKey]int64
	forward *Map // local id -> placeholder
}

// NewAllocator creates an allocator starting at -1
func NewAllocator() *Allocator {
	return &Allocator{
		next:    -1,
		keys:    make(map[allocKey]int64),
		forward: New(),
	}
}

// Allocate returns the placeholder for (kind, localID), minting one on first use
func (a *Allocator) Allocate(kind entity.Kind, localID int64) int64 {
	key := allocKey{kind: kind, id: localID}
	if id, ok := a.keys[key]; ok {
		return id
	}

	id := a.next
	a.next--
	a.keys[key] = id
	a.forward.Set(kind, localID, id)
	return id
}

// Release forgets the placeholder of (kind, localID). The id is not reused.
func (a *Allocator) Release(kind entity.Kind, localID int64) {
	delete(a.keys, allocKey{kind: kind, id: localID})
	a.forward.Delete(kind, localID)
}

// Allocated returns the number of placeholders minted so far
func (a *Allocator) Allocated() int {
	return len(a.keys)
}

// Forward returns the local id -> placeholder map used to renumber references.
// The returned map is owned by the allocator.
func (a *Allocator) Forward() *Map {
	return a.forward
}

// Placeholders returns a new placeholder -> local id map for export
func (a *Allocator) Placeholders() *Map {
	return a.forward.Invert()
}
