package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/wegman-software/osm-mirror/internal/config"
	"github.com/wegman-software/osm-mirror/internal/entity"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrRenameConflict is returned when the target of a rename is already occupied
	ErrRenameConflict = errors.New("rename target exists")
)

// Store is a key-value view of the entity mirror: (kind, id) -> record
type Store interface {
	// Read loads the current record
	Read(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error)
	// ReadHistorical loads the version preceding the current one.
	// For a removed record this is its last known state.
	ReadHistorical(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error)
	// Write persists a record atomically; readers never observe a partial record
	Write(ctx context.Context, kind entity.Kind, id int64, rec entity.Record) error
	// Remove deletes a record
	Remove(ctx context.Context, kind entity.Kind, id int64) error
	// Rename moves a record to a new id, keeping its content and history.
	// It fails with ErrRenameConflict if newID is occupied.
	Rename(ctx context.Context, kind entity.Kind, oldID, newID int64) error
	// List returns the ids of all records of a kind in ascending order
	List(ctx context.Context, kind entity.Kind) ([]int64, error)
	Close() error
}

// Open creates the store selected by cfg.Backend
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		history := &GitHistory{Dir: cfg.StoreDir, Rev: cfg.GitRev}
		return NewFileStore(cfg.StoreDir, history), nil
	case config.BackendBolt:
		return OpenBoltStore(cfg.BoltPath)
	case config.BackendPostgres:
		return OpenPGStore(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func notFound(kind entity.Kind, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
}

func renameConflict(kind entity.Kind, oldID, newID int64) error {
	return fmt.Errorf("%w: %s %d -> %d", ErrRenameConflict, kind, oldID, newID)
}

const lockStripes = 64

// keyLocks serializes access to the same (kind, id) across goroutines
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) index(kind entity.Kind, id int64) int {
	h := fnv.New32a()
	h.Write([]byte(kind))
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return int(h.Sum32() % lockStripes)
}

// lock locks the stripes of all given ids and returns the unlock function.
// Stripes are taken in index order so two multi-key lockers cannot deadlock.
func (l *keyLocks) lock(kind entity.Kind, ids ...int64) func() {
	var held [lockStripes]bool
	for _, id := range ids {
		held[l.index(kind, id)] = true
	}
	for i := range held {
		if held[i] {
			l.stripes[i].Lock()
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if held[i] {
				l.stripes[i].Unlock()
			}
		}
	}
}
