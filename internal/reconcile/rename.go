// Package reconcile folds the ids assigned by the server back into the mirror.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/store"
)

type renameResult int

const (
	renameDone     renameResult = iota // record moved
	renameInPlace                      // already at the target, nothing to move
	renameMissing                      // neither source nor target exists
	renameConflict                     // target occupied, source left in place
)

// relocate moves the record (kind, from) to (kind, to) and rewrites its own id.
// When version > 0 the record's version is set as well. A record already living
// at the target is treated as done, which makes repeated runs harmless.
func relocate(ctx context.Context, st store.Store, kind entity.Kind, from, to int64, version int) (renameResult, error) {
	log := logger.Get()
	result := renameDone

	err := st.Rename(ctx, kind, from, to)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		result = renameInPlace
	case errors.Is(err, store.ErrRenameConflict):
		// Most likely a leftover from an interrupted link-then-unlink: drop the stale target
		log.Warn("Rename target exists, removing stale record",
			zap.String("kind", string(kind)),
			zap.Int64("old_id", from),
			zap.Int64("new_id", to))
		if rmErr := st.Remove(ctx, kind, to); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
			log.Error("Failed to remove stale rename target, leaving source in place",
				zap.String("kind", string(kind)),
				zap.Int64("old_id", from),
				zap.Int64("new_id", to),
				zap.Error(rmErr))
			return renameConflict, nil
		}
		if err := st.Rename(ctx, kind, from, to); err != nil {
			log.Error("Rename retry failed, leaving source in place",
				zap.String("kind", string(kind)),
				zap.Int64("old_id", from),
				zap.Int64("new_id", to),
				zap.Error(err))
			return renameConflict, nil
		}
	default:
		return 0, fmt.Errorf("failed to rename %s %d -> %d: %w", kind, from, to, err)
	}

	rec, err := st.Read(ctx, kind, to)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Record to rename not found",
			zap.String("kind", string(kind)),
			zap.Int64("old_id", from),
			zap.Int64("new_id", to))
		return renameMissing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s %d: %w", kind, to, err)
	}

	if rec.ID == to && (version <= 0 || rec.Version == version) {
		return result, nil
	}
	rec.ID = to
	if version > 0 {
		rec.Version = version
	}
	if err := st.Write(ctx, kind, to, rec); err != nil {
		return 0, fmt.Errorf("failed to update %s %d: %w", kind, to, err)
	}
	return result, nil
}
