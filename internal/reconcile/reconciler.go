package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/diffresult"
	"github.com/wegman-software/osm-mirror/internal/idmap"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/store"
)

// Stats counts what a reconciliation did
type Stats struct {
	Outcomes  int
	Renamed   int
	InPlace   int
	Missing   int
	Conflicts int
	Deleted   int
	Versioned int
}

// Reconciler applies a diffResult to the store
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a reconciler over st
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Reconcile renames every record whose submitted id was replaced by the server
// and returns the local id -> authoritative id map, extended from prior when
// given. placeholders maps the ids submitted in the changeset back to local ids
// and is not modified.
func (r *Reconciler) Reconcile(ctx context.Context, outcomes []diffresult.Outcome, placeholders, prior *idmap.Map) (*idmap.Map, Stats, error) {
	log := logger.Get()

	out := idmap.New()
	out.Merge(prior)
	if placeholders == nil {
		placeholders = idmap.New()
	}

	var stats Stats
	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		stats.Outcomes++

		if o.NewID == nil {
			stats.Deleted++
			continue
		}
		newID := *o.NewID

		localID := o.OldID
		if local, ok := placeholders.Lookup(o.Kind, o.OldID); ok {
			localID = local
		}

		if localID == newID {
			// Modified in place; only the version moves
			if o.NewVersion > 0 {
				if _, err := relocate(ctx, r.store, o.Kind, newID, newID, o.NewVersion); err != nil {
					return nil, stats, err
				}
				stats.Versioned++
			}
			continue
		}

		out.Set(o.Kind, localID, newID)

		result, err := relocate(ctx, r.store, o.Kind, localID, newID, o.NewVersion)
		if err != nil {
			return nil, stats, fmt.Errorf("failed to reconcile %s %d: %w", o.Kind, o.OldID, err)
		}
		switch result {
		case renameDone:
			stats.Renamed++
			log.Debug("Renamed record",
				zap.String("kind", string(o.Kind)),
				zap.Int64("old_id", localID),
				zap.Int64("new_id", newID))
		case renameInPlace:
			stats.InPlace++
		case renameMissing:
			stats.Missing++
		case renameConflict:
			stats.Conflicts++
		}
	}

	out.Narrow()

	log.Info("Reconciliation complete",
		zap.Int("outcomes", stats.Outcomes),
		zap.Int("renamed", stats.Renamed),
		zap.Int("already_renamed", stats.InPlace),
		zap.Int("missing", stats.Missing),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("deleted", stats.Deleted))

	return out, stats, nil
}
