package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/idmap"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/store"
)

// DefaultSweepWorkers bounds the number of records rewritten concurrently
const DefaultSweepWorkers = 50

// SweepStats counts what a sweep did
type SweepStats struct {
	Renamed   int64
	Scanned   int64
	Rewritten int64
}

// Sweep brings every stored record in line with m (local id -> authoritative id).
// Records still living under a mapped id are renamed first, one at a time; then
// every way and relation is scanned and those whose references change are
// rewritten, up to workers at a time. progress may be nil.
func Sweep(ctx context.Context, st store.Store, m *idmap.Map, workers int, progress *pipeline.ProgressTracker) (SweepStats, error) {
	log := logger.Get()
	var stats SweepStats

	if workers <= 0 {
		workers = DefaultSweepWorkers
	}

	for _, kind := range entity.Kinds {
		for _, from := range m.Keys(kind) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			to, _ := m.Lookup(kind, from)

			if _, err := st.Read(ctx, kind, from); errors.Is(err, store.ErrNotFound) {
				continue
			} else if err != nil {
				return stats, fmt.Errorf("failed to read %s %d: %w", kind, from, err)
			}

			result, err := relocate(ctx, st, kind, from, to, 0)
			if err != nil {
				return stats, err
			}
			if result == renameDone {
				stats.Renamed++
				log.Debug("Renamed record left behind",
					zap.String("kind", string(kind)),
					zap.Int64("old_id", from),
					zap.Int64("new_id", to))
			}
		}
	}

	var scanned, rewritten atomic.Int64
	for _, kind := range []entity.Kind{entity.KindWay, entity.KindRelation} {
		ids, err := st.List(ctx, kind)
		if err != nil {
			return stats, fmt.Errorf("failed to list %s: %w", kind.Dir(), err)
		}
		progress.AddTotal(int64(len(ids)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)

		for _, id := range ids {
			id := id
			g.Go(func() error {
				defer progress.Advance(1)
				rec, err := st.Read(gctx, kind, id)
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to read %s %d: %w", kind, id, err)
				}
				scanned.Add(1)

				out, changed := entity.Renumber(rec, m)
				if !changed {
					return nil
				}
				if err := st.Write(gctx, kind, id, out); err != nil {
					return fmt.Errorf("failed to write %s %d: %w", kind, id, err)
				}
				rewritten.Add(1)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return stats, err
		}
	}

	stats.Scanned = scanned.Load()
	stats.Rewritten = rewritten.Load()

	log.Info("Renumber sweep complete",
		zap.Int64("renamed", stats.Renamed),
		zap.Int64("scanned", stats.Scanned),
		zap.Int64("rewritten", stats.Rewritten))

	return stats, nil
}
