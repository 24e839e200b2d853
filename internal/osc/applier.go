package osc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/store"
)

// ApplyStats counts what an apply run did to the store
type ApplyStats struct {
	Written int64
	Removed int64
	Missing int64 // removals of records that did not exist
}

// Applier writes the changes of an OSC document into the mirror
type Applier struct {
	store store.Store
}

// NewApplier creates an applier over st
func NewApplier(st store.Store) *Applier {
	return &Applier{store: st}
}

// Apply consumes changes until the channel is closed. Created and modified
// elements replace the stored record; deleted or invisible elements remove it.
func (a *Applier) Apply(ctx context.Context, changes <-chan Change, errs <-chan error) (ApplyStats, error) {
	log := logger.Get()
	var stats ApplyStats

	for change := range changes {
		if err := a.applyOne(ctx, change, &stats); err != nil {
			// Drain the parser so its goroutine can exit
			for range changes {
			}
			return stats, err
		}
	}

	for err := range errs {
		if err != nil {
			return stats, err
		}
	}

	log.Info("OSC applied",
		zap.Int64("written", stats.Written),
		zap.Int64("removed", stats.Removed),
		zap.Int64("missing", stats.Missing))
	return stats, nil
}

func (a *Applier) applyOne(ctx context.Context, c Change, stats *ApplyStats) error {
	id := c.Record.ID

	if c.Removes() {
		err := a.store.Remove(ctx, c.Kind, id)
		if errors.Is(err, store.ErrNotFound) {
			logger.Get().Debug("Record to remove not found",
				zap.String("kind", string(c.Kind)),
				zap.Int64("id", id))
			stats.Missing++
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to remove %s %d: %w", c.Kind, id, err)
		}
		stats.Removed++
		return nil
	}

	if err := a.store.Write(ctx, c.Kind, id, c.Record); err != nil {
		return fmt.Errorf("failed to write %s %d: %w", c.Kind, id, err)
	}
	stats.Written++
	return nil
}
