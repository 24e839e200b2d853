package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/config"
	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
)

// PGStore keeps the mirror in PostgreSQL, one table per kind.
// Each row carries the current record and the one it replaced; removal is a
// soft delete so the last state stays readable through ReadHistorical.
type PGStore struct {
	cfg  *config.Config
	pool *pgxpool.Pool

	// Statistics
	Writes  atomic.Int64
	Removes atomic.Int64
	Renames atomic.Int64
}

// OpenPGStore connects to PostgreSQL and makes sure the mirror tables exist
func OpenPGStore(ctx context.Context, cfg *config.Config) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Workers)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &PGStore{cfg: cfg, pool: pool}
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) table(kind entity.Kind) string {
	return pgx.Identifier{s.cfg.DBSchema, "mirror_" + kind.Dir()}.Sanitize()
}

// EnsureTables creates the mirror tables if they don't exist
func (s *PGStore) EnsureTables(ctx context.Context) error {
	log := logger.Get()

	for _, kind := range entity.Kinds {
		log.Debug("Ensuring mirror table", zap.String("kind", string(kind)))
		sql := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				version INTEGER NOT NULL,
				record JSONB NOT NULL,
				previous JSONB,
				deleted BOOLEAN NOT NULL DEFAULT FALSE
			)`, s.table(kind))
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create table for %s: %w", kind.Dir(), err)
		}
	}
	return nil
}

// Read implements Store
func (s *PGStore) Read(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT record FROM %s WHERE id = $1 AND NOT deleted", s.table(kind)),
		id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Record{}, notFound(kind, id)
	}
	if err != nil {
		return entity.Record{}, fmt.Errorf("failed to read %s %d: %w", kind, id, err)
	}
	return decodeJSONRecord(data)
}

// ReadHistorical implements Store
func (s *PGStore) ReadHistorical(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT previous FROM %s WHERE id = $1", s.table(kind)),
		id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && data == nil) {
		return entity.Record{}, notFound(kind, id)
	}
	if err != nil {
		return entity.Record{}, fmt.Errorf("failed to read previous %s %d: %w", kind, id, err)
	}
	return decodeJSONRecord(data)
}

// Write implements Store. The replaced record is kept in the previous column.
func (s *PGStore) Write(ctx context.Context, kind entity.Kind, id int64, rec entity.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %d: %w", kind, id, err)
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`
			INSERT INTO %s AS t (id, version, record)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				previous = t.record,
				version = EXCLUDED.version,
				record = EXCLUDED.record,
				deleted = FALSE
		`, s.table(kind)),
		id, rec.Version, data,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s %d: %w", kind, id, err)
	}
	s.Writes.Add(1)
	return nil
}

// Remove implements Store
func (s *PGStore) Remove(ctx context.Context, kind entity.Kind, id int64) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET previous = record, deleted = TRUE WHERE id = $1 AND NOT deleted", s.table(kind)),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to remove %s %d: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(kind, id)
	}
	s.Removes.Add(1)
	return nil
}

// Rename implements Store inside a single transaction. A soft-deleted row at
// the target id does not count as a conflict and is replaced.
func (s *PGStore) Rename(ctx context.Context, kind entity.Kind, oldID, newID int64) error {
	if oldID == newID {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var deleted bool
		err := tx.QueryRow(ctx,
			fmt.Sprintf("SELECT deleted FROM %s WHERE id = $1 FOR UPDATE", s.table(kind)),
			newID,
		).Scan(&deleted)
		switch {
		case err == nil && !deleted:
			return renameConflict(kind, oldID, newID)
		case err == nil:
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table(kind)), newID); err != nil {
				return err
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		tag, err := tx.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET id = $2 WHERE id = $1 AND NOT deleted", s.table(kind)),
			oldID, newID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound(kind, oldID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRenameConflict) {
			return err
		}
		return fmt.Errorf("failed to rename %s %d -> %d: %w", kind, oldID, newID, err)
	}
	s.Renames.Add(1)
	return nil
}

// List implements Store
func (s *PGStore) List(ctx context.Context, kind entity.Kind) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE NOT deleted ORDER BY id", s.table(kind)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Dir(), err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Dir(), err)
	}
	return ids, nil
}

// Close implements Store
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeJSONRecord(data []byte) (entity.Record, error) {
	var rec entity.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return entity.Record{}, fmt.Errorf("failed to parse record: %w", err)
	}
	return rec, nil
}
