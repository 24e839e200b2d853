package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
)

const recordExt = ".yaml"

// History returns earlier revisions of a file in the mirror
type History interface {
	// Previous returns the content of relPath at the revision before the current one
	Previous(ctx context.Context, relPath string) ([]byte, error)
}

// FileStore keeps one YAML file per entity under <root>/<kind>s/<id>.yaml
type FileStore struct {
	root    string
	history History
	locks   keyLocks
}

// NewFileStore creates a store rooted at root. history may be nil, in which case
// ReadHistorical always fails with ErrNotFound.
func NewFileStore(root string, history History) *FileStore {
	return &FileStore{
		root:    root,
		history: history,
	}
}

// RelPath returns the path of a record relative to the store root
func RelPath(kind entity.Kind, id int64) string {
	return filepath.Join(kind.Dir(), strconv.FormatInt(id, 10)+recordExt)
}

// Path returns the absolute location of a record
func (s *FileStore) Path(kind entity.Kind, id int64) string {
	return filepath.Join(s.root, RelPath(kind, id))
}

// Read implements Store
func (s *FileStore) Read(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	unlock := s.locks.lock(kind, id)
	defer unlock()

	data, err := os.ReadFile(s.Path(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return entity.Record{}, notFound(kind, id)
		}
		return entity.Record{}, fmt.Errorf("failed to read %s %d: %w", kind, id, err)
	}
	return DecodeRecord(data)
}

// ReadHistorical implements Store
func (s *FileStore) ReadHistorical(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	if s.history == nil {
		return entity.Record{}, notFound(kind, id)
	}

	data, err := s.history.Previous(ctx, RelPath(kind, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return entity.Record{}, notFound(kind, id)
		}
		return entity.Record{}, fmt.Errorf("failed to read previous %s %d: %w", kind, id, err)
	}
	return DecodeRecord(data)
}

// Write implements Store. The record is written to a temporary file in the
// target directory and renamed into place.
func (s *FileStore) Write(ctx context.Context, kind entity.Kind, id int64, rec entity.Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %d: %w", kind, id, err)
	}

	unlock := s.locks.lock(kind, id)
	defer unlock()

	path := s.Path(kind, id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s %d: %w", kind, id, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish %s %d: %w", kind, id, err)
	}
	return nil
}

// Remove implements Store
func (s *FileStore) Remove(ctx context.Context, kind entity.Kind, id int64) error {
	unlock := s.locks.lock(kind, id)
	defer unlock()

	if err := os.Remove(s.Path(kind, id)); err != nil {
		if os.IsNotExist(err) {
			return notFound(kind, id)
		}
		return fmt.Errorf("failed to remove %s %d: %w", kind, id, err)
	}
	return nil
}

// Rename implements Store by hard-linking the new name and then unlinking the old one.
// A crash in between leaves both names, never neither.
func (s *FileStore) Rename(ctx context.Context, kind entity.Kind, oldID, newID int64) error {
	if oldID == newID {
		return nil
	}

	unlock := s.locks.lock(kind, oldID, newID)
	defer unlock()

	src := s.Path(kind, oldID)
	dst := s.Path(kind, newID)

	if err := os.Link(src, dst); err != nil {
		switch {
		case os.IsExist(err):
			return renameConflict(kind, oldID, newID)
		case os.IsNotExist(err):
			return notFound(kind, oldID)
		}
		return fmt.Errorf("failed to link %s %d -> %d: %w", kind, oldID, newID, err)
	}

	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		logger.Get().Warn("Renamed record left behind a duplicate",
			zap.String("kind", string(kind)),
			zap.Int64("old_id", oldID),
			zap.Int64("new_id", newID),
			zap.Error(err))
	}
	return nil
}

// List implements Store
func (s *FileStore) List(ctx context.Context, kind entity.Kind) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind.Dir()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", kind.Dir(), err)
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, recordExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}

// EncodeRecord serializes a record as YAML with sorted keys
func EncodeRecord(rec entity.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses a YAML record
func DecodeRecord(data []byte) (entity.Record, error) {
	var rec entity.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return entity.Record{}, fmt.Errorf("failed to parse record: %w", err)
	}
	return rec, nil
}
