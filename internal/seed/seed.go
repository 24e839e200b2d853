// Package seed populates the mirror from an OSM extract, keeping only the
// entities a set of change files touches.
package seed

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/osc"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/store"
)

type key struct {
	kind entity.Kind
	id   int64
}

// Selection is the set of existing entities referenced by change files.
// Entities a change file creates (version 1) are not selected: the extract
// predates them.
type Selection struct {
	refs  map[key]struct{}
	added map[key]struct{}

	Adds     int64
	Modifies int64
	Deletes  int64
}

// NewSelection creates an empty selection
func NewSelection() *Selection {
	return &Selection{
		refs:  make(map[key]struct{}),
		added: make(map[key]struct{}),
	}
}

// Add records one change
func (s *Selection) Add(c osc.Change) {
	k := key{kind: c.Kind, id: c.Record.ID}

	switch {
	case c.Removes():
		s.Deletes++
		s.refs[k] = struct{}{}
	case c.Record.Version == 1:
		s.Adds++
		s.added[k] = struct{}{}
	default:
		s.Modifies++
		if _, ok := s.added[k]; !ok {
			s.refs[k] = struct{}{}
		}
	}
}

// Collect adds every change read from the channel pair returned by an osc.Parser
func (s *Selection) Collect(changes <-chan osc.Change, errs <-chan error) error {
	for c := range changes {
		s.Add(c)
	}
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Wants reports whether the entity is selected
func (s *Selection) Wants(kind entity.Kind, id int64) bool {
	_, ok := s.refs[key{kind: kind, id: id}]
	return ok
}

// Len returns the number of selected entities
func (s *Selection) Len() int {
	return len(s.refs)
}

// OpenExtract opens an OSM extract for scanning. Files ending in .pbf are read
// as PBF, anything else as OSM XML; a trailing .gz is decompressed first.
func OpenExtract(ctx context.Context, path string) (osm.Scanner, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open extract: %w", err)
	}

	name := path
	var r io.Reader = f
	var gz *gzip.Reader
	if strings.HasSuffix(name, ".gz") {
		if gz, err = gzip.NewReader(f); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	var scanner osm.Scanner
	if strings.HasSuffix(name, ".pbf") {
		scanner = osmpbf.New(ctx, r, runtime.NumCPU())
	} else {
		scanner = osmxml.New(ctx, r)
	}

	closeAll := func() error {
		err := scanner.Close()
		if gz != nil {
			gz.Close()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return scanner, closeAll, nil
}

// RecordFromObject converts a scanned OSM object into a mirror record
func RecordFromObject(o osm.Object) (entity.Kind, entity.Record, bool) {
	switch v := o.(type) {
	case *osm.Node:
		return entity.KindNode, entity.Record{
			ID:      int64(v.ID),
			Lat:     entity.Float(v.Lat),
			Lon:     entity.Float(v.Lon),
			Tags:    tagMap(v.Tags),
			UID:     int64(v.UserID),
			User:    v.User,
			Version: v.Version,
		}, true
	case *osm.Way:
		nds := make([]int64, len(v.Nodes))
		for i, n := range v.Nodes {
			nds[i] = int64(n.ID)
		}
		return entity.KindWay, entity.Record{
			ID:      int64(v.ID),
			Nds:     nds,
			Tags:    tagMap(v.Tags),
			UID:     int64(v.UserID),
			User:    v.User,
			Version: v.Version,
		}, true
	case *osm.Relation:
		members := make([]entity.Member, 0, len(v.Members))
		for _, m := range v.Members {
			kind, err := entity.KindFromMemberType(string(m.Type))
			if err != nil {
				continue
			}
			members = append(members, entity.Member{Type: kind.Short(), Ref: m.Ref, Role: m.Role})
		}
		return entity.KindRelation, entity.Record{
			ID:      int64(v.ID),
			Members: members,
			Tags:    tagMap(v.Tags),
			UID:     int64(v.UserID),
			User:    v.User,
			Version: v.Version,
		}, true
	}
	return "", entity.Record{}, false
}

func tagMap(tags osm.Tags) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	return tags.Map()
}

// Stats counts what a seed run did
type Stats struct {
	Scanned int64
	Written int64
}

// Seed writes every selected entity found by scanner into st, up to workers at a time
func Seed(ctx context.Context, scanner osm.Scanner, sel *Selection, st store.Store, workers int, progress *pipeline.ProgressTracker) (Stats, error) {
	log := logger.Get()
	var stats Stats

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	progress.AddTotal(int64(sel.Len()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for scanner.Scan() {
		if gctx.Err() != nil {
			break
		}
		stats.Scanned++

		kind, rec, ok := RecordFromObject(scanner.Object())
		if !ok || !sel.Wants(kind, rec.ID) {
			continue
		}
		stats.Written++

		g.Go(func() error {
			defer progress.Advance(1)
			if err := st.Write(gctx, kind, rec.ID, rec); err != nil {
				return fmt.Errorf("failed to write %s %d: %w", kind, rec.ID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return stats, fmt.Errorf("failed to scan extract: %w", err)
	}

	if missing := int64(sel.Len()) - stats.Written; missing > 0 {
		log.Warn("Referenced entities not found in extract", zap.Int64("missing", missing))
	}
	log.Info("Mirror seeded",
		zap.Int64("scanned", stats.Scanned),
		zap.Int64("written", stats.Written))

	return stats, nil
}
