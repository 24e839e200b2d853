package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmapi"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
)

// APILookup resolves versions through the OSM API 0.6 multi-fetch endpoints
// (/nodes?nodes=..., /ways?ways=..., /relations?relations=...)
type APILookup struct {
	ds         *osmapi.Datasource
	maxRetries int
	retryDelay time.Duration
}

// NewAPILookup creates a lookup against the API at baseURL
func NewAPILookup(baseURL string, timeout time.Duration, maxRetries int, retryDelay time.Duration) *APILookup {
	return &APILookup{
		ds: &osmapi.Datasource{
			BaseURL: baseURL,
			Client: &http.Client{
				Timeout: timeout,
			},
		},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Versions implements Lookup. When the batch request is rejected because one
// of the ids is unknown or deleted, every id is fetched on its own so the
// failure stays with that entity.
func (l *APILookup) Versions(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error) {
	versions, err := l.withRetry(ctx, func() (map[int64]int, error) {
		return l.fetchBatch(ctx, kind, ids)
	})
	if err == nil {
		return versions, nil
	}
	if !isMissing(err) {
		return nil, err
	}

	logger.Get().Debug("Batch lookup hit a missing entity, falling back to single fetches",
		zap.String("kind", string(kind)),
		zap.Int("count", len(ids)))

	versions = make(map[int64]int, len(ids))
	for _, id := range ids {
		v, err := l.withRetry(ctx, func() (map[int64]int, error) {
			return l.fetchOne(ctx, kind, id)
		})
		if err != nil {
			if isMissing(err) {
				continue
			}
			return nil, err
		}
		for k, ver := range v {
			versions[k] = ver
		}
	}
	return versions, nil
}

func (l *APILookup) fetchBatch(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error) {
	versions := make(map[int64]int, len(ids))

	switch kind {
	case entity.KindNode:
		nodeIDs := make([]osm.NodeID, len(ids))
		for i, id := range ids {
			nodeIDs[i] = osm.NodeID(id)
		}
		nodes, err := l.ds.Nodes(ctx, nodeIDs)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			versions[int64(n.ID)] = n.Version
		}
	case entity.KindWay:
		wayIDs := make([]osm.WayID, len(ids))
		for i, id := range ids {
			wayIDs[i] = osm.WayID(id)
		}
		ways, err := l.ds.Ways(ctx, wayIDs)
		if err != nil {
			return nil, err
		}
		for _, w := range ways {
			versions[int64(w.ID)] = w.Version
		}
	case entity.KindRelation:
		relIDs := make([]osm.RelationID, len(ids))
		for i, id := range ids {
			relIDs[i] = osm.RelationID(id)
		}
		rels, err := l.ds.Relations(ctx, relIDs)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			versions[int64(r.ID)] = r.Version
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	return versions, nil
}

func (l *APILookup) fetchOne(ctx context.Context, kind entity.Kind, id int64) (map[int64]int, error) {
	var version int

	switch kind {
	case entity.KindNode:
		n, err := l.ds.Node(ctx, osm.NodeID(id))
		if err != nil {
			return nil, err
		}
		version = n.Version
	case entity.KindWay:
		w, err := l.ds.Way(ctx, osm.WayID(id))
		if err != nil {
			return nil, err
		}
		version = w.Version
	case entity.KindRelation:
		r, err := l.ds.Relation(ctx, osm.RelationID(id))
		if err != nil {
			return nil, err
		}
		version = r.Version
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	return map[int64]int{id: version}, nil
}

// withRetry runs fn, retrying transport and server errors with a fixed delay
func (l *APILookup) withRetry(ctx context.Context, fn func() (map[int64]int, error)) (map[int64]int, error) {
	var lastErr error

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}

		versions, err := fn()
		if err == nil {
			return versions, nil
		}

		// Don't retry on missing entities or cancellation
		if isMissing(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isMissing(err error) bool {
	var notFound *osmapi.NotFoundError
	var gone *osmapi.GoneError
	return errors.As(err, &notFound) || errors.As(err, &gone)
}
