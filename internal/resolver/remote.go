package resolver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/logger"
)

// DefaultBatchSize is the largest number of ids sent in one lookup
const DefaultBatchSize = 25

// Lookup fetches the current remote versions of a batch of entities of one kind.
// Ids missing from the result are treated as unresolved.
type Lookup interface {
	Versions(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error)
}

// Remote groups requests per kind into batches and resolves them through a Lookup.
// Batches of different kinds run concurrently; batches of the same kind run one
// at a time, so at most one batch per kind is in flight.
type Remote struct {
	lookup    Lookup
	batchSize int

	mu     sync.Mutex
	queues map[entity.Kind][]*Pending
	slots  map[entity.Kind]chan struct{}
	g      *errgroup.Group

	// Statistics
	Batches int
}

// NewRemote creates a remote resolver. batchSize <= 0 selects DefaultBatchSize.
func NewRemote(lookup Lookup, batchSize int) *Remote {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	slots := make(map[entity.Kind]chan struct{}, len(entity.Kinds))
	for _, kind := range entity.Kinds {
		slots[kind] = make(chan struct{}, 1)
	}

	return &Remote{
		lookup:    lookup,
		batchSize: batchSize,
		queues:    make(map[entity.Kind][]*Pending),
		slots:     slots,
		g:         new(errgroup.Group),
	}
}

// Enqueue implements Resolver. A full batch is dispatched immediately.
func (r *Remote) Enqueue(ctx context.Context, req Request) *Pending {
	p := newPending(req)

	r.mu.Lock()
	defer r.mu.Unlock()

	q := append(r.queues[req.Kind], p)
	if len(q) >= r.batchSize {
		r.dispatch(ctx, req.Kind, q)
		q = nil
	}
	r.queues[req.Kind] = q
	return p
}

// Drain implements Resolver by dispatching every partially filled batch
func (r *Remote) Drain(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kind := range entity.Kinds {
		if q := r.queues[kind]; len(q) > 0 {
			r.dispatch(ctx, kind, q)
			r.queues[kind] = nil
		}
	}
}

// Wait implements Resolver. After it returns the resolver can be used for another round.
func (r *Remote) Wait(ctx context.Context) error {
	r.mu.Lock()
	g := r.g
	r.g = new(errgroup.Group)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch must be called with r.mu held
func (r *Remote) dispatch(ctx context.Context, kind entity.Kind, batch []*Pending) {
	r.Batches++
	slot := r.slots[kind]

	r.g.Go(func() error {
		select {
		case slot <- struct{}{}:
		case <-ctx.Done():
			failAll(batch, ctx.Err())
			return nil
		}
		defer func() { <-slot }()

		r.resolve(ctx, kind, batch)
		return nil
	})
}

func (r *Remote) resolve(ctx context.Context, kind entity.Kind, batch []*Pending) {
	log := logger.Get()

	ids := make([]int64, len(batch))
	for i, p := range batch {
		ids[i] = p.Request.ID
	}

	log.Debug("Resolving versions",
		zap.String("kind", string(kind)),
		zap.Int("count", len(ids)))

	versions, err := r.lookup.Versions(ctx, kind, ids)
	if err != nil {
		log.Warn("Version lookup failed",
			zap.String("kind", string(kind)),
			zap.Int("count", len(ids)),
			zap.Error(err))
		failAll(batch, err)
		return
	}

	for _, p := range batch {
		v, ok := versions[p.Request.ID]
		if !ok {
			p.complete(0, fmt.Errorf("%w: %s %d not found remotely",
				ErrVersionResolutionFailed, kind, p.Request.ID))
			continue
		}
		p.complete(v, nil)
	}
}

func failAll(batch []*Pending, err error) {
	for _, p := range batch {
		p.complete(0, fmt.Errorf("%w: %s %d: %v",
			ErrVersionResolutionFailed, p.Request.Kind, p.Request.ID, err))
	}
}
