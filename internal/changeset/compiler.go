package changeset

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/idmap"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/resolver"
	"github.com/wegman-software/osm-mirror/internal/store"
)

type pendingEntry struct {
	entry   pipeline.Entry
	pending *resolver.Pending
}

// Compiler turns diff actions into a changeset document.
// Nothing is emitted until every action has been added and every version
// lookup has finished; a fatal error discards the buffered state.
type Compiler struct {
	store    store.Store
	resolver resolver.Resolver
	rc       *pipeline.ReconciliationContext

	pending []pendingEntry
}

// NewCompiler creates a compiler for one run
func NewCompiler(st store.Store, res resolver.Resolver, rc *pipeline.ReconciliationContext) *Compiler {
	return &Compiler{
		store:    st,
		resolver: res,
		rc:       rc,
	}
}

// Compile adds every action and builds the document
func (c *Compiler) Compile(ctx context.Context, actions []pipeline.Action) (*Document, error) {
	for _, a := range actions {
		if err := c.Add(ctx, a); err != nil {
			c.abort()
			return nil, err
		}
	}
	return c.Finish(ctx)
}

// Add processes one action. Missing or unreadable records are recorded as
// skips; only cancellation is returned as an error.
func (c *Compiler) Add(ctx context.Context, a pipeline.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.rc.Summary.Attempt(a.Op)

	var (
		rec entity.Record
		err error
	)
	switch a.Op {
	case pipeline.OpCreate, pipeline.OpModify:
		rec, err = c.store.Read(ctx, a.Kind, a.LocalID)
	case pipeline.OpDelete:
		// The record is gone from the working tree; its last state holds the version
		rec, err = c.store.ReadHistorical(ctx, a.Kind, a.LocalID)
	default:
		return fmt.Errorf("unsupported action %q", a.Op)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.skip(a, err)
		return nil
	}

	if a.Op == pipeline.OpCreate {
		c.rc.Allocator.Allocate(a.Kind, a.LocalID)
		c.rc.Buffer(pipeline.Entry{Action: a, Record: rec, Version: rec.Version})
		return nil
	}

	p := c.resolver.Enqueue(ctx, resolver.Request{
		Op:       a.Op,
		Kind:     a.Kind,
		ID:       a.LocalID,
		Recorded: rec.Version,
	})
	c.pending = append(c.pending, pendingEntry{
		entry:   pipeline.Entry{Action: a, Record: rec},
		pending: p,
	})
	return nil
}

func (c *Compiler) skip(a pipeline.Action, err error) {
	reason := pipeline.ReasonReadFailed
	if errors.Is(err, store.ErrNotFound) {
		reason = pipeline.ReasonNotFound
	}
	c.drop(a, reason, err)
}

func (c *Compiler) drop(a pipeline.Action, reason pipeline.SkipReason, err error) {
	logger.Get().Warn("Skipping entity",
		zap.String("op", string(a.Op)),
		zap.String("kind", string(a.Kind)),
		zap.Int64("id", a.LocalID),
		zap.String("reason", string(reason)),
		zap.Error(err))

	c.rc.Summary.AddSkip(pipeline.Skip{Action: a, Reason: reason, Err: err})
}

// Finish waits for outstanding version lookups, applies the unresolved-entity
// policy and builds the document with every local reference renumbered.
func (c *Compiler) Finish(ctx context.Context) (*Document, error) {
	log := logger.Get()

	retry, err := c.settle(ctx, c.pending, false)
	if err != nil {
		c.abort()
		return nil, err
	}
	if len(retry) > 0 {
		log.Info("Retrying unresolved entities", zap.Int("count", len(retry)))

		again := make([]pendingEntry, len(retry))
		for i, pe := range retry {
			again[i] = pendingEntry{entry: pe.entry, pending: c.resolver.Enqueue(ctx, pe.pending.Request)}
		}
		if _, err := c.settle(ctx, again, true); err != nil {
			c.abort()
			return nil, err
		}
	}
	c.pending = nil

	if err := c.dropUnsubmittable(); err != nil {
		c.abort()
		return nil, err
	}

	doc := c.build()
	log.Info("Changeset compiled",
		zap.Int("create", len(doc.Create)),
		zap.Int("modify", len(doc.Modify)),
		zap.Int("delete", len(doc.Delete)),
		zap.Int("placeholders", c.rc.Allocator.Allocated()))
	return doc, nil
}

// settle drains the resolver, waits for the barrier and buffers resolved entries.
// Entries whose policy is retry are returned unless this is the final round.
func (c *Compiler) settle(ctx context.Context, entries []pendingEntry, final bool) ([]pendingEntry, error) {
	c.resolver.Drain(ctx)
	if err := c.resolver.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed waiting for version lookups: %w", err)
	}

	var retry []pendingEntry
	for _, pe := range entries {
		version, err := pe.pending.Result()
		if err == nil {
			pe.entry.Version = version
			c.rc.Buffer(pe.entry)
			continue
		}

		a := pe.entry.Action
		switch c.rc.Policy.For(a.Op) {
		case pipeline.DecisionFail:
			return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrUnresolvedEntity, a, err)
		case pipeline.DecisionRetry:
			if !final {
				retry = append(retry, pe)
				continue
			}
		}

		logger.Get().Warn("Skipping entity with unresolved version",
			zap.String("op", string(a.Op)),
			zap.String("kind", string(a.Kind)),
			zap.Int64("id", a.LocalID),
			zap.Error(err))
		c.rc.Summary.AddSkip(pipeline.Skip{Action: a, Reason: pipeline.ReasonVersionUnresolved, Err: err})
	}
	return retry, nil
}

// dropUnsubmittable removes buffered entries the server cannot accept: nodes
// without coordinates and records referencing a local id that has no
// placeholder. Dropping a create releases its placeholder, so the remaining
// entries are checked again until nothing changes.
func (c *Compiler) dropUnsubmittable() error {
	forward := c.rc.Allocator.Forward()

	for {
		var (
			dropped bool
			failErr error
		)
		for _, op := range []pipeline.Op{pipeline.OpCreate, pipeline.OpModify} {
			c.rc.Retain(op, func(e pipeline.Entry) bool {
				if failErr != nil {
					return true
				}
				reason, err := unsubmittable(e, forward)
				if err == nil {
					return true
				}
				if c.rc.Policy.For(op) == pipeline.DecisionFail {
					failErr = fmt.Errorf("%w: %s: %v", pipeline.ErrUnresolvedEntity, e.Action, err)
					return true
				}

				c.drop(e.Action, reason, err)
				if op == pipeline.OpCreate {
					c.rc.Allocator.Release(e.Action.Kind, e.Action.LocalID)
				}
				dropped = true
				return false
			})
			if failErr != nil {
				return failErr
			}
		}
		if !dropped {
			return nil
		}
	}
}

func unsubmittable(e pipeline.Entry, forward entity.Mapper) (pipeline.SkipReason, error) {
	rec := e.Record
	if e.Action.Kind == entity.KindNode && (rec.Lat == nil || rec.Lon == nil) {
		return pipeline.ReasonNoCoordinates, ErrNoCoordinates
	}
	if kind, ref, ok := entity.UnmappedLocalRef(rec, forward); ok {
		return pipeline.ReasonDanglingReference, fmt.Errorf("references %s %d, which is not created in this changeset", kind, ref)
	}
	return "", nil
}

func (c *Compiler) build() *Document {
	forward := c.rc.Allocator.Forward()
	doc := &Document{
		Generator:   c.rc.Generator,
		ChangesetID: c.rc.ChangesetID,
	}

	for _, op := range pipeline.Ops {
		entries := c.rc.Entries(op)
		elements := make([]Element, 0, len(entries))
		for _, e := range entries {
			rec, _ := entity.Renumber(e.Record, forward)
			id := e.Action.LocalID
			if op == pipeline.OpCreate {
				id, _ = forward.Lookup(e.Action.Kind, id)
			}
			rec.ID = id
			elements = append(elements, Element{
				Kind:    e.Action.Kind,
				ID:      id,
				Version: e.Version,
				Record:  rec,
			})
			c.rc.Summary.Emit(op)
		}

		switch op {
		case pipeline.OpCreate:
			doc.Create = elements
		case pipeline.OpModify:
			doc.Modify = elements
		case pipeline.OpDelete:
			doc.Delete = elements
		}
	}
	return doc
}

// Placeholders returns the placeholder -> local id map to hand to the reconciler
func (c *Compiler) Placeholders() *idmap.Map {
	return c.rc.Allocator.Placeholders()
}

func (c *Compiler) abort() {
	c.pending = nil
	c.rc.Discard()
}
