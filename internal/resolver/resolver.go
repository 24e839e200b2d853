// Package resolver determines the version an entity has on the remote server,
// which must be submitted with every modify and delete.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

// ErrVersionResolutionFailed is reported for an entity whose version could not be determined
var ErrVersionResolutionFailed = errors.New("version resolution failed")

// Request asks for the version of one entity
type Request struct {
	Op       pipeline.Op
	Kind     entity.Kind
	ID       int64
	Recorded int // version stored in the local record
}

// Pending is the eventual result of a Request
type Pending struct {
	Request Request

	once    sync.Once
	done    chan struct{}
	version int
	err     error
}

func newPending(req Request) *Pending {
	return &Pending{Request: req, done: make(chan struct{})}
}

func (p *Pending) complete(version int, err error) {
	p.once.Do(func() {
		p.version = version
		p.err = err
		close(p.done)
	})
}

// Done is closed once the result is available
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the version is known
func (p *Pending) Result() (int, error) {
	<-p.done
	return p.version, p.err
}

// Resolver resolves versions, possibly asynchronously.
// Enqueue never blocks on the remote side; Drain flushes partially filled
// batches once the input is exhausted and Wait blocks until every enqueued
// request has completed.
type Resolver interface {
	Enqueue(ctx context.Context, req Request) *Pending
	Drain(ctx context.Context)
	Wait(ctx context.Context) error
}

// Local trusts the version stored in the mirror. A modified record already
// carries the version it will get after upload, so one less is submitted.
type Local struct{}

// Enqueue implements Resolver
func (Local) Enqueue(ctx context.Context, req Request) *Pending {
	p := newPending(req)

	version := req.Recorded
	if req.Op == pipeline.OpModify {
		version--
	}
	if version < 1 {
		p.complete(0, fmt.Errorf("%w: %s %d has recorded version %d",
			ErrVersionResolutionFailed, req.Kind, req.ID, req.Recorded))
		return p
	}

	p.complete(version, nil)
	return p
}

// Drain implements Resolver
func (Local) Drain(ctx context.Context) {}

// Wait implements Resolver
func (Local) Wait(ctx context.Context) error {
	return nil
}
