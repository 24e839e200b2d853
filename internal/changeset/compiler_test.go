package changeset

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/resolver"
	"github.com/wegman-software/osm-mirror/internal/store"
)

type key struct {
	kind entity.Kind
	id   int64
}

// memStore is an in-memory store with a separate set of historical records
type memStore struct {
	mu       sync.Mutex
	current  map[key]entity.Record
	previous map[key]entity.Record
}

func newMemStore() *memStore {
	return &memStore{
		current:  make(map[key]entity.Record),
		previous: make(map[key]entity.Record),
	}
}

func (s *memStore) Read(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.current[key{kind, id}]
	if !ok {
		return entity.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) ReadHistorical(ctx context.Context, kind entity.Kind, id int64) (entity.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.previous[key{kind, id}]
	if !ok {
		return entity.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) Write(ctx context.Context, kind entity.Kind, id int64, rec entity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[key{kind, id}] = rec.Clone()
	return nil
}

func (s *memStore) Remove(ctx context.Context, kind entity.Kind, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, key{kind, id})
	return nil
}

func (s *memStore) Rename(ctx context.Context, kind entity.Kind, oldID, newID int64) error {
	return errors.New("not supported")
}

func (s *memStore) List(ctx context.Context, kind entity.Kind) ([]int64, error) {
	return nil, nil
}

func (s *memStore) Close() error { return nil }

func action(op pipeline.Op, kind entity.Kind, id int64) pipeline.Action {
	return pipeline.Action{Op: op, Kind: kind, LocalID: id}
}

func newRun(policy pipeline.Policy) *pipeline.ReconciliationContext {
	return pipeline.NewReconciliationContext(42, "osm-mirror test", policy)
}

func TestCompileCreatesWithPlaceholders(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, -1}] = entity.Record{ID: -1, Lat: entity.Float(1.5), Lon: entity.Float(-2.25), Version: 1}
	st.current[key{entity.KindWay, -2}] = entity.Record{ID: -2, Nds: []int64{-1}, Tags: map[string]string{"highway": "path"}, Version: 1}

	rc := newRun(pipeline.DefaultPolicy())
	c := NewCompiler(st, resolver.Local{}, rc)

	doc, err := c.Compile(context.Background(), []pipeline.Action{
		action(pipeline.OpCreate, entity.KindNode, -1),
		action(pipeline.OpCreate, entity.KindWay, -2),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if len(doc.Create) != 2 || len(doc.Modify) != 0 || len(doc.Delete) != 0 {
		t.Fatalf("sections = %d/%d/%d, want 2/0/0", len(doc.Create), len(doc.Modify), len(doc.Delete))
	}
	node, way := doc.Create[0], doc.Create[1]
	if node.Kind != entity.KindNode || node.ID != -1 {
		t.Errorf("first create = %s %d, want node -1", node.Kind, node.ID)
	}
	if way.Kind != entity.KindWay || way.ID != -2 {
		t.Errorf("second create = %s %d, want way -2", way.Kind, way.ID)
	}
	if len(way.Record.Nds) != 1 || way.Record.Nds[0] != -1 {
		t.Errorf("way nds = %v, want [-1]", way.Record.Nds)
	}

	ph := c.Placeholders()
	if local, ok := ph.Lookup(entity.KindNode, -1); !ok || local != -1 {
		t.Errorf("placeholder node -1 -> %d (%v), want -1", local, ok)
	}
	if local, ok := ph.Lookup(entity.KindWay, -2); !ok || local != -2 {
		t.Errorf("placeholder way -2 -> %d (%v), want -2", local, ok)
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`<osmChange version="0.6" generator="osm-mirror test">`,
		`<node id="-1" version="1" changeset="42" lat="1.5" lon="-2.25">`,
		`<way id="-2" version="1" changeset="42">`,
		`<nd ref="-1"></nd>`,
		`<tag k="highway" v="path"></tag>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("document missing %q:\n%s", want, out)
		}
	}
	for _, absent := range []string{"<modify", "<delete"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty section %q written:\n%s", absent, out)
		}
	}
}

func TestCompileRenumbersOutOfOrderReferences(t *testing.T) {
	st := newMemStore()
	// Local ids that are not negative still get placeholders
	st.current[key{entity.KindWay, 10}] = entity.Record{ID: 10, Nds: []int64{20, 21, 20}}
	st.current[key{entity.KindNode, 20}] = entity.Record{ID: 20, Lat: entity.Float(0), Lon: entity.Float(0)}
	st.current[key{entity.KindNode, 21}] = entity.Record{ID: 21, Lat: entity.Float(0), Lon: entity.Float(0)}
	st.current[key{entity.KindRelation, 30}] = entity.Record{ID: 30, Version: 3, Members: []entity.Member{
		{Type: "w", Ref: 10, Role: "outer"},
		{Type: "node", Ref: 99, Role: ""},
	}}

	rc := newRun(pipeline.DefaultPolicy())
	c := NewCompiler(st, resolver.Local{}, rc)

	doc, err := c.Compile(context.Background(), []pipeline.Action{
		action(pipeline.OpCreate, entity.KindWay, 10),
		action(pipeline.OpModify, entity.KindRelation, 30),
		action(pipeline.OpCreate, entity.KindNode, 20),
		action(pipeline.OpCreate, entity.KindNode, 21),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// way 10 -> -1, node 20 -> -2, node 21 -> -3; nodes emitted first
	var got []string
	for _, el := range doc.Create {
		got = append(got, string(el.Kind))
	}
	if strings.Join(got, ",") != "node,node,way" {
		t.Errorf("create order = %v, want node,node,way", got)
	}
	way := doc.Create[2]
	if way.ID != -1 {
		t.Errorf("way id = %d, want -1", way.ID)
	}
	if want := []int64{-2, -3, -2}; len(way.Record.Nds) != 3 || way.Record.Nds[0] != want[0] || way.Record.Nds[1] != want[1] || way.Record.Nds[2] != want[2] {
		t.Errorf("way nds = %v, want %v", way.Record.Nds, want)
	}

	rel := doc.Modify[0]
	if rel.ID != 30 || rel.Version != 2 {
		t.Errorf("relation = id %d version %d, want id 30 version 2", rel.ID, rel.Version)
	}
	if rel.Record.Members[0].Ref != -1 || rel.Record.Members[1].Ref != 99 {
		t.Errorf("members = %+v, want refs -1 and 99", rel.Record.Members)
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), `<member type="way" ref="-1" role="outer"></member>`) {
		t.Errorf("short member type not expanded:\n%s", buf.String())
	}
}

func TestCompileSectionOrder(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, -1}] = entity.Record{ID: -1, Lat: entity.Float(1), Lon: entity.Float(2)}
	st.current[key{entity.KindNode, 5}] = entity.Record{ID: 5, Version: 5, Lat: entity.Float(1), Lon: entity.Float(2)}
	st.previous[key{entity.KindNode, 6}] = entity.Record{ID: 6, Version: 2}
	st.previous[key{entity.KindWay, 7}] = entity.Record{ID: 7, Version: 9}

	rc := newRun(pipeline.DefaultPolicy())
	doc, err := NewCompiler(st, resolver.Local{}, rc).Compile(context.Background(), []pipeline.Action{
		action(pipeline.OpDelete, entity.KindNode, 6),
		action(pipeline.OpModify, entity.KindNode, 5),
		action(pipeline.OpDelete, entity.KindWay, 7),
		action(pipeline.OpCreate, entity.KindNode, -1),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if doc.Modify[0].Version != 4 {
		t.Errorf("modify version = %d, want 4", doc.Modify[0].Version)
	}
	if doc.Delete[0].Kind != entity.KindWay || doc.Delete[0].Version != 9 {
		t.Errorf("first delete = %s v%d, want way v9", doc.Delete[0].Kind, doc.Delete[0].Version)
	}
	if doc.Delete[1].Kind != entity.KindNode || doc.Delete[1].Version != 2 {
		t.Errorf("second delete = %s v%d, want node v2", doc.Delete[1].Kind, doc.Delete[1].Version)
	}

	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	ic, im, id := strings.Index(out, "<create>"), strings.Index(out, "<modify>"), strings.Index(out, `<delete if-unused="true">`)
	if ic < 0 || im < 0 || id < 0 || !(ic < im && im < id) {
		t.Errorf("sections out of order (create=%d modify=%d delete=%d):\n%s", ic, im, id, out)
	}
	if !strings.Contains(out, `<way id="7" version="9" changeset="42"></way>`) {
		t.Errorf("delete element carries more than identity:\n%s", out)
	}
}

func TestCompileSkipsMissingRecords(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, 1}] = entity.Record{ID: 1, Version: 3, Lat: entity.Float(1), Lon: entity.Float(2)}

	rc := newRun(pipeline.DefaultPolicy())
	doc, err := NewCompiler(st, resolver.Local{}, rc).Compile(context.Background(), []pipeline.Action{
		action(pipeline.OpModify, entity.KindNode, 1),
		action(pipeline.OpModify, entity.KindNode, 2),
		action(pipeline.OpDelete, entity.KindWay, 3),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if doc.Len() != 1 {
		t.Errorf("document has %d elements, want 1", doc.Len())
	}
	s := rc.Summary
	if got := s.Get(pipeline.OpModify); got.Attempted != 2 || got.Emitted != 1 || got.Skipped != 1 {
		t.Errorf("modify stats = %+v, want 2/1/1", got)
	}
	if got := s.Get(pipeline.OpDelete); got.Attempted != 1 || got.Skipped != 1 {
		t.Errorf("delete stats = %+v, want 1 attempted 1 skipped", got)
	}
	for _, skip := range s.Skips {
		if skip.Reason != pipeline.ReasonNotFound {
			t.Errorf("skip reason = %s, want not_found", skip.Reason)
		}
	}
}

// staticLookup answers from a fixed table and counts calls
type staticLookup struct {
	mu       sync.Mutex
	versions map[int64]int
	calls    int
}

func (l *staticLookup) Versions(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	out := make(map[int64]int)
	for _, id := range ids {
		if v, ok := l.versions[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func TestCompileUnresolvedPolicy(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, 1}] = entity.Record{ID: 1, Version: 4, Lat: entity.Float(1), Lon: entity.Float(2)}
	st.current[key{entity.KindNode, 2}] = entity.Record{ID: 2, Version: 4, Lat: entity.Float(1), Lon: entity.Float(2)}
	st.previous[key{entity.KindNode, 3}] = entity.Record{ID: 3, Version: 4}

	actions := []pipeline.Action{
		action(pipeline.OpModify, entity.KindNode, 1),
		action(pipeline.OpModify, entity.KindNode, 2),
		action(pipeline.OpDelete, entity.KindNode, 3),
	}

	tests := []struct {
		name      string
		policy    pipeline.Policy
		wantErr   bool
		wantLen   int
		wantCalls int
	}{
		{"skip", pipeline.Policy{Unresolved: pipeline.DecisionSkip, UnresolvedDelete: pipeline.DecisionSkip}, false, 1, 1},
		{"fail", pipeline.Policy{Unresolved: pipeline.DecisionFail, UnresolvedDelete: pipeline.DecisionSkip}, true, 0, 1},
		{"retry deletes", pipeline.Policy{Unresolved: pipeline.DecisionSkip, UnresolvedDelete: pipeline.DecisionRetry}, false, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := &staticLookup{versions: map[int64]int{1: 7}}
			rc := newRun(tt.policy)
			doc, err := NewCompiler(st, resolver.NewRemote(lookup, 25), rc).Compile(context.Background(), actions)

			if tt.wantErr {
				if !errors.Is(err, pipeline.ErrUnresolvedEntity) {
					t.Fatalf("err = %v, want ErrUnresolvedEntity", err)
				}
				if doc != nil {
					t.Errorf("document emitted on failure")
				}
				if len(rc.Entries(pipeline.OpModify)) != 0 {
					t.Errorf("buffered entries survived abort")
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if doc.Len() != tt.wantLen {
				t.Errorf("document has %d elements, want %d", doc.Len(), tt.wantLen)
			}
			if doc.Modify[0].Version != 7 {
				t.Errorf("remote version = %d, want 7", doc.Modify[0].Version)
			}
			if lookup.calls != tt.wantCalls {
				t.Errorf("lookups = %d, want %d", lookup.calls, tt.wantCalls)
			}
			if len(rc.Summary.Skips) != 2 {
				t.Errorf("skips = %d, want 2", len(rc.Summary.Skips))
			}
		})
	}
}

func TestCompileDropsDanglingLocalReferences(t *testing.T) {
	st := newMemStore()
	// node -1 is listed as created but its record is gone
	st.current[key{entity.KindNode, -3}] = entity.Record{ID: -3, Lat: entity.Float(1), Lon: entity.Float(2)}
	st.current[key{entity.KindWay, -2}] = entity.Record{ID: -2, Nds: []int64{-1, -3}}
	st.current[key{entity.KindRelation, -4}] = entity.Record{ID: -4, Members: []entity.Member{{Type: "w", Ref: -2}}}
	st.current[key{entity.KindWay, 50}] = entity.Record{ID: 50, Version: 2, Nds: []int64{-1, 7}}

	actions := []pipeline.Action{
		action(pipeline.OpCreate, entity.KindNode, -1),
		action(pipeline.OpCreate, entity.KindNode, -3),
		action(pipeline.OpCreate, entity.KindWay, -2),
		action(pipeline.OpCreate, entity.KindRelation, -4),
		action(pipeline.OpModify, entity.KindWay, 50),
	}

	t.Run("skip", func(t *testing.T) {
		rc := newRun(pipeline.DefaultPolicy())
		c := NewCompiler(st, resolver.Local{}, rc)
		doc, err := c.Compile(context.Background(), actions)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		if len(doc.Create) != 1 || len(doc.Modify) != 0 {
			t.Fatalf("sections = %d creates %d modifies, want 1 and 0", len(doc.Create), len(doc.Modify))
		}
		if node := doc.Create[0]; node.Kind != entity.KindNode || node.ID != -1 {
			t.Errorf("create = %s %d, want node -1", node.Kind, node.ID)
		}

		ph := c.Placeholders()
		if ph.Len() != 1 {
			t.Errorf("placeholders = %d, want 1", ph.Len())
		}
		if local, ok := ph.Lookup(entity.KindNode, -1); !ok || local != -3 {
			t.Errorf("placeholder node -1 -> %d (%v), want -3", local, ok)
		}

		reasons := map[pipeline.SkipReason]int{}
		for _, skip := range rc.Summary.Skips {
			reasons[skip.Reason]++
		}
		if reasons[pipeline.ReasonNotFound] != 1 || reasons[pipeline.ReasonDanglingReference] != 3 {
			t.Errorf("skip reasons = %v, want 1 not_found and 3 dangling_reference", reasons)
		}

		var buf bytes.Buffer
		if err := doc.Encode(&buf); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if strings.Contains(buf.String(), "<nd") {
			t.Errorf("dropped way written:\n%s", buf.String())
		}
	})

	t.Run("fail", func(t *testing.T) {
		rc := newRun(pipeline.Policy{Unresolved: pipeline.DecisionFail, UnresolvedDelete: pipeline.DecisionSkip})
		doc, err := NewCompiler(st, resolver.Local{}, rc).Compile(context.Background(), actions)
		if !errors.Is(err, pipeline.ErrUnresolvedEntity) {
			t.Fatalf("err = %v, want ErrUnresolvedEntity", err)
		}
		if doc != nil {
			t.Error("document emitted on failure")
		}
	})
}

func TestCompileSkipsNodeWithoutCoordinates(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, -1}] = entity.Record{ID: -1, Version: 1}
	st.current[key{entity.KindNode, 8}] = entity.Record{ID: 8, Version: 3, Lat: entity.Float(1)}
	st.current[key{entity.KindWay, -2}] = entity.Record{ID: -2, Nds: []int64{-1}}

	rc := newRun(pipeline.DefaultPolicy())
	doc, err := NewCompiler(st, resolver.Local{}, rc).Compile(context.Background(), []pipeline.Action{
		action(pipeline.OpCreate, entity.KindNode, -1),
		action(pipeline.OpModify, entity.KindNode, 8),
		action(pipeline.OpCreate, entity.KindWay, -2),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if doc.Len() != 0 {
		t.Errorf("document has %d elements, want 0", doc.Len())
	}

	var got []pipeline.SkipReason
	for _, skip := range rc.Summary.Skips {
		got = append(got, skip.Reason)
	}
	// creates are checked before modifies
	want := []pipeline.SkipReason{pipeline.ReasonNoCoordinates, pipeline.ReasonDanglingReference, pipeline.ReasonNoCoordinates}
	if len(got) != len(want) {
		t.Fatalf("skip reasons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("skip %d reason = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEncodeRejectsNodeWithoutCoordinates(t *testing.T) {
	doc := &Document{Create: []Element{{Kind: entity.KindNode, ID: -1, Version: 1, Record: entity.Record{ID: -1}}}}
	if err := doc.Encode(&bytes.Buffer{}); !errors.Is(err, ErrNoCoordinates) {
		t.Errorf("Encode err = %v, want ErrNoCoordinates", err)
	}
}

// gatedLookup blocks every lookup until release is closed
type gatedLookup struct {
	started chan int
	release chan struct{}
}

func (l *gatedLookup) Versions(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error) {
	l.started <- len(ids)
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make(map[int64]int, len(ids))
	for _, id := range ids {
		out[id] = 8
	}
	return out, nil
}

func TestCompileWaitsForRemoteBatches(t *testing.T) {
	st := newMemStore()
	var actions []pipeline.Action
	for id := int64(1); id <= 30; id++ {
		st.current[key{entity.KindNode, id}] = entity.Record{ID: id, Version: 5, Lat: entity.Float(1), Lon: entity.Float(2)}
		actions = append(actions, action(pipeline.OpModify, entity.KindNode, id))
	}

	lookup := &gatedLookup{started: make(chan int, 2), release: make(chan struct{})}
	remote := resolver.NewRemote(lookup, 25)
	rc := newRun(pipeline.DefaultPolicy())

	type result struct {
		doc *Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		doc, err := NewCompiler(st, remote, rc).Compile(context.Background(), actions)
		done <- result{doc, err}
	}()

	select {
	case n := <-lookup.started:
		if n != 25 {
			t.Errorf("first batch = %d ids, want 25", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no lookup started")
	}

	select {
	case <-done:
		t.Fatal("Compile returned while a batch was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(lookup.release)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Compile did not return after release")
	}
	if r.err != nil {
		t.Fatalf("Compile: %v", r.err)
	}
	if n := <-lookup.started; n != 5 {
		t.Errorf("second batch = %d ids, want 5", n)
	}
	if remote.Batches != 2 {
		t.Errorf("batches = %d, want 2", remote.Batches)
	}
	if len(r.doc.Modify) != 30 || r.doc.Modify[29].Version != 8 {
		t.Errorf("modify section = %d elements, want 30 at version 8", len(r.doc.Modify))
	}
}

func TestCompileCancelled(t *testing.T) {
	st := newMemStore()
	st.current[key{entity.KindNode, -1}] = entity.Record{ID: -1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := newRun(pipeline.DefaultPolicy())
	doc, err := NewCompiler(st, resolver.Local{}, rc).Compile(ctx, []pipeline.Action{
		action(pipeline.OpCreate, entity.KindNode, -1),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if doc != nil {
		t.Errorf("document emitted after cancellation")
	}
}

func TestDecrementModifyVersions(t *testing.T) {
	in := `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="-1" version="1" changeset="0" lat="1" lon="2"/>
  </create>
  <modify>
    <node id="5" version="5" changeset="0" lat="1" lon="2"/>
    <way id="6" version="2" changeset="0"><nd ref="5"/></way>
  </modify>
  <delete if-unused="true">
    <node id="7" version="3" changeset="0"/>
  </delete>
</osmChange>
`
	var out bytes.Buffer
	n, err := DecrementModifyVersions(strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("DecrementModifyVersions: %v", err)
	}
	if n != 2 {
		t.Errorf("changed = %d, want 2", n)
	}

	got := out.String()
	for _, want := range []string{
		`<node id="-1" version="1"`,
		`<node id="5" version="4"`,
		`<way id="6" version="1"`,
		`<node id="7" version="3"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
