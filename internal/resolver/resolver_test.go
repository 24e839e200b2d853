package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wegman-software/osm-mirror/internal/entity"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
)

func TestLocalVersions(t *testing.T) {
	tests := []struct {
		name    string
		op      pipeline.Op
		stored  int
		want    int
		wantErr bool
	}{
		{"modify submits one less", pipeline.OpModify, 5, 4, false},
		{"delete submits as is", pipeline.OpDelete, 5, 5, false},
		{"modify of version 1", pipeline.OpModify, 1, 0, true},
		{"missing version", pipeline.OpDelete, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Local{}.Enqueue(context.Background(), Request{
				Op: tt.op, Kind: entity.KindNode, ID: 7, Recorded: tt.stored,
			})
			got, err := p.Result()
			if tt.wantErr {
				if !errors.Is(err, ErrVersionResolutionFailed) {
					t.Errorf("err = %v, want ErrVersionResolutionFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("version = %d, want %d", got, tt.want)
			}
		})
	}
}

// blockingLookup records batches and holds every call until release is closed
type blockingLookup struct {
	mu       sync.Mutex
	batches  [][]int64
	inFlight int
	maxIn    int
	started  chan struct{}
	release  chan struct{}
	missing  map[int64]bool
}

func newBlockingLookup() *blockingLookup {
	return &blockingLookup{
		started: make(chan struct{}, 100),
		release: make(chan struct{}),
	}
}

func (l *blockingLookup) Versions(ctx context.Context, kind entity.Kind, ids []int64) (map[int64]int, error) {
	l.mu.Lock()
	l.batches = append(l.batches, append([]int64(nil), ids...))
	l.inFlight++
	if l.inFlight > l.maxIn {
		l.maxIn = l.inFlight
	}
	l.mu.Unlock()

	l.started <- struct{}{}
	<-l.release

	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()

	out := make(map[int64]int, len(ids))
	for _, id := range ids {
		if !l.missing[id] {
			out[id] = int(id) + 100
		}
	}
	return out, nil
}

func TestRemoteBatchesAndBarrier(t *testing.T) {
	lookup := newBlockingLookup()
	r := NewRemote(lookup, 25)
	ctx := context.Background()

	var pending []*Pending
	for id := int64(1); id <= 30; id++ {
		pending = append(pending, r.Enqueue(ctx, Request{
			Op: pipeline.OpModify, Kind: entity.KindNode, ID: id, Recorded: 2,
		}))
	}
	r.Drain(ctx)

	waited := make(chan error, 1)
	go func() { waited <- r.Wait(ctx) }()

	// The first batch is in flight; the barrier must hold
	<-lookup.started
	select {
	case <-waited:
		t.Fatal("Wait returned while lookups were outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(lookup.release)
	if err := <-waited; err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var sizes []int
	for _, b := range lookup.batches {
		sizes = append(sizes, len(b))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	if fmt.Sprint(sizes) != "[25 5]" {
		t.Errorf("batch sizes = %v, want [25 5]", sizes)
	}
	if lookup.maxIn > 1 {
		t.Errorf("%d node batches in flight at once, want 1", lookup.maxIn)
	}

	for _, p := range pending {
		select {
		case <-p.Done():
		default:
			t.Fatalf("request %d still pending after Wait", p.Request.ID)
		}
		v, err := p.Result()
		if err != nil {
			t.Errorf("request %d: %v", p.Request.ID, err)
		}
		if v != int(p.Request.ID)+100 {
			t.Errorf("request %d version = %d, want %d", p.Request.ID, v, p.Request.ID+100)
		}
	}
}

func TestRemoteKindsRunConcurrently(t *testing.T) {
	lookup := newBlockingLookup()
	r := NewRemote(lookup, 2)
	ctx := context.Background()

	for _, kind := range entity.Kinds {
		for id := int64(1); id <= 4; id++ {
			r.Enqueue(ctx, Request{Op: pipeline.OpDelete, Kind: kind, ID: id})
		}
	}
	r.Drain(ctx)

	// One batch per kind must be able to start before any is released
	for i := 0; i < len(entity.Kinds); i++ {
		select {
		case <-lookup.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d batches started concurrently, want %d", i, len(entity.Kinds))
		}
	}
	close(lookup.release)

	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(lookup.batches) != 6 {
		t.Errorf("batches = %d, want 6", len(lookup.batches))
	}
	if lookup.maxIn > len(entity.Kinds) {
		t.Errorf("max in flight = %d, want <= %d", lookup.maxIn, len(entity.Kinds))
	}
}

func TestRemoteMissingIsPerEntity(t *testing.T) {
	lookup := newBlockingLookup()
	lookup.missing = map[int64]bool{2: true}
	close(lookup.release)

	r := NewRemote(lookup, 25)
	ctx := context.Background()

	p1 := r.Enqueue(ctx, Request{Op: pipeline.OpModify, Kind: entity.KindWay, ID: 1})
	p2 := r.Enqueue(ctx, Request{Op: pipeline.OpModify, Kind: entity.KindWay, ID: 2})
	r.Drain(ctx)
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := p1.Result(); err != nil {
		t.Errorf("way 1: unexpected error %v", err)
	}
	if _, err := p2.Result(); !errors.Is(err, ErrVersionResolutionFailed) {
		t.Errorf("way 2: err = %v, want ErrVersionResolutionFailed", err)
	}
}

// osmServer serves single and multi fetches for a fixed set of nodes
func osmServer(t *testing.T, versions map[int64]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		switch {
		case strings.HasSuffix(r.URL.Path, "/nodes"):
			ids = strings.Split(r.URL.Query().Get("nodes"), ",")
		case strings.Contains(r.URL.Path, "/node/"):
			ids = []string{r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]}
		default:
			http.NotFound(w, r)
			return
		}

		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><osm version="0.6">`)
		for _, s := range ids {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				t.Errorf("bad id %q in %s", s, r.URL)
				http.Error(w, "bad id", http.StatusBadRequest)
				return
			}
			v, ok := versions[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprintf(&b, `<node id="%d" version="%d" visible="true" lat="1" lon="2"/>`, id, v)
		}
		b.WriteString(`</osm>`)

		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(b.String()))
	}))
}

func TestAPILookupBatch(t *testing.T) {
	srv := osmServer(t, map[int64]int{1: 3, 2: 7})
	defer srv.Close()

	l := NewAPILookup(srv.URL, 5*time.Second, 0, 0)
	got, err := l.Versions(context.Background(), entity.KindNode, []int64{1, 2})
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if got[1] != 3 || got[2] != 7 || len(got) != 2 {
		t.Errorf("Versions = %v, want map[1:3 2:7]", got)
	}
}

func TestAPILookupFallsBackOnMissing(t *testing.T) {
	srv := osmServer(t, map[int64]int{1: 3})
	defer srv.Close()

	l := NewAPILookup(srv.URL, 5*time.Second, 0, 0)
	got, err := l.Versions(context.Background(), entity.KindNode, []int64{1, 99})
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if got[1] != 3 {
		t.Errorf("node 1 version = %d, want 3", got[1])
	}
	if _, ok := got[99]; ok {
		t.Errorf("node 99 resolved, want missing")
	}
}
