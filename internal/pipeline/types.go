package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wegman-software/osm-mirror/internal/entity"
)

// Op is the kind of change applied to an entity
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Ops lists operations in changeset document order
var Ops = []Op{OpCreate, OpModify, OpDelete}

// OpFromCode maps a diff status letter (A, M, D) to an Op
func OpFromCode(code string) (Op, bool) {
	switch code {
	case "A":
		return OpCreate, true
	case "M":
		return OpModify, true
	case "D":
		return OpDelete, true
	}
	return "", false
}

// Action is a single change read from the diff stream
type Action struct {
	Op      Op
	Kind    entity.Kind
	LocalID int64
	Path    string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %d", a.Op, a.Kind, a.LocalID)
}

// Entry is a compiled action waiting to be written to the changeset document
type Entry struct {
	Action  Action
	Record  entity.Record
	Version int
}

// SkipReason explains why an action was left out of the changeset
type SkipReason string

const (
	ReasonNotFound          SkipReason = "not_found"
	ReasonReadFailed        SkipReason = "read_failed"
	ReasonVersionUnresolved SkipReason = "version_unresolved"
	ReasonDanglingReference SkipReason = "dangling_reference"
	ReasonNoCoordinates     SkipReason = "no_coordinates"
)

// Skip records an action that was dropped from the changeset
type Skip struct {
	Action Action
	Reason SkipReason
	Err    error
}

// ErrUnresolvedEntity is returned when the policy turns a skipped entity into a run failure
var ErrUnresolvedEntity = errors.New("unresolved entity")

// Decision is what to do with an entity whose version could not be resolved
type Decision string

const (
	DecisionSkip  Decision = "skip"
	DecisionFail  Decision = "fail"
	DecisionRetry Decision = "retry"
)

// ParseDecision parses a policy decision name
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionSkip, DecisionFail, DecisionRetry:
		return d, nil
	}
	return "", fmt.Errorf("unknown policy decision %q (want skip, fail or retry)", s)
}

// Policy decides the fate of entities whose version lookup failed
type Policy struct {
	Unresolved       Decision // modify actions
	UnresolvedDelete Decision // delete actions
}

// DefaultPolicy logs and drops unresolved entities
func DefaultPolicy() Policy {
	return Policy{
		Unresolved:       DecisionSkip,
		UnresolvedDelete: DecisionSkip,
	}
}

// For returns the decision that applies to op
func (p Policy) For(op Op) Decision {
	if op == OpDelete {
		return p.UnresolvedDelete
	}
	return p.Unresolved
}

// OpStats counts actions of one kind of change
type OpStats struct {
	Attempted int64
	Emitted   int64
	Skipped   int64
}

// Summary reports what a run did
type Summary struct {
	Creates  OpStats
	Modifies OpStats
	Deletes  OpStats
	Skips    []Skip
}

func (s *Summary) stats(op Op) *OpStats {
	switch op {
	case OpCreate:
		return &s.Creates
	case OpModify:
		return &s.Modifies
	default:
		return &s.Deletes
	}
}

// Attempt counts an action read from the diff stream
func (s *Summary) Attempt(op Op) {
	s.stats(op).Attempted++
}

// Emit counts an action written to the changeset
func (s *Summary) Emit(op Op) {
	s.stats(op).Emitted++
}

// AddSkip records a dropped action
func (s *Summary) AddSkip(skip Skip) {
	s.stats(skip.Action.Op).Skipped++
	s.Skips = append(s.Skips, skip)
}

// Get returns the counters for op
func (s *Summary) Get(op Op) OpStats {
	return *s.stats(op)
}

// String returns the summary in a human-readable format
func (s *Summary) String() string {
	var b strings.Builder
	for _, op := range Ops {
		st := s.stats(op)
		fmt.Fprintf(&b, "%-7s attempted=%d emitted=%d skipped=%d\n", op, st.Attempted, st.Emitted, st.Skipped)
	}
	for _, skip := range s.Skips {
		fmt.Fprintf(&b, "  skipped %s (%s)", skip.Action, skip.Reason)
		if skip.Err != nil {
			fmt.Fprintf(&b, ": %v", skip.Err)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
