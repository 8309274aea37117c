package moderation

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/unkn0wn-root/modsync"
)

// Delta actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Op is one change in a delta payload.
type Op struct {
	Action     string    `cbor:"action"`
	Collection string    `cbor:"collection"`
	RKey       string    `cbor:"rkey"`
	Subject    string    `cbor:"subject,omitempty"`
	CreatedAt  time.Time `cbor:"createdAt"`
}

// Delta is the incremental payload: ops applied in order.
type Delta struct {
	Ops []Op `cbor:"ops"`
}

var (
	errBadOp = errors.New("moderation: malformed op")

	decMode = mustDecMode()
	encMode = mustEncMode()
)

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

func mustEncMode() cbor.EncMode {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Parser decodes CBOR snapshots and applies CBOR deltas. The zero value is
// ready to use.
type Parser struct{}

var _ modsync.DeltaParser[Relationships] = Parser{}

// Parse decodes a full snapshot.
func (Parser) Parse(b []byte) (Relationships, error) {
	var r Relationships
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Relationships{}, fmt.Errorf("moderation: decode snapshot: %w", err)
	}
	seen := make(map[string]struct{})
	for _, name := range []string{Blocks, Mutes, Follows, BlockedBy} {
		edges, _ := r.collection(name)
		clear(seen)
		for _, e := range *edges {
			if e.RKey == "" {
				return Relationships{}, fmt.Errorf("moderation: %s edge without rkey", name)
			}
			if _, dup := seen[e.RKey]; dup {
				return Relationships{}, fmt.Errorf("moderation: duplicate rkey %q in %s", e.RKey, name)
			}
			seen[e.RKey] = struct{}{}
		}
	}
	r.normalize()
	return r, nil
}

// ParseDelta applies a delta to base and returns the merged state. base is
// left untouched. Updates and deletes of records base does not hold fail with
// modsync.ErrIncompleteBaseData.
func (Parser) ParseDelta(delta []byte, base Relationships) (Relationships, error) {
	var d Delta
	if err := decMode.Unmarshal(delta, &d); err != nil {
		return Relationships{}, fmt.Errorf("moderation: decode delta: %w", err)
	}
	out := base.clone()
	for i, op := range d.Ops {
		if err := out.apply(op); err != nil {
			return Relationships{}, fmt.Errorf("op %d: %w", i, err)
		}
	}
	out.normalize()
	return out, nil
}

func (r *Relationships) apply(op Op) error {
	edges, ok := r.collection(op.Collection)
	if !ok || op.RKey == "" {
		return fmt.Errorf("%w: collection=%q rkey=%q", errBadOp, op.Collection, op.RKey)
	}
	idx := -1
	for i, e := range *edges {
		if e.RKey == op.RKey {
			idx = i
			break
		}
	}
	edge := Edge{RKey: op.RKey, Subject: op.Subject, CreatedAt: op.CreatedAt}

	switch op.Action {
	case ActionCreate:
		if idx >= 0 {
			(*edges)[idx] = edge
		} else {
			*edges = append(*edges, edge)
		}
	case ActionUpdate:
		if idx < 0 {
			return fmt.Errorf("%w: update of unknown %s/%s", modsync.ErrIncompleteBaseData, op.Collection, op.RKey)
		}
		(*edges)[idx] = edge
	case ActionDelete:
		if idx < 0 {
			return fmt.Errorf("%w: delete of unknown %s/%s", modsync.ErrIncompleteBaseData, op.Collection, op.RKey)
		}
		*edges = append((*edges)[:idx], (*edges)[idx+1:]...)
	default:
		return fmt.Errorf("%w: action %q", errBadOp, op.Action)
	}
	return nil
}

// EncodeSnapshot produces the snapshot wire form of r.
func EncodeSnapshot(r Relationships) ([]byte, error) {
	return encMode.Marshal(r)
}

// EncodeDelta produces the delta wire form of ops.
func EncodeDelta(ops ...Op) ([]byte, error) {
	return encMode.Marshal(Delta{Ops: ops})
}
