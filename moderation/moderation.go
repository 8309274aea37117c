// Package moderation holds the relationship records synced by modsync and
// the CBOR parser that turns remote snapshots and deltas into them.
//
// Snapshot wire shape:
//
//	{"blocks": [edge], "mutes": [edge], "follows": [edge], "blockedBy": [edge]}
//	edge = {"rkey": text, "subject": text, "createdAt": RFC3339 text}
//
// Delta wire shape:
//
//	{"ops": [{"action": "create"|"update"|"delete", "collection": text, "rkey": text, "subject": text, "createdAt": text}]}
package moderation

import (
	"sort"
	"time"
)

// Collection names used on the wire.
const (
	Blocks    = "blocks"
	Mutes     = "mutes"
	Follows   = "follows"
	BlockedBy = "blockedBy"
)

// Edge is one relationship record. RKey is unique within its collection.
type Edge struct {
	RKey      string    `cbor:"rkey" json:"rkey"`
	Subject   string    `cbor:"subject" json:"subject"`
	CreatedAt time.Time `cbor:"createdAt" json:"createdAt"`
}

// Relationships is the full moderation state of one account.
type Relationships struct {
	Blocks    []Edge `cbor:"blocks" json:"blocks"`
	Mutes     []Edge `cbor:"mutes" json:"mutes"`
	Follows   []Edge `cbor:"follows" json:"follows"`
	BlockedBy []Edge `cbor:"blockedBy" json:"blockedBy"`
}

// Len returns the number of edges across all collections.
func (r Relationships) Len() int {
	return len(r.Blocks) + len(r.Mutes) + len(r.Follows) + len(r.BlockedBy)
}

// Has reports whether collection holds an edge to subject.
func (r Relationships) Has(collection, subject string) bool {
	edges, ok := r.collection(collection)
	if !ok {
		return false
	}
	for _, e := range *edges {
		if e.Subject == subject {
			return true
		}
	}
	return false
}

func (r *Relationships) collection(name string) (*[]Edge, bool) {
	switch name {
	case Blocks:
		return &r.Blocks, true
	case Mutes:
		return &r.Mutes, true
	case Follows:
		return &r.Follows, true
	case BlockedBy:
		return &r.BlockedBy, true
	}
	return nil, false
}

func (r *Relationships) normalize() {
	for _, c := range []*[]Edge{&r.Blocks, &r.Mutes, &r.Follows, &r.BlockedBy} {
		sort.Slice(*c, func(i, j int) bool { return (*c)[i].RKey < (*c)[j].RKey })
	}
}

// clone copies every collection so a delta never mutates the cached base.
func (r Relationships) clone() Relationships {
	cp := func(s []Edge) []Edge {
		if s == nil {
			return nil
		}
		return append([]Edge(nil), s...)
	}
	return Relationships{
		Blocks:    cp(r.Blocks),
		Mutes:     cp(r.Mutes),
		Follows:   cp(r.Follows),
		BlockedBy: cp(r.BlockedBy),
	}
}
