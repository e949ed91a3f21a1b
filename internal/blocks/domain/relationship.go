package domain

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DirectBlockRecord is the V1 cache shape: one merged block set per account.
// Whether a member came from a direct block or a subscribed list is unknown.
type DirectBlockRecord struct {
	Blocks   mapset.Set[string]
	Revision string
	LastSync time.Time
}

// RelationshipEntry is the V2 cache shape. It keeps an account's own blocks
// apart from the shared block-lists it subscribes to.
type RelationshipEntry struct {
	DirectBlocks    mapset.Set[string]
	SubscribedLists mapset.Set[string]
	Revision        string // empty when the remote supplied no fingerprint
	LastSync        time.Time
}

// NewRelationshipEntry builds an entry from plain slices.
func NewRelationshipEntry(direct, lists []string, revision string, lastSync time.Time) RelationshipEntry {
	return RelationshipEntry{
		DirectBlocks:    mapset.NewSet(direct...),
		SubscribedLists: mapset.NewSet(lists...),
		Revision:        revision,
		LastSync:        lastSync,
	}
}

// RecordCount is the number of relationship records the entry was built from.
// It is the scale hint used to decide between listing and snapshot fetches.
func (e RelationshipEntry) RecordCount() int {
	n := 0
	if e.DirectBlocks != nil {
		n += e.DirectBlocks.Cardinality()
	}
	if e.SubscribedLists != nil {
		n += e.SubscribedLists.Cardinality()
	}
	return n
}

// Clone returns a deep copy so callers never share sets with the cache.
func (e RelationshipEntry) Clone() RelationshipEntry {
	out := e
	out.DirectBlocks = cloneSet(e.DirectBlocks)
	out.SubscribedLists = cloneSet(e.SubscribedLists)
	return out
}

// GlobalBlocklist is one shared block-list, stored once no matter how many
// accounts subscribe to it.
type GlobalBlocklist struct {
	URI            string
	Name           string
	Description    string
	CreatorDID     string
	Members        mapset.Set[string]
	MemberCount    int
	LastResolvedAt time.Time
}

// Clone returns a deep copy of the list.
func (l GlobalBlocklist) Clone() GlobalBlocklist {
	out := l
	out.Members = cloneSet(l.Members)
	return out
}

func cloneSet(s mapset.Set[string]) mapset.Set[string] {
	if s == nil {
		return mapset.NewSet[string]()
	}
	return s.Clone()
}
