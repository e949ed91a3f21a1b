package cachestore

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// Persisted shapes. Sets are stored as sorted slices so that identical
// content always encodes to identical bytes.

type metaRecord struct {
	SchemaVersion  int       `msgpack:"v"`
	MaxEntries     int       `msgpack:"max"`
	MigratedFromV1 bool      `msgpack:"migrated"`
	LastPruned     time.Time `msgpack:"pruned"`
}

type entryRecord struct {
	DirectBlocks    []string  `msgpack:"direct"`
	SubscribedLists []string  `msgpack:"lists"`
	Revision        string    `msgpack:"rev,omitempty"`
	LastSync        time.Time `msgpack:"sync"`
}

type v1Record struct {
	Blocks   []string  `msgpack:"blocks"`
	Revision string    `msgpack:"rev,omitempty"`
	LastSync time.Time `msgpack:"sync"`
}

type listRecord struct {
	Name           string    `msgpack:"name"`
	Description    string    `msgpack:"desc,omitempty"`
	CreatorDID     string    `msgpack:"creator"`
	Members        []string  `msgpack:"members"`
	MemberCount    int       `msgpack:"count"`
	LastResolvedAt time.Time `msgpack:"resolved"`
}

type followRecord struct {
	DID          string    `msgpack:"did"`
	Handle       string    `msgpack:"handle"`
	DisplayName  string    `msgpack:"name,omitempty"`
	Avatar       string    `msgpack:"avatar,omitempty"`
	ServerURL    string    `msgpack:"pds,omitempty"`
	LastSyncedAt time.Time `msgpack:"synced"`
}

type statusRecord struct {
	IsRunning      bool      `msgpack:"running"`
	Phase          string    `msgpack:"phase"`
	StartedAt      time.Time `msgpack:"started"`
	TotalFollows   int       `msgpack:"total"`
	SyncedFollows  int       `msgpack:"synced"`
	FetchingPage   int       `msgpack:"page"`
	FetchedFollows int       `msgpack:"fetched"`
	Errors         []string  `msgpack:"errors"`
	LastError      string    `msgpack:"last_error,omitempty"`
	LastFullSync   time.Time `msgpack:"last_full"`
}

func sortedSlice(s mapset.Set[string]) []string {
	if s == nil {
		return []string{}
	}
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

func toEntryRecord(e domain.RelationshipEntry) entryRecord {
	return entryRecord{
		DirectBlocks:    sortedSlice(e.DirectBlocks),
		SubscribedLists: sortedSlice(e.SubscribedLists),
		Revision:        e.Revision,
		LastSync:        e.LastSync.UTC(),
	}
}

func (r entryRecord) toDomain() domain.RelationshipEntry {
	return domain.NewRelationshipEntry(r.DirectBlocks, r.SubscribedLists, r.Revision, r.LastSync)
}

func toListRecord(l domain.GlobalBlocklist) listRecord {
	return listRecord{
		Name:           l.Name,
		Description:    l.Description,
		CreatorDID:     l.CreatorDID,
		Members:        sortedSlice(l.Members),
		MemberCount:    l.MemberCount,
		LastResolvedAt: l.LastResolvedAt.UTC(),
	}
}

func (r listRecord) toDomain(uri string) domain.GlobalBlocklist {
	return domain.GlobalBlocklist{
		URI:            uri,
		Name:           r.Name,
		Description:    r.Description,
		CreatorDID:     r.CreatorDID,
		Members:        mapset.NewSet(r.Members...),
		MemberCount:    r.MemberCount,
		LastResolvedAt: r.LastResolvedAt,
	}
}

func toFollowRecords(in []domain.FollowedAccount) []followRecord {
	out := make([]followRecord, 0, len(in))
	for _, a := range in {
		out = append(out, followRecord(a))
	}
	return out
}

func fromFollowRecords(in []followRecord) []domain.FollowedAccount {
	out := make([]domain.FollowedAccount, 0, len(in))
	for _, r := range in {
		out = append(out, domain.FollowedAccount(r))
	}
	return out
}

func toStatusRecord(s domain.SyncStatus) statusRecord {
	return statusRecord{
		IsRunning:      s.IsRunning,
		Phase:          string(s.Phase),
		StartedAt:      s.StartedAt.UTC(),
		TotalFollows:   s.TotalFollows,
		SyncedFollows:  s.SyncedFollows,
		FetchingPage:   s.FetchingPage,
		FetchedFollows: s.FetchedFollows,
		Errors:         append([]string{}, s.Errors...),
		LastError:      s.LastError,
		LastFullSync:   s.LastFullSync.UTC(),
	}
}

func (r statusRecord) toDomain() domain.SyncStatus {
	return domain.SyncStatus{
		IsRunning:      r.IsRunning,
		Phase:          domain.SyncPhase(r.Phase),
		StartedAt:      r.StartedAt,
		TotalFollows:   r.TotalFollows,
		SyncedFollows:  r.SyncedFollows,
		FetchingPage:   r.FetchingPage,
		FetchedFollows: r.FetchedFollows,
		Errors:         r.Errors,
		LastError:      r.LastError,
		LastFullSync:   r.LastFullSync,
	}
}

func encode(key string, v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b, nil
}

func decode(key string, b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
