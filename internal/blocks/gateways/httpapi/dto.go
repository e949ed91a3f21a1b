package httpapi

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

type accountJSON struct {
	DID          string     `json:"did"`
	Handle       string     `json:"handle"`
	DisplayName  string     `json:"display_name,omitempty"`
	Avatar       string     `json:"avatar,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

type matchJSON struct {
	accountJSON
	BlockCount int `json:"block_count"`
}

type statusJSON struct {
	IsRunning      bool       `json:"is_running"`
	Phase          string     `json:"phase"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	TotalFollows   int        `json:"total_follows"`
	SyncedFollows  int        `json:"synced_follows"`
	FetchingPage   int        `json:"fetching_page"`
	FetchedFollows int        `json:"fetched_follows"`
	Errors         []string   `json:"errors"`
	LastError      string     `json:"last_error,omitempty"`
	LastFullSync   *time.Time `json:"last_full_sync,omitempty"`
}

type deepJSON struct {
	CreatorsProcessed int      `json:"creators_processed"`
	ListsResolved     int      `json:"lists_resolved"`
	TotalMembers      int      `json:"total_members"`
	Errors            []string `json:"errors"`
}

type statsJSON struct {
	TotalFollows                 int        `json:"total_follows"`
	SyncedFollows                int        `json:"synced_follows"`
	TotalDirectBlocks            int        `json:"total_direct_blocks"`
	TotalListSubscriptions       int        `json:"total_list_subscriptions"`
	UniqueBlocklists             int        `json:"unique_blocklists"`
	AverageDirectBlocksPerFollow float64    `json:"average_direct_blocks_per_follow"`
	LastSync                     *time.Time `json:"last_sync,omitempty"`
}

type effectiveJSON struct {
	DID    string   `json:"did"`
	Count  int      `json:"count"`
	Blocks []string `json:"blocks"`
}

type errorJSON struct {
	Error string `json:"error"`
}

// timePtr drops zero times so they are omitted.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toAccount(a domain.FollowedAccount) accountJSON {
	return accountJSON{
		DID:          a.DID,
		Handle:       a.Handle,
		DisplayName:  a.DisplayName,
		Avatar:       a.Avatar,
		LastSyncedAt: timePtr(a.LastSyncedAt),
	}
}

func toAccounts(in []domain.FollowedAccount) []accountJSON {
	out := make([]accountJSON, 0, len(in))
	for _, a := range in {
		out = append(out, toAccount(a))
	}
	return out
}

func toMatches(in []domain.FollowMatch) []matchJSON {
	out := make([]matchJSON, 0, len(in))
	for _, m := range in {
		out = append(out, matchJSON{accountJSON: toAccount(m.FollowedAccount), BlockCount: m.BlockCount})
	}
	return out
}

func toStatus(s domain.SyncStatus) statusJSON {
	errs := s.Errors
	if errs == nil {
		errs = []string{}
	}
	return statusJSON{
		IsRunning:      s.IsRunning,
		Phase:          string(s.Phase),
		StartedAt:      timePtr(s.StartedAt),
		TotalFollows:   s.TotalFollows,
		SyncedFollows:  s.SyncedFollows,
		FetchingPage:   s.FetchingPage,
		FetchedFollows: s.FetchedFollows,
		Errors:         errs,
		LastError:      s.LastError,
		LastFullSync:   timePtr(s.LastFullSync),
	}
}

func toDeep(r domain.DeepSyncResult) deepJSON {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return deepJSON{
		CreatorsProcessed: r.CreatorsProcessed,
		ListsResolved:     r.ListsResolved,
		TotalMembers:      r.TotalMembers,
		Errors:            errs,
	}
}

func toStats(s domain.CacheStats) statsJSON {
	return statsJSON{
		TotalFollows:                 s.TotalFollows,
		SyncedFollows:                s.SyncedFollows,
		TotalDirectBlocks:            s.TotalDirectBlocks,
		TotalListSubscriptions:       s.TotalListSubscriptions,
		UniqueBlocklists:             s.UniqueBlocklists,
		AverageDirectBlocksPerFollow: s.AverageDirectBlocksPerFollow,
		LastSync:                     timePtr(s.LastSync),
	}
}

func toEffective(did string, set mapset.Set[string]) effectiveJSON {
	blocks := set.ToSlice()
	sort.Strings(blocks)
	return effectiveJSON{DID: did, Count: len(blocks), Blocks: blocks}
}
