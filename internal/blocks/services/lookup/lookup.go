// Package lookup answers relationship queries over the cache. Effective
// blocks are composed at read time from direct blocks and the current
// membership of subscribed lists; nothing composed is ever stored.
package lookup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/services/fetch"
)

// Cache is the read surface the engine needs. Sets passed to the range
// callbacks are shared and read-only.
type Cache interface {
	Follows() []domain.FollowedAccount
	Entry(did string) (domain.RelationshipEntry, bool)
	RangeEntries(fn func(did string, e domain.RelationshipEntry) bool)
	RangeLists(fn func(l domain.GlobalBlocklist) bool)
}

// ServerResolver finds an account's home server.
type ServerResolver interface {
	ResolveServerURL(ctx context.Context, did string) (string, error)
}

// Fetcher fetches an uncached account's records live.
type Fetcher interface {
	Fetch(ctx context.Context, did, serverURL string, hint fetch.Hint) (fetch.Result, error)
}

// Options configures an Engine.
type Options struct {
	Cache    Cache
	Resolver ServerResolver
	Fetcher  Fetcher
	Logger   log.Logger
}

// Engine is the LookupEngine.
type Engine struct {
	cache    Cache
	resolver ServerResolver
	fetcher  Fetcher
	logger   log.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	return &Engine{
		cache:    opts.Cache,
		resolver: opts.Resolver,
		fetcher:  opts.Fetcher,
		logger:   log.With(opts.Logger, map[string]any{"component": "lookup"}),
	}, nil
}

// memberships snapshots list URI -> members for every resolved list.
func (e *Engine) memberships() map[string]mapset.Set[string] {
	out := make(map[string]mapset.Set[string])
	e.cache.RangeLists(func(l domain.GlobalBlocklist) bool {
		if l.Members != nil {
			out[l.URI] = l.Members
		}
		return true
	})
	return out
}

// blocks reports whether the entry effectively blocks target.
func blocks(entry domain.RelationshipEntry, lists map[string]mapset.Set[string], target string) bool {
	if entry.DirectBlocks != nil && entry.DirectBlocks.Contains(target) {
		return true
	}
	if entry.SubscribedLists == nil {
		return false
	}
	found := false
	entry.SubscribedLists.Each(func(uri string) bool {
		if m, ok := lists[uri]; ok && m.Contains(target) {
			found = true
			return true
		}
		return false
	})
	return found
}

func effective(entry domain.RelationshipEntry, lists map[string]mapset.Set[string]) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	if entry.DirectBlocks != nil {
		out.Append(entry.DirectBlocks.ToSlice()...)
	}
	if entry.SubscribedLists != nil {
		entry.SubscribedLists.Each(func(uri string) bool {
			if m, ok := lists[uri]; ok {
				out.Append(m.ToSlice()...)
			}
			return false
		})
	}
	return out
}

func (e *Engine) blockerDIDs(target string, lists map[string]mapset.Set[string]) mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	e.cache.RangeEntries(func(did string, entry domain.RelationshipEntry) bool {
		if blocks(entry, lists, target) {
			out.Add(did)
		}
		return true
	})
	return out
}

func (e *Engine) followsIn(set mapset.Set[string]) []domain.FollowedAccount {
	out := []domain.FollowedAccount{}
	for _, f := range e.cache.Follows() {
		if set.Contains(f.DID) {
			out = append(out, f)
		}
	}
	return out
}

// BlockersOf returns the follows whose effective blocks contain target.
// Unresolved lists contribute nothing.
func (e *Engine) BlockersOf(target string) []domain.FollowedAccount {
	return e.followsIn(e.blockerDIDs(target, e.memberships()))
}

// CommonBlockers returns the follows that block every target. No targets
// means no blockers.
func (e *Engine) CommonBlockers(targets []string) []domain.FollowedAccount {
	targets, _ = utils.DedupCapped(targets, 0)
	if len(targets) == 0 {
		return []domain.FollowedAccount{}
	}
	lists := e.memberships()
	common := e.blockerDIDs(targets[0], lists)
	for _, t := range targets[1:] {
		if common.Cardinality() == 0 {
			break
		}
		common = common.Intersect(e.blockerDIDs(t, lists))
	}
	return e.followsIn(common)
}

// EffectiveBlocks is the account's direct blocks united with the members of
// every resolved list it subscribes to.
func (e *Engine) EffectiveBlocks(did string) mapset.Set[string] {
	entry, ok := e.cache.Entry(did)
	if !ok {
		return mapset.NewSet[string]()
	}
	return mapset.NewSet(effective(entry, e.memberships()).ToSlice()...)
}

// BlockedByTarget returns the follows that target blocks. target need not
// be followed, so its records are fetched live. Any failure yields an empty
// result.
func (e *Engine) BlockedByTarget(ctx context.Context, target string) []domain.FollowedAccount {
	if e.resolver == nil || e.fetcher == nil {
		return []domain.FollowedAccount{}
	}
	pds, err := e.resolver.ResolveServerURL(ctx, target)
	if err != nil {
		e.logger.Warn(map[string]any{"did": target, "error": err}, "live lookup: no home server")
		return []domain.FollowedAccount{}
	}
	res, err := e.fetcher.Fetch(ctx, target, pds, fetch.Hint{})
	if err != nil {
		e.logger.Warn(map[string]any{"did": target, "error": err}, "live lookup failed")
		return []domain.FollowedAccount{}
	}
	entry := domain.NewRelationshipEntry(res.DirectBlocks, res.SubscribedLists, "", time.Time{})
	return e.followsIn(effective(entry, e.memberships()))
}

// SearchFollows matches follows by handle or display name, case-insensitively,
// ordered by effective block count descending.
func (e *Engine) SearchFollows(query string) []domain.FollowMatch {
	qh := utils.CanonicalHandle(query)
	qt := utils.FoldText(query)
	lists := e.memberships()

	out := []domain.FollowMatch{}
	for _, f := range e.cache.Follows() {
		if !strings.Contains(utils.CanonicalHandle(f.Handle), qh) && !strings.Contains(utils.FoldText(f.DisplayName), qt) {
			continue
		}
		m := domain.FollowMatch{FollowedAccount: f}
		if entry, ok := e.cache.Entry(f.DID); ok {
			m.BlockCount = effective(entry, lists).Cardinality()
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockCount != out[j].BlockCount {
			return out[i].BlockCount > out[j].BlockCount
		}
		return utils.CanonicalHandle(out[i].Handle) < utils.CanonicalHandle(out[j].Handle)
	})
	return out
}

// Stats aggregates cache counts for display.
func (e *Engine) Stats() domain.CacheStats {
	follows := e.cache.Follows()
	followed := mapset.NewThreadUnsafeSetWithSize[string](len(follows))
	for _, f := range follows {
		followed.Add(f.DID)
	}

	st := domain.CacheStats{TotalFollows: len(follows)}
	unique := mapset.NewThreadUnsafeSet[string]()
	e.cache.RangeEntries(func(did string, entry domain.RelationshipEntry) bool {
		if !followed.Contains(did) {
			return true
		}
		st.SyncedFollows++
		if entry.DirectBlocks != nil {
			st.TotalDirectBlocks += entry.DirectBlocks.Cardinality()
		}
		if entry.SubscribedLists != nil {
			st.TotalListSubscriptions += entry.SubscribedLists.Cardinality()
			unique.Append(entry.SubscribedLists.ToSlice()...)
		}
		if entry.LastSync.After(st.LastSync) {
			st.LastSync = entry.LastSync
		}
		return true
	})
	st.UniqueBlocklists = unique.Cardinality()
	if st.SyncedFollows > 0 {
		st.AverageDirectBlocksPerFollow = float64(st.TotalDirectBlocks) / float64(st.SyncedFollows)
	}
	return st
}
