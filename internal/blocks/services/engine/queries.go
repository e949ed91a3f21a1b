package engine

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// LookupBlockers returns the follows that block target.
func (e *Engine) LookupBlockers(target string) []domain.FollowedAccount {
	return e.lookup.BlockersOf(target)
}

// LookupBlockedByTarget returns the follows that target blocks. This is the
// one lookup that goes to the network.
func (e *Engine) LookupBlockedByTarget(ctx context.Context, target string) []domain.FollowedAccount {
	return e.lookup.BlockedByTarget(ctx, target)
}

func (e *Engine) LookupCommonBlockers(targets []string) []domain.FollowedAccount {
	return e.lookup.CommonBlockers(targets)
}

func (e *Engine) LookupEffectiveBlocks(did string) mapset.Set[string] {
	return e.lookup.EffectiveBlocks(did)
}

func (e *Engine) SearchFollows(query string) []domain.FollowMatch {
	return e.lookup.SearchFollows(query)
}

// GetStats aggregates the cache.
func (e *Engine) GetStats() domain.CacheStats {
	return e.lookup.Stats()
}

// TriggerDeepResolve runs a deep list resolve and waits for it.
func (e *Engine) TriggerDeepResolve(ctx context.Context) (domain.DeepSyncResult, error) {
	if e.deep == nil {
		return domain.DeepSyncResult{}, fmt.Errorf("deep resolver not configured")
	}
	return e.deep.Resolve(ctx, func(done, total int, creator string) {
		e.logger.Debug(map[string]any{"done": done, "total": total, "creator": creator}, "deep resolve progress")
	})
}

// ClearCache drops every cached entry, list and the follow list. It refuses
// while a pass holds the lock.
func (e *Engine) ClearCache() error {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if e.running.Load() {
		return domain.ErrSyncInProgress
	}
	if err := e.store.Clear(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if p, ok := e.follows.(followsPurger); ok {
		p.PurgeFollows()
	}
	e.logger.Info(nil, "cache cleared")
	return nil
}
