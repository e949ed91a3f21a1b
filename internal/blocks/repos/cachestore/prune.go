package cachestore

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// Prune evicts entries by ascending lastSync until at most maxSize remain,
// then drops shared lists no remaining entry subscribes to. Entries with a
// write in flight are never evicted. maxSize <= 0 uses the configured limit.
// It returns the number of evicted entries.
func (s *Store) Prune(maxSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxSize <= 0 {
		maxSize = s.meta.MaxEntries
	}
	evicted := 0
	if maxSize > 0 && len(s.entries) > maxSize {
		type candidate struct {
			did string
			e   domain.RelationshipEntry
		}
		candidates := make([]candidate, 0, len(s.entries))
		for did, e := range s.entries {
			if s.writing[did] > 0 {
				continue
			}
			candidates = append(candidates, candidate{did: did, e: e})
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if !a.e.LastSync.Equal(b.e.LastSync) {
				return a.e.LastSync.Before(b.e.LastSync)
			}
			return a.did < b.did
		})
		excess := len(s.entries) - maxSize
		for _, c := range candidates {
			if evicted >= excess {
				break
			}
			if err := s.storage.Remove(entryKey(c.did)); err != nil {
				return evicted, fmt.Errorf("failed to evict %s: %w", c.did, err)
			}
			delete(s.entries, c.did)
			evicted++
		}
		if evicted > 0 {
			if err := s.writeIndex(); err != nil {
				return evicted, err
			}
		}
	}

	orphans, err := s.dropOrphanLists()
	if err != nil {
		return evicted, err
	}

	s.meta.LastPruned = s.clock.Now()
	if err := s.write(keyMeta, s.meta); err != nil {
		return evicted, err
	}
	if evicted > 0 || orphans > 0 {
		s.logger.Info(map[string]any{
			"evicted":      evicted,
			"orphan_lists": orphans,
			"remaining":    len(s.entries),
			"limit":        maxSize,
		}, "cache pruned")
	}
	return evicted, nil
}

// dropOrphanLists removes registry rows no entry references. Caller holds mu.
func (s *Store) dropOrphanLists() (int, error) {
	referenced := mapset.NewThreadUnsafeSet[string]()
	for _, e := range s.entries {
		if e.SubscribedLists != nil {
			referenced.Append(e.SubscribedLists.ToSlice()...)
		}
	}
	dropped := 0
	for uri := range s.lists {
		if referenced.Contains(uri) {
			continue
		}
		if err := s.storage.Remove(listKey(uri)); err != nil {
			return dropped, fmt.Errorf("failed to remove list %s: %w", uri, err)
		}
		delete(s.lists, uri)
		dropped++
	}
	if dropped > 0 {
		if err := s.writeListsIndex(); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}
