// Package cachestore is the versioned relationship cache: per-account block
// entries, the shared block-list registry, the follow list and the persisted
// sync status, all kept on a kv.Storage.
//
// The whole cache is mirrored in memory at Open. Reads never touch storage.
// Writes go to storage first and only then become visible in memory, so an
// error leaves the previously observed value in place.
package cachestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/common/clock"
	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
)

// Options configures a Store.
type Options struct {
	Storage    kv.Storage
	Logger     log.Logger
	Clock      clock.Clock
	MaxEntries int
}

// Store implements the V2 cache schema.
type Store struct {
	storage kv.Storage
	logger  log.Logger
	clock   clock.Clock

	mu      sync.RWMutex
	meta    metaRecord
	entries map[string]domain.RelationshipEntry
	lists   map[string]domain.GlobalBlocklist
	follows []domain.FollowedAccount
	writing map[string]int
}

// Open loads the cache from storage and migrates V1 data once.
func Open(opts Options) (*Store, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("cachestore: storage is required")
	}
	s := &Store{
		storage: opts.Storage,
		logger:  log.With(opts.Logger, map[string]any{"component": "cachestore"}),
		clock:   clock.OrReal(opts.Clock),
		entries: make(map[string]domain.RelationshipEntry),
		lists:   make(map[string]domain.GlobalBlocklist),
		writing: make(map[string]int),
	}
	if err := s.load(opts.MaxEntries); err != nil {
		return nil, err
	}
	if !s.meta.MigratedFromV1 {
		if _, err := s.MigrateFromV1(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load(maxEntries int) error {
	ok, err := s.read(keyMeta, &s.meta)
	if err != nil {
		return err
	}
	if !ok {
		s.meta = metaRecord{SchemaVersion: schemaVersion}
	}
	if maxEntries > 0 {
		s.meta.MaxEntries = maxEntries
	}

	var index []string
	if _, err := s.read(keyIndex, &index); err != nil {
		return err
	}
	for _, did := range index {
		var rec entryRecord
		ok, err := s.read(entryKey(did), &rec)
		if err != nil {
			return err
		}
		if ok {
			s.entries[did] = rec.toDomain()
		}
	}

	var listIndex []string
	if _, err := s.read(keyListsIndex, &listIndex); err != nil {
		return err
	}
	for _, uri := range listIndex {
		var rec listRecord
		ok, err := s.read(listKey(uri), &rec)
		if err != nil {
			return err
		}
		if ok {
			s.lists[uri] = rec.toDomain(uri)
		}
	}

	var follows []followRecord
	if _, err := s.read(keyFollows, &follows); err != nil {
		return err
	}
	s.follows = fromFollowRecords(follows)

	s.logger.Debug(map[string]any{
		"entries": len(s.entries),
		"lists":   len(s.lists),
		"follows": len(s.follows),
	}, "cache loaded")
	return nil
}

func (s *Store) read(key string, v any) (bool, error) {
	b, ok, err := s.storage.Get(key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	return true, decode(key, b, v)
}

func (s *Store) write(key string, v any) error {
	b, err := encode(key, v)
	if err != nil {
		return err
	}
	if err := s.storage.Set(key, b); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// writeIndex persists the sorted key set of the entry map. Caller holds mu.
func (s *Store) writeIndex() error {
	return s.write(keyIndex, sortedKeys(s.entries))
}

// writeListsIndex persists the sorted key set of the list registry. Caller holds mu.
func (s *Store) writeListsIndex() error {
	return s.write(keyListsIndex, sortedKeys(s.lists))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Entry returns a copy of the cached entry for did.
func (s *Store) Entry(did string) (domain.RelationshipEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[did]
	if !ok {
		return domain.RelationshipEntry{}, false
	}
	return e.Clone(), true
}

// RangeEntries calls fn for every cached entry until fn returns false.
// The entry's sets are shared with the cache and must not be modified.
func (s *Store) RangeEntries(fn func(did string, e domain.RelationshipEntry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for did, e := range s.entries {
		if !fn(did, e) {
			return
		}
	}
}

// UpsertEntry replaces the entry for did in one write. lastSync is set to now.
func (s *Store) UpsertEntry(did string, direct, lists []string, revision string) error {
	return s.putEntry(did, domain.NewRelationshipEntry(direct, lists, revision, s.clock.Now()))
}

// Touch advances lastSync on an existing entry without changing its data.
func (s *Store) Touch(did string) error {
	s.mu.RLock()
	e, ok := s.entries[did]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e = e.Clone()
	e.LastSync = s.clock.Now()
	return s.putEntry(did, e)
}

func (s *Store) putEntry(did string, e domain.RelationshipEntry) error {
	s.mu.Lock()
	s.writing[did]++
	s.mu.Unlock()

	err := s.write(entryKey(did), toEntryRecord(e))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writing[did]--; s.writing[did] == 0 {
		delete(s.writing, did)
	}
	if err != nil {
		return err
	}
	_, existed := s.entries[did]
	s.entries[did] = e
	if !existed {
		return s.writeIndex()
	}
	return nil
}

// GlobalBlocklist returns a copy of the shared list with the given URI.
func (s *Store) GlobalBlocklist(uri string) (domain.GlobalBlocklist, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[uri]
	if !ok {
		return domain.GlobalBlocklist{}, false
	}
	return l.Clone(), true
}

// RangeLists calls fn for every shared list until fn returns false.
func (s *Store) RangeLists(fn func(l domain.GlobalBlocklist) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.lists {
		if !fn(l) {
			return
		}
	}
}

// UpsertGlobalBlocklist overwrites a shared list wholesale.
func (s *Store) UpsertGlobalBlocklist(l domain.GlobalBlocklist) error {
	if l.URI == "" {
		return fmt.Errorf("cachestore: list uri is required")
	}
	l = l.Clone()
	if l.MemberCount == 0 {
		l.MemberCount = l.Members.Cardinality()
	}
	if err := s.write(listKey(l.URI), toListRecord(l)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.lists[l.URI]
	s.lists[l.URI] = l
	if !existed {
		return s.writeListsIndex()
	}
	return nil
}

// SubscribedListURIs returns every list URI referenced by a cached entry, sorted.
func (s *Store) SubscribedListURIs() []string {
	set := mapset.NewThreadUnsafeSet[string]()
	s.RangeEntries(func(_ string, e domain.RelationshipEntry) bool {
		if e.SubscribedLists != nil {
			set.Append(e.SubscribedLists.ToSlice()...)
		}
		return true
	})
	return sortedSlice(set)
}

// Metadata returns the current schema bookkeeping and counts.
func (s *Store) Metadata() domain.CacheMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.CacheMetadata{
		SchemaVersion:  s.meta.SchemaVersion,
		MaxEntries:     s.meta.MaxEntries,
		EntryCount:     len(s.entries),
		ListCount:      len(s.lists),
		MigratedFromV1: s.meta.MigratedFromV1,
		LastPruned:     s.meta.LastPruned,
	}
}

// Clear removes every V1 and V2 key, the follow list and the list registry.
// The persisted sync status is left alone.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := newV1Store(s.storage).clear(); err != nil {
		return err
	}
	for did := range s.entries {
		if err := s.storage.Remove(entryKey(did)); err != nil {
			return fmt.Errorf("failed to remove entry %s: %w", did, err)
		}
		delete(s.entries, did)
	}
	for uri := range s.lists {
		if err := s.storage.Remove(listKey(uri)); err != nil {
			return fmt.Errorf("failed to remove list %s: %w", uri, err)
		}
		delete(s.lists, uri)
	}
	for _, key := range []string{keyIndex, keyListsIndex, keyFollows} {
		if err := s.storage.Remove(key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	s.follows = nil
	// V1 is gone, so there is nothing left to migrate.
	s.meta.MigratedFromV1 = true
	s.meta.LastPruned = time.Time{}
	if err := s.write(keyMeta, s.meta); err != nil {
		return err
	}
	s.logger.Info(nil, "cache cleared")
	return nil
}
