package cachestore

import "github.com/haukened/blockmirror/internal/blocks/domain"

// MigrateFromV1 copies V1 entries into V2 once. Each V1 block set becomes the
// V2 DirectBlocks with no subscribed lists: V1 never recorded which blocks
// came from lists, so this is an approximation and is not reclassified.
// The V1 revision is dropped so the first pass refetches the account and
// learns its real split. V1 keys are left in place.
//
// It returns the number of entries created. Later calls are no-ops.
func (s *Store) MigrateFromV1() (int, error) {
	s.mu.RLock()
	done := s.meta.MigratedFromV1
	s.mu.RUnlock()
	if done {
		return 0, nil
	}

	legacy, err := newV1Store(s.storage).entries()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	migrated := 0
	for did, rec := range legacy {
		if _, exists := s.entries[did]; exists {
			continue
		}
		e := toEntryRecord(domain.NewRelationshipEntry(rec.Blocks.ToSlice(), nil, "", rec.LastSync))
		if err := s.write(entryKey(did), e); err != nil {
			return migrated, err
		}
		s.entries[did] = e.toDomain()
		migrated++
	}
	if migrated > 0 {
		if err := s.writeIndex(); err != nil {
			return migrated, err
		}
	}
	s.meta.SchemaVersion = schemaVersion
	s.meta.MigratedFromV1 = true
	if err := s.write(keyMeta, s.meta); err != nil {
		return migrated, err
	}
	if migrated > 0 {
		s.logger.Info(map[string]any{"migrated": migrated}, "migrated v1 cache entries")
	}
	return migrated, nil
}
