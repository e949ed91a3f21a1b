package cachestore

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
)

// v1Store reads the legacy schema, one merged block set per account. Open
// migrates it into V2 and Clear removes it.
type v1Store struct {
	storage kv.Storage
}

func newV1Store(storage kv.Storage) *v1Store {
	return &v1Store{storage: storage}
}

func (v *v1Store) index() ([]string, error) {
	b, ok, err := v.storage.Get(keyV1Index)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", keyV1Index, err)
	}
	if !ok {
		return nil, nil
	}
	var out []string
	return out, decode(keyV1Index, b, &out)
}

// entries loads every V1 record keyed by DID.
func (v *v1Store) entries() (map[string]domain.DirectBlockRecord, error) {
	idx, err := v.index()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.DirectBlockRecord, len(idx))
	for _, did := range idx {
		rec, ok, err := v.entry(did)
		if err != nil {
			return nil, err
		}
		if ok {
			out[did] = rec
		}
	}
	return out, nil
}

// entry loads one V1 record.
func (v *v1Store) entry(did string) (domain.DirectBlockRecord, bool, error) {
	key := v1EntryKey(did)
	b, ok, err := v.storage.Get(key)
	if err != nil {
		return domain.DirectBlockRecord{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return domain.DirectBlockRecord{}, false, nil
	}
	var rec v1Record
	if err := decode(key, b, &rec); err != nil {
		return domain.DirectBlockRecord{}, false, err
	}
	return domain.DirectBlockRecord{
		Blocks:   mapset.NewSet(rec.Blocks...),
		Revision: rec.Revision,
		LastSync: rec.LastSync,
	}, true, nil
}

// clear removes every V1 key.
func (v *v1Store) clear() error {
	idx, err := v.index()
	if err != nil {
		return err
	}
	for _, did := range idx {
		if err := v.storage.Remove(v1EntryKey(did)); err != nil {
			return fmt.Errorf("failed to remove v1 entry %s: %w", did, err)
		}
	}
	return v.storage.Remove(keyV1Index)
}
