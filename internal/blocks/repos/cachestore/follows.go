package cachestore

import (
	"time"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// Follows returns a copy of the persisted follow list.
func (s *Store) Follows() []domain.FollowedAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FollowedAccount(nil), s.follows...)
}

// ReplaceFollows swaps the follow list wholesale. LastSyncedAt and
// ServerURL are carried over for accounts that were already known.
func (s *Store) ReplaceFollows(follows []domain.FollowedAccount) error {
	s.mu.RLock()
	prev := make(map[string]domain.FollowedAccount, len(s.follows))
	for _, f := range s.follows {
		prev[f.DID] = f
	}
	s.mu.RUnlock()

	next := make([]domain.FollowedAccount, len(follows))
	copy(next, follows)
	for i := range next {
		old := prev[next[i].DID]
		if next[i].LastSyncedAt.IsZero() {
			next[i].LastSyncedAt = old.LastSyncedAt
		}
		if next[i].ServerURL == "" {
			next[i].ServerURL = old.ServerURL
		}
	}
	return s.setFollows(next)
}

// MarkFollowsSynced sets LastSyncedAt for the given accounts, keyed by DID.
// A non-empty value also records the account's home server.
func (s *Store) MarkFollowsSynced(synced map[string]string, at time.Time) error {
	if len(synced) == 0 {
		return nil
	}
	next := s.Follows()
	for i := range next {
		server, ok := synced[next[i].DID]
		if !ok {
			continue
		}
		next[i].LastSyncedAt = at
		if server != "" {
			next[i].ServerURL = server
		}
	}
	return s.setFollows(next)
}

func (s *Store) setFollows(next []domain.FollowedAccount) error {
	if err := s.write(keyFollows, toFollowRecords(next)); err != nil {
		return err
	}
	s.mu.Lock()
	s.follows = next
	s.mu.Unlock()
	return nil
}

// SaveStatus persists the sync status.
func (s *Store) SaveStatus(st domain.SyncStatus) error {
	return s.write(keyStatus, toStatusRecord(st))
}

// LoadStatus reads the persisted sync status. A missing status is idle.
func (s *Store) LoadStatus() (domain.SyncStatus, error) {
	var rec statusRecord
	ok, err := s.read(keyStatus, &rec)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	if !ok {
		return domain.SyncStatus{Phase: domain.PhaseIdle}, nil
	}
	return rec.toDomain(), nil
}
