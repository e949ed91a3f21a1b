package domain

import "time"

// SyncPhase is the step a running pass is in.
type SyncPhase string

const (
	PhaseIdle            SyncPhase = "idle"
	PhaseFetchingFollows SyncPhase = "fetching-follows"
	PhaseSyncingBlocks   SyncPhase = "syncing-blocks"
)

// SyncStatus is the single process-wide view of the sync pass.
type SyncStatus struct {
	IsRunning      bool
	Phase          SyncPhase
	StartedAt      time.Time
	TotalFollows   int
	SyncedFollows  int
	FetchingPage   int
	FetchedFollows int
	Errors         []string
	LastError      string
	LastFullSync   time.Time
}

// Clone copies the status, including the error slice.
func (s SyncStatus) Clone() SyncStatus {
	out := s
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

// CacheMetadata carries schema bookkeeping and the limits used by pruning.
type CacheMetadata struct {
	SchemaVersion  int
	MaxEntries     int
	EntryCount     int
	ListCount      int
	MigratedFromV1 bool
	LastPruned     time.Time
}

// BatchStats summarises one run of the batch processor.
type BatchStats struct {
	Synced  int
	Skipped int
	Errors  []string
}

// Failed is the number of accounts that exhausted their retries.
func (b BatchStats) Failed() int { return len(b.Errors) }

// SyncReport is returned by a completed pass.
type SyncReport struct {
	BatchStats
	TotalFollows int
	Pruned       int
	Duration     time.Duration
}

// DeepSyncResult summarises one deep block-list resolution pass.
type DeepSyncResult struct {
	CreatorsProcessed int
	ListsResolved     int
	TotalMembers      int
	Errors            []string
}

// CacheStats is the aggregate view returned to callers.
type CacheStats struct {
	TotalFollows                 int
	SyncedFollows                int
	TotalDirectBlocks            int
	TotalListSubscriptions       int
	UniqueBlocklists             int
	AverageDirectBlocksPerFollow float64
	LastSync                     time.Time
}

// FollowMatch is one searchFollows result.
type FollowMatch struct {
	FollowedAccount
	BlockCount int
}
