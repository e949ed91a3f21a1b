package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "status 404" }
func (permanentErr) Transient() bool { return false }

// fakeSource serves fixed record sets in pages of pageSize.
type fakeSource struct {
	blocks, lists []string
	pageSize      int
	revision      string
	snapshots     bool

	blockErrAt int // page index that fails, -1 for none
	blockErr   error
	snapErr    error

	blockPages, listPages, snapCalls, incrCalls int
}

func newFakeSource(blocks, lists []string) *fakeSource {
	return &fakeSource{blocks: blocks, lists: lists, pageSize: 100, revision: "rev1", snapshots: true, blockErrAt: -1}
}

func (f *fakeSource) page(all []string, cursor string) domain.RecordPage {
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+f.pageSize, len(all))
	p := domain.RecordPage{Values: append([]string(nil), all[start:end]...)}
	if end < len(all) {
		p.Cursor = strconv.Itoa(end)
	}
	return p
}

func (f *fakeSource) ListBlocksPage(_ context.Context, _, _, cursor string) (domain.RecordPage, error) {
	idx := f.blockPages
	f.blockPages++
	if idx == f.blockErrAt {
		return domain.RecordPage{}, f.blockErr
	}
	return f.page(f.blocks, cursor), nil
}

func (f *fakeSource) ListBlocklistSubscriptionsPage(_ context.Context, _, _, cursor string) (domain.RecordPage, error) {
	f.listPages++
	return f.page(f.lists, cursor), nil
}

func (f *fakeSource) FetchBlocksSnapshot(context.Context, string, string) (domain.BlocksSnapshot, error) {
	f.snapCalls++
	if !f.snapshots {
		return domain.BlocksSnapshot{}, domain.ErrSnapshotUnsupported
	}
	if f.snapErr != nil {
		return domain.BlocksSnapshot{}, f.snapErr
	}
	return domain.BlocksSnapshot{Blocks: f.blocks, Lists: f.lists, Revision: f.revision}, nil
}

func (f *fakeSource) FetchBlocksSnapshotIncremental(ctx context.Context, did, pds, rev string, cached *domain.RelationshipEntry) (domain.BlocksSnapshot, error) {
	f.incrCalls++
	if rev == f.revision {
		return domain.BlocksSnapshot{Blocks: cached.DirectBlocks.ToSlice(), Lists: cached.SubscribedLists.ToSlice(), Revision: rev, WasIncremental: true}, nil
	}
	return f.FetchBlocksSnapshot(ctx, did, pds)
}

func dids(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("did:plc:%s%04d", prefix, i)
	}
	return out
}

func newStrategy(t *testing.T, src RecordSource, threshold, cap int) *Strategy {
	t.Helper()
	s, err := New(Options{Source: src, HeavyThreshold: threshold, MaxRecords: cap, Logger: log.NewNoopLogger()})
	require.NoError(t, err)
	return s
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	s := newStrategy(t, newFakeSource(nil, nil), 0, 0)
	assert.Equal(t, 500, s.Threshold())
	assert.Equal(t, 10000, s.cap)
}

func TestDecide(t *testing.T) {
	s := newStrategy(t, newFakeSource(nil, nil), 500, 0)
	assert.Equal(t, SourceListing, s.Decide(0))
	assert.Equal(t, SourceListing, s.Decide(499))
	assert.Equal(t, SourceSnapshot, s.Decide(500))
	assert.True(t, s.IsHeavy(600))
}

func TestFetch_SmallAccountUsesListing(t *testing.T) {
	src := newFakeSource(dids(200, "b"), []string{"at://did:plc:c/app.bsky.graph.list/1"})
	s := newStrategy(t, src, 500, 0)

	res, err := s.Fetch(context.Background(), "did:plc:a", "https://pds", Hint{})
	require.NoError(t, err)
	assert.Equal(t, SourceListing, res.Source)
	assert.Len(t, res.DirectBlocks, 200)
	assert.Len(t, res.SubscribedLists, 1)
	assert.Empty(t, res.Revision)
	assert.False(t, res.Partial)
	assert.Equal(t, 2, src.blockPages)
	assert.Zero(t, src.snapCalls)
}

func TestFetch_CrossingThresholdSwitchesToSnapshot(t *testing.T) {
	src := newFakeSource(dids(600, "b"), nil)
	s := newStrategy(t, src, 500, 0)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, res.Source)
	assert.Equal(t, "rev1", res.Revision)
	assert.Len(t, res.DirectBlocks, 600)
	assert.Equal(t, 5, src.blockPages)
	assert.Zero(t, src.listPages)
	assert.Equal(t, 1, src.snapCalls)
}

func TestFetch_ThresholdSwitchIsIdempotent(t *testing.T) {
	blocks := dids(450, "b")
	lists := []string{"at://did:plc:c/app.bsky.graph.list/1", "at://did:plc:c/app.bsky.graph.list/2"}

	below := newStrategy(t, newFakeSource(blocks, lists), 1000, 0)
	listed, err := below.Fetch(context.Background(), "did:plc:x", "https://pds", Hint{})
	require.NoError(t, err)
	require.Equal(t, SourceListing, listed.Source)

	above := newStrategy(t, newFakeSource(blocks, lists), 100, 0)
	snapped, err := above.Fetch(context.Background(), "did:plc:x", "https://pds", Hint{})
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, snapped.Source)

	assert.ElementsMatch(t, listed.DirectBlocks, snapped.DirectBlocks)
	assert.ElementsMatch(t, listed.SubscribedLists, snapped.SubscribedLists)
}

func TestFetch_KnownHeavyGoesStraightToSnapshot(t *testing.T) {
	src := newFakeSource(dids(700, "b"), nil)
	s := newStrategy(t, src, 500, 0)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{KnownRecordCount: 700})
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, res.Source)
	assert.Zero(t, src.blockPages)
	assert.Equal(t, 1, src.snapCalls)
}

func TestFetch_KnownHeavyIncremental(t *testing.T) {
	src := newFakeSource(dids(700, "b"), nil)
	s := newStrategy(t, src, 500, 0)
	cached := domain.NewRelationshipEntry(dids(700, "b"), nil, "rev1", t0())

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{KnownRecordCount: 700, CachedRevision: "rev1", Cached: &cached})
	require.NoError(t, err)
	assert.True(t, res.WasIncremental)
	assert.Equal(t, 1, src.incrCalls)
	assert.Zero(t, src.snapCalls)
}

func TestFetch_SnapshotUnsupportedListsToCap(t *testing.T) {
	src := newFakeSource(dids(1200, "b"), nil)
	src.snapshots = false
	s := newStrategy(t, src, 500, 1000)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	require.NoError(t, err)
	assert.Equal(t, SourceListing, res.Source)
	assert.Len(t, res.DirectBlocks, 1000)
	assert.True(t, res.Truncated)
	// listing resumed after the failed switch instead of restarting
	assert.Equal(t, 10, src.blockPages)
	assert.Equal(t, 1, src.snapCalls)
	// first N in fetch order
	assert.Equal(t, dids(1000, "b"), res.DirectBlocks)

	known := newFakeSource(dids(300, "b"), nil)
	known.snapshots = false
	res, err = newStrategy(t, known, 100, 0).Fetch(context.Background(), "did:plc:b", "https://pds", Hint{KnownRecordCount: 200})
	require.NoError(t, err)
	assert.Equal(t, SourceListing, res.Source)
	assert.Len(t, res.DirectBlocks, 300)
}

func TestFetch_SnapshotCapApplies(t *testing.T) {
	src := newFakeSource(dids(50, "b"), nil)
	s := newStrategy(t, src, 10, 20)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{KnownRecordCount: 50})
	require.NoError(t, err)
	assert.Len(t, res.DirectBlocks, 20)
	assert.True(t, res.Truncated)
}

func TestFetch_PermanentListingErrorReturnsPartial(t *testing.T) {
	src := newFakeSource(dids(250, "b"), nil)
	src.blockErrAt = 1
	src.blockErr = permanentErr{}
	s := newStrategy(t, src, 500, 0)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Len(t, res.DirectBlocks, 100)
}

func TestFetch_TransientListingErrorPropagates(t *testing.T) {
	src := newFakeSource(dids(250, "b"), nil)
	src.blockErrAt = 0
	src.blockErr = errors.New("status 500")
	s := newStrategy(t, src, 500, 0)

	_, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	assert.EqualError(t, err, "status 500")
}

func TestFetch_SnapshotRefusedMidSwitchKeepsListing(t *testing.T) {
	src := newFakeSource(dids(300, "b"), nil)
	src.snapErr = permanentErr{}
	s := newStrategy(t, src, 100, 0)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	require.NoError(t, err)
	assert.Equal(t, SourceListing, res.Source)
	assert.Len(t, res.DirectBlocks, 300)
}

func TestFetch_KnownHeavySnapshotRefusedIsEmpty(t *testing.T) {
	src := newFakeSource(dids(300, "b"), nil)
	src.snapErr = permanentErr{}
	s := newStrategy(t, src, 100, 0)

	res, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{KnownRecordCount: 300})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Empty(t, res.DirectBlocks)
}

func TestFetch_SnapshotTransientErrorPropagates(t *testing.T) {
	src := newFakeSource(dids(300, "b"), nil)
	src.snapErr = errors.New("connection reset")
	s := newStrategy(t, src, 100, 0)

	_, err := s.Fetch(context.Background(), "did:plc:b", "https://pds", Hint{})
	assert.EqualError(t, err, "connection reset")
}

func t0() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
