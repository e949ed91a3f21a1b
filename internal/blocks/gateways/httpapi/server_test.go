package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

type fakeService struct {
	started   bool
	status    domain.SyncStatus
	clearErr  error
	deep      domain.DeepSyncResult
	deepErr   error
	cacheErr  error
	gotTarget string
	gotCommon []string
	gotQuery  string
	cleared   int
}

func (f *fakeService) TriggerSync(context.Context) bool { return f.started }
func (f *fakeService) GetSyncStatus() domain.SyncStatus { return f.status }
func (f *fakeService) ForceClearRunning() error         { return f.clearErr }

func (f *fakeService) TriggerDeepResolve(context.Context) (domain.DeepSyncResult, error) {
	return f.deep, f.deepErr
}

func (f *fakeService) LookupBlockers(target string) []domain.FollowedAccount {
	f.gotTarget = target
	return []domain.FollowedAccount{{DID: "did:plc:a", Handle: "a.test"}}
}

func (f *fakeService) LookupBlockedByTarget(_ context.Context, target string) []domain.FollowedAccount {
	f.gotTarget = target
	return nil
}

func (f *fakeService) LookupCommonBlockers(targets []string) []domain.FollowedAccount {
	f.gotCommon = targets
	return []domain.FollowedAccount{}
}

func (f *fakeService) LookupEffectiveBlocks(did string) mapset.Set[string] {
	f.gotTarget = did
	return mapset.NewSet("did:plc:z", "did:plc:y")
}

func (f *fakeService) SearchFollows(q string) []domain.FollowMatch {
	f.gotQuery = q
	return []domain.FollowMatch{{FollowedAccount: domain.FollowedAccount{DID: "did:plc:a", Handle: "a.test"}, BlockCount: 3}}
}

func (f *fakeService) GetStats() domain.CacheStats {
	return domain.CacheStats{TotalFollows: 2, SyncedFollows: 1, AverageDirectBlocksPerFollow: 1.5}
}

func (f *fakeService) ClearCache() error {
	f.cleared++
	return f.cacheErr
}

func serve(t *testing.T, svc Service, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(Options{Service: svc, Logger: log.NewNoopLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSyncPost(t *testing.T) {
	rec := serve(t, &fakeService{started: true}, http.MethodPost, "/v1/sync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, map[string]bool{"started": true}, decodeBody[map[string]bool](t, rec))

	rec = serve(t, &fakeService{}, http.MethodPost, "/v1/sync")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, map[string]bool{"started": false}, decodeBody[map[string]bool](t, rec))
}

func TestSyncStatusGet(t *testing.T) {
	started := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeService{status: domain.SyncStatus{IsRunning: true, Phase: domain.PhaseSyncingBlocks, StartedAt: started, TotalFollows: 10, SyncedFollows: 4}}
	rec := serve(t, svc, http.MethodGet, "/v1/sync/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, got["is_running"])
	assert.Equal(t, "syncing-blocks", got["phase"])
	assert.Equal(t, "2026-02-01T00:00:00Z", got["started_at"])
	assert.Equal(t, []any{}, got["errors"])
	assert.NotContains(t, got, "last_full_sync")
}

func TestClearRunningPost(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, serve(t, &fakeService{}, http.MethodPost, "/v1/sync/clear-running").Code)

	rec := serve(t, &fakeService{clearErr: domain.ErrSyncInProgress}, http.MethodPost, "/v1/sync/clear-running")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errSyncRunning, decodeBody[errorJSON](t, rec).Error)
}

func TestDeepResolvePost(t *testing.T) {
	rec := serve(t, &fakeService{deep: domain.DeepSyncResult{CreatorsProcessed: 2, ListsResolved: 3, TotalMembers: 40}}, http.MethodPost, "/v1/deep-resolve")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[deepJSON](t, rec)
	assert.Equal(t, deepJSON{CreatorsProcessed: 2, ListsResolved: 3, TotalMembers: 40, Errors: []string{}}, got)

	rec = serve(t, &fakeService{deepErr: domain.ErrDeepResolveInProgress}, http.MethodPost, "/v1/deep-resolve")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, &fakeService{deepErr: errors.New("boom")}, http.MethodPost, "/v1/deep-resolve")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, errInternal, decodeBody[errorJSON](t, rec).Error)
}

func TestBlockersGet(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodGet, "/v1/blockers/did:plc:x")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:plc:x", svc.gotTarget)
	got := decodeBody[[]accountJSON](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "a.test", got[0].Handle)

	rec = serve(t, svc, http.MethodGet, "/v1/blockers/alice.test")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errBadDID, decodeBody[errorJSON](t, rec).Error)
}

func TestBlockedByGet_EmptyIsArray(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodGet, "/v1/blocked-by/did:plc:t")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "did:plc:t", svc.gotTarget)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCommonBlockersGet(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodGet, "/v1/common-blockers?target=did:plc:a,did:plc:b&target=did:plc:c")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"did:plc:a", "did:plc:b", "did:plc:c"}, svc.gotCommon)

	rec = serve(t, svc, http.MethodGet, "/v1/common-blockers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.gotCommon)

	rec = serve(t, svc, http.MethodGet, "/v1/common-blockers?target=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEffectiveBlocksGet(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/v1/effective-blocks/did:plc:c")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, effectiveJSON{DID: "did:plc:c", Count: 2, Blocks: []string{"did:plc:y", "did:plc:z"}}, decodeBody[effectiveJSON](t, rec))
}

func TestFollowsSearchGet(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodGet, "/v1/follows/search?q=Ali")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ali", svc.gotQuery)
	got := decodeBody[[]map[string]any](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, float64(3), got[0]["block_count"])
	assert.Equal(t, "did:plc:a", got[0]["did"])
}

func TestStatsGet(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[statsJSON](t, rec)
	assert.Equal(t, 2, got.TotalFollows)
	assert.Equal(t, 1.5, got.AverageDirectBlocksPerFollow)
	assert.Nil(t, got.LastSync)
}

func TestCacheDelete(t *testing.T) {
	svc := &fakeService{}
	assert.Equal(t, http.StatusNoContent, serve(t, svc, http.MethodDelete, "/v1/cache").Code)
	assert.Equal(t, 1, svc.cleared)

	svc.cacheErr = domain.ErrSyncInProgress
	assert.Equal(t, http.StatusConflict, serve(t, svc, http.MethodDelete, "/v1/cache").Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, &fakeService{}, http.MethodGet, "/v1/nope").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, &fakeService{}, http.MethodGet, "/v1/cache").Code)
}
