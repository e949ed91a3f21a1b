// Package httpapi exposes the engine's caller operations as a JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const (
	errBadDID       = "invalid did"
	errInternal     = "internal server error"
	errSyncRunning  = "sync already in progress"
	errDeepRunning  = "deep resolve already in progress"
	maxCommonTarget = 25
)

// Service is the engine as seen by the API.
type Service interface {
	TriggerSync(ctx context.Context) bool
	GetSyncStatus() domain.SyncStatus
	ForceClearRunning() error
	TriggerDeepResolve(ctx context.Context) (domain.DeepSyncResult, error)
	LookupBlockers(target string) []domain.FollowedAccount
	LookupBlockedByTarget(ctx context.Context, target string) []domain.FollowedAccount
	LookupCommonBlockers(targets []string) []domain.FollowedAccount
	LookupEffectiveBlocks(did string) mapset.Set[string]
	SearchFollows(query string) []domain.FollowMatch
	GetStats() domain.CacheStats
	ClearCache() error
}

// Options configures a Handler.
type Options struct {
	Service Service
	Logger  log.Logger
}

// Handler routes the /v1 API.
type Handler struct {
	svc    Service
	logger log.Logger
	router chi.Router
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		svc:    opts.Service,
		logger: log.With(opts.Logger, map[string]any{"component": "httpapi"}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.requestLog)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync", h.handleSyncPost)
		r.Get("/sync/status", h.handleSyncStatusGet)
		r.Post("/sync/clear-running", h.handleClearRunningPost)
		r.Post("/deep-resolve", h.handleDeepResolvePost)
		r.Get("/blockers/{did}", h.handleBlockersGet)
		r.Get("/blocked-by/{did}", h.handleBlockedByGet)
		r.Get("/common-blockers", h.handleCommonBlockersGet)
		r.Get("/effective-blocks/{did}", h.handleEffectiveBlocksGet)
		r.Get("/follows/search", h.handleFollowsSearchGet)
		r.Get("/stats", h.handleStatsGet)
		r.Delete("/cache", h.handleCacheDelete)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"elapsed":    time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}, "request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn(map[string]any{"error": err}, "failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, errorJSON{Error: msg})
}

// didParam reads and validates the {did} path parameter.
func (h *Handler) didParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	did := chi.URLParam(r, "did")
	if !utils.IsDID(did) {
		h.writeError(w, http.StatusBadRequest, errBadDID)
		return "", false
	}
	return did, true
}

// POST /v1/sync
func (h *Handler) handleSyncPost(w http.ResponseWriter, r *http.Request) {
	if !h.svc.TriggerSync(r.Context()) {
		h.writeJSON(w, http.StatusConflict, map[string]bool{"started": false})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

// GET /v1/sync/status
func (h *Handler) handleSyncStatusGet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, toStatus(h.svc.GetSyncStatus()))
}

// POST /v1/sync/clear-running
func (h *Handler) handleClearRunningPost(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ForceClearRunning(); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/deep-resolve
func (h *Handler) handleDeepResolvePost(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.TriggerDeepResolve(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDeep(res))
}

// GET /v1/blockers/{did}
func (h *Handler) handleBlockersGet(w http.ResponseWriter, r *http.Request) {
	did, ok := h.didParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toAccounts(h.svc.LookupBlockers(did)))
}

// GET /v1/blocked-by/{did}
func (h *Handler) handleBlockedByGet(w http.ResponseWriter, r *http.Request) {
	did, ok := h.didParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toAccounts(h.svc.LookupBlockedByTarget(r.Context(), did)))
}

// GET /v1/common-blockers?target=did&target=did or target=did,did
func (h *Handler) handleCommonBlockersGet(w http.ResponseWriter, r *http.Request) {
	var targets []string
	for _, v := range r.URL.Query()["target"] {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !utils.IsDID(t) {
				h.writeError(w, http.StatusBadRequest, errBadDID)
				return
			}
			targets = append(targets, t)
		}
	}
	if len(targets) > maxCommonTarget {
		h.writeError(w, http.StatusBadRequest, "too many targets")
		return
	}
	h.writeJSON(w, http.StatusOK, toAccounts(h.svc.LookupCommonBlockers(targets)))
}

// GET /v1/effective-blocks/{did}
func (h *Handler) handleEffectiveBlocksGet(w http.ResponseWriter, r *http.Request) {
	did, ok := h.didParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toEffective(did, h.svc.LookupEffectiveBlocks(did)))
}

// GET /v1/follows/search?q=
func (h *Handler) handleFollowsSearchGet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, toMatches(h.svc.SearchFollows(r.URL.Query().Get("q"))))
}

// GET /v1/stats
func (h *Handler) handleStatsGet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, toStats(h.svc.GetStats()))
}

// DELETE /v1/cache
func (h *Handler) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps engine errors to status codes.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		h.writeError(w, http.StatusConflict, errSyncRunning)
	case errors.Is(err, domain.ErrDeepResolveInProgress):
		h.writeError(w, http.StatusConflict, errDeepRunning)
	default:
		h.logger.Error(map[string]any{"error": err}, "request failed")
		h.writeError(w, http.StatusInternalServerError, errInternal)
	}
}
