// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"repo-mirror/internal/ingest"
	"repo-mirror/internal/model"
	"repo-mirror/internal/store"
	"repo-mirror/internal/webhook"
)

// StateStore is the persistence surface behind the management API.
type StateStore interface {
	CreateConfig(ctx context.Context, c *model.RepoConfig) error
	GetConfig(ctx context.Context, id uuid.UUID) (*model.RepoConfig, error)
	ListConfigs(ctx context.Context, userID string) ([]*model.RepoConfig, error)
	DeleteConfig(ctx context.Context, id uuid.UUID) error
	ForceResync(ctx context.Context, id uuid.UUID) error
	ListRepoBlobSHAs(ctx context.Context, repoID uuid.UUID) ([]string, error)
}

// BlobCollector garbage-collects blobs after a config is removed.
type BlobCollector interface {
	CollectGarbage(ctx context.Context, shas []string) int
}

// Handler is the container for API dependencies.
type Handler struct {
	db     StateStore
	blobs  BlobCollector
	queue  ingest.Enqueuer
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db StateStore, blobs BlobCollector, queue ingest.Enqueuer, wh *webhook.Handler, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		blobs:  blobs,
		queue:  queue,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	wh.Routes(r)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/repos", h.createRepo)
		r.Get("/repos", h.listRepos)
		r.Delete("/repos/{id}", h.deleteRepo)
		r.Post("/repos/{id}/sync", h.forceSync)
		r.Get("/repos/{id}/status", h.repoStatus)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRepoRequest struct {
	UserID          string   `json:"userId"`
	Provider        string   `json:"provider"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	Branch          string   `json:"branch"`
	IsPrivate       bool     `json:"isPrivate"`
	IncludePatterns []string `json:"includePatterns"`
	ExcludePatterns []string `json:"excludePatterns"`
}

// createRepo registers a repository and enqueues its first sync.
// POST /v1/repos
func (h *Handler) createRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Provider == "" || req.Owner == "" || req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "provider, owner and name are required")
		return
	}

	cfg := &model.RepoConfig{
		Provider:        req.Provider,
		Owner:           req.Owner,
		Name:            req.Name,
		Branch:          req.Branch,
		IsPrivate:       req.IsPrivate,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
	}
	if req.UserID != "" {
		cfg.UserID = &req.UserID
	}
	if err := h.db.CreateConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondWithError(w, http.StatusConflict, "Repository is already tracked")
			return
		}
		h.logger.Error("Failed to create repo config", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.queue.Enqueue(r.Context(), ingest.MessageFromConfig(cfg)); err != nil {
		h.logger.Error("Failed to enqueue initial sync", "config_id", cfg.ID, "error", err)
	}
	respondWithJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID.String()})
}

// listRepos lists tracked repositories for a user.
// GET /v1/repos?user=U
func (h *Handler) listRepos(w http.ResponseWriter, r *http.Request) {
	configs, err := h.db.ListConfigs(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.logger.Error("Failed to list repo configs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, configs)
}

// deleteRepo removes a config, its file references (cascade), and any blobs
// left unreferenced.
// DELETE /v1/repos/{id}
func (h *Handler) deleteRepo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	// Capture the hash list before the file rows cascade away.
	shas, err := h.db.ListRepoBlobSHAs(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list repo blobs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.db.DeleteConfig(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to delete repo config", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	removed := h.blobs.CollectGarbage(r.Context(), shas)
	h.logger.Info("Deleted repo config", "config_id", id, "blobs_removed", removed)
	respondWithJSON(w, http.StatusOK, map[string]any{"deleted": true, "blobsRemoved": removed})
}

// forceSync clears the cursor and gates, then enqueues an immediate sync.
// POST /v1/repos/{id}/sync
func (h *Handler) forceSync(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.db.ForceResync(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to force resync", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	cfg, err := h.db.GetConfig(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load repo config", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.queue.Enqueue(r.Context(), ingest.MessageFromConfig(cfg)); err != nil {
		h.logger.Error("Failed to enqueue forced sync", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type repoStatusResponse struct {
	ID             uuid.UUID  `json:"id"`
	LastCommitSHA  *string    `json:"lastCommitSha"`
	ETag           *string    `json:"etag"`
	RetryCount     int        `json:"retryCount"`
	NextRetryAt    *time.Time `json:"nextRetryAt"`
	RateLimitReset *time.Time `json:"rateLimitReset"`
	LastError      *string    `json:"lastError"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt"`
}

// repoStatus returns cursor, retry, and rate-limit state for one repository.
// GET /v1/repos/{id}/status
func (h *Handler) repoStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	cfg, err := h.db.GetConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to load repo config", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, repoStatusResponse{
		ID:             cfg.ID,
		LastCommitSHA:  cfg.LastCommitSHA,
		ETag:           cfg.ETag,
		RetryCount:     cfg.RetryCount,
		NextRetryAt:    cfg.NextRetryAt,
		RateLimitReset: cfg.RateLimitReset,
		LastError:      cfg.LastError,
		LastSyncedAt:   cfg.LastSyncedAt,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return uuid.Nil, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
