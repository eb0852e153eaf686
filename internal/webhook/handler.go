// internal/webhook/handler.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	gh "github.com/google/go-github/v62/github"
	"github.com/google/uuid"

	"repo-mirror/internal/ingest"
	"repo-mirror/internal/model"
	"repo-mirror/internal/store"
)

// StateStore is the persistence surface the webhook path mutates.
type StateStore interface {
	ListConfigsByRepo(ctx context.Context, provider, owner, name string) ([]*model.RepoConfig, error)
	UpdateCursor(ctx context.Context, id uuid.UUID, commitSHA string) error
	PutInstallation(ctx context.Context, inst *model.Installation) error
	DeleteInstallation(ctx context.Context, provider, owner string) error
	CreateConfig(ctx context.Context, c *model.RepoConfig) error
	DeleteSystemConfig(ctx context.Context, provider, owner, name string) error
}

// Handler verifies and ingests provider webhook events, feeding the same
// queue the scheduler uses.
type Handler struct {
	store  StateStore
	queue  ingest.Enqueuer
	secret []byte
	logger *slog.Logger
}

// NewHandler builds a webhook Handler.
func NewHandler(store StateStore, queue ingest.Enqueuer, secret []byte, logger *slog.Logger) *Handler {
	return &Handler{store: store, queue: queue, secret: secret, logger: logger}
}

// Routes mounts the webhook endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/github", h.handleGithub)
}

// handleGithub is the single provider endpoint: 400 on missing headers or
// bad JSON, 401 on signature mismatch, 202 for accepted-but-ignored events,
// 200 on processed events.
func (h *Handler) handleGithub(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")
	if eventType == "" || deliveryID == "" {
		respondWithError(w, http.StatusBadRequest, "Missing event headers")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}
	if err := gh.ValidateSignature(signature, body, h.secret); err != nil {
		h.logger.Warn("Webhook signature mismatch", "delivery_id", deliveryID)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed event payload")
		return
	}

	logger := h.logger.With("event", eventType, "delivery_id", deliveryID)
	ctx := r.Context()

	switch ev := event.(type) {
	case *gh.PushEvent:
		acted, err := h.HandlePush(ctx, ev, logger)
		if err != nil {
			logger.Error("Failed to process push event", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !acted {
			respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	case *gh.InstallationEvent:
		if err := h.handleInstallation(ctx, ev, logger); err != nil {
			logger.Error("Failed to process installation event", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case *gh.InstallationRepositoriesEvent:
		if err := h.handleInstallationRepos(ctx, ev, logger); err != nil {
			logger.Error("Failed to process installation repositories event", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		// Accepted so the provider does not retry events we do not consume.
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "unsupported event"})
	}
}

// HandlePush enqueues one file-scoped ingest message per changed path for
// every tracked config of the pushed repository. Only default-branch pushes
// act; the return reports whether anything was enqueued. File messages skip
// the cursor check entirely, so the cursor can be advanced eagerly here to
// keep the next scheduler pass from re-listing the same commit.
func (h *Handler) HandlePush(ctx context.Context, ev *gh.PushEvent, logger *slog.Logger) (bool, error) {
	repo := ev.GetRepo()
	defaultRef := "refs/heads/" + repo.GetDefaultBranch()
	if ev.GetRef() != defaultRef {
		logger.Debug("Ignoring non-default-branch push",
			"ref", ev.GetRef(), "default_branch", repo.GetDefaultBranch())
		return false, nil
	}

	// Union added and modified paths across the commit list. Removed paths
	// are irrelevant for ingestion.
	changed := map[string]struct{}{}
	for _, c := range ev.Commits {
		for _, p := range c.Added {
			changed[p] = struct{}{}
		}
		for _, p := range c.Modified {
			changed[p] = struct{}{}
		}
	}
	if len(changed) == 0 {
		logger.Debug("Push contains no added or modified files")
		return false, nil
	}

	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	configs, err := h.store.ListConfigsByRepo(ctx, "github", owner, name)
	if err != nil {
		return false, err
	}
	if len(configs) == 0 {
		logger.Debug("Push for untracked repository", "owner", owner, "repo", name)
		return false, nil
	}

	headSHA := ev.GetHeadCommit().GetID()
	enqueued := 0
	for _, cfg := range configs {
		sent := 0
		for p := range changed {
			msg := ingest.MessageFromConfig(cfg)
			msg.Type = model.MessageTypeFile
			msg.Path = p
			if err := h.queue.Enqueue(ctx, msg); err != nil {
				logger.Error("Failed to enqueue file ingest",
					"config_id", cfg.ID, "path", p, "error", err)
				continue
			}
			sent++
		}
		if sent == 0 {
			continue
		}
		if headSHA != "" {
			if err := h.store.UpdateCursor(ctx, cfg.ID, headSHA); err != nil {
				logger.Error("Failed to update cursor", "config_id", cfg.ID, "error", err)
			}
		}
		enqueued += sent
	}
	logger.Info("Processed push event",
		"owner", owner, "repo", name, "changed_files", len(changed), "enqueued", enqueued)
	return enqueued > 0, nil
}

// handleInstallation mirrors installation lifecycle into credential rows.
func (h *Handler) handleInstallation(ctx context.Context, ev *gh.InstallationEvent, logger *slog.Logger) error {
	inst := ev.GetInstallation()
	owner := inst.GetAccount().GetLogin()

	switch ev.GetAction() {
	case "created":
		if err := h.store.PutInstallation(ctx, &model.Installation{
			Provider:       "github",
			Owner:          owner,
			InstallationID: inst.GetID(),
		}); err != nil {
			return err
		}
		for _, repo := range ev.Repositories {
			if err := h.trackInstallationRepo(ctx, repo, logger); err != nil {
				return err
			}
		}
		logger.Info("Installation created", "owner", owner, "repos", len(ev.Repositories))
	case "deleted":
		if err := h.store.DeleteInstallation(ctx, "github", owner); err != nil {
			return err
		}
		logger.Info("Installation removed", "owner", owner)
	}
	return nil
}

// handleInstallationRepos mirrors the installation's repository selection.
func (h *Handler) handleInstallationRepos(ctx context.Context, ev *gh.InstallationRepositoriesEvent, logger *slog.Logger) error {
	for _, repo := range ev.RepositoriesAdded {
		if err := h.trackInstallationRepo(ctx, repo, logger); err != nil {
			return err
		}
	}
	for _, repo := range ev.RepositoriesRemoved {
		owner, name := splitFullName(repo.GetFullName())
		if owner == "" {
			continue
		}
		if err := h.store.DeleteSystemConfig(ctx, "github", owner, name); err != nil {
			return err
		}
	}
	logger.Info("Installation repository selection updated",
		"added", len(ev.RepositoriesAdded), "removed", len(ev.RepositoriesRemoved))
	return nil
}

func (h *Handler) trackInstallationRepo(ctx context.Context, repo *gh.Repository, logger *slog.Logger) error {
	owner, name := splitFullName(repo.GetFullName())
	if owner == "" {
		return nil
	}
	cfg := &model.RepoConfig{
		Provider:  "github",
		Owner:     owner,
		Name:      name,
		IsPrivate: repo.GetPrivate(),
	}
	if err := h.store.CreateConfig(ctx, cfg); err != nil {
		// Re-selecting an already-tracked repository is a no-op; anything
		// else is a real store failure.
		if errors.Is(err, store.ErrDuplicate) {
			logger.Debug("Installation repo already tracked", "owner", owner, "repo", name)
			return nil
		}
		return err
	}
	return h.queue.Enqueue(ctx, ingest.MessageFromConfig(cfg))
}

func splitFullName(fullName string) (owner, name string) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:]
		}
	}
	return "", ""
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
