// internal/ingest/scheduler.go
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/model"
)

// SchedulerStore is the state-store surface the scheduler reads and gates.
type SchedulerStore interface {
	GetDue(ctx context.Context, limit int, provider string) ([]*model.RepoConfig, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, commitSHA, etag string) error
	RecordFailure(ctx context.Context, id uuid.UUID, message string, transient bool) error
	RecordRateLimit(ctx context.Context, id uuid.UUID, reset time.Time) error
}

// Enqueuer feeds the ingest queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg model.IngestMessage) error
}

// Scheduler periodically selects repositories due for sync and enqueues a
// full sync message for each one whose branch actually moved. The existence
// check is a conditional commit fetch only — tree listing costs are deferred
// to the queue processor.
type Scheduler struct {
	store       SchedulerStore
	queue       Enqueuer
	sources     SourceFactory
	interval    time.Duration
	deadline    time.Duration
	batchLimit  int
	concurrency int
	logger      *slog.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(st SchedulerStore, q Enqueuer, sources SourceFactory, interval, deadline time.Duration, batchLimit, concurrency int, logger *slog.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		store:       st,
		queue:       q,
		sources:     sources,
		interval:    interval,
		deadline:    deadline,
		batchLimit:  batchLimit,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start runs scheduled passes until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		"interval", s.interval.String(),
		"deadline", s.deadline.String(),
		"batch_limit", s.batchLimit,
		"concurrency", s.concurrency)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx) // Initial pass

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

// RunOnce performs one scheduling pass under a soft wall-clock deadline. If
// the deadline trips mid-pass the remainder is left for the next trigger.
func (s *Scheduler) RunOnce(ctx context.Context) {
	due, err := s.store.GetDue(ctx, s.batchLimit, "")
	if err != nil {
		s.logger.Error("Failed to select due repositories", "error", err)
		return
	}
	if len(due) == 0 {
		s.logger.Debug("No repositories due")
		return
	}
	s.logger.Info("Scheduling pass", "due", len(due))

	runCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	processed := 0
	for start := 0; start < len(due); start += s.concurrency {
		if runCtx.Err() != nil {
			s.logger.Warn("Scheduling pass stopped at deadline",
				"processed", processed, "total", len(due))
			return
		}
		end := start + s.concurrency
		if end > len(due) {
			end = len(due)
		}

		g, gctx := errgroup.WithContext(runCtx)
		for _, cfg := range due[start:end] {
			cfg := cfg
			g.Go(func() error {
				s.checkAndEnqueue(gctx, cfg)
				return nil
			})
		}
		_ = g.Wait()
		processed = end
	}
	s.logger.Info("Scheduling pass finished", "processed", processed)
}

// checkAndEnqueue runs the cheap existence check for one config and enqueues
// a full sync message when the branch moved.
func (s *Scheduler) checkAndEnqueue(ctx context.Context, cfg *model.RepoConfig) {
	logger := s.logger.With("owner", cfg.Owner, "repo", cfg.Name)
	msg := MessageFromConfig(cfg)

	src, err := s.sources(ctx, &msg)
	if err != nil {
		s.recordCheckFailure(ctx, cfg, err, logger)
		return
	}

	head, changed, err := src.HasChanged(ctx, &msg, deref(cfg.LastCommitSHA), deref(cfg.ETag))
	if err != nil {
		s.recordCheckFailure(ctx, cfg, err, logger)
		return
	}
	if !changed {
		// Stamp the pass so the config does not stay perpetually due.
		etag := ""
		if head != nil {
			etag = head.ETag
		}
		if err := s.store.RecordSuccess(ctx, cfg.ID, "", etag); err != nil {
			logger.Error("Failed to stamp no-op sync", "error", err)
		}
		return
	}

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		logger.Error("Failed to enqueue sync message", "error", err)
		return
	}
	logger.Info("Enqueued repository sync", "head", head.SHA)
}

func (s *Scheduler) recordCheckFailure(ctx context.Context, cfg *model.RepoConfig, err error, logger *slog.Logger) {
	logger.Error("Existence check failed", "error", err)
	if reset, ok := apperr.RateLimitReset(err); ok {
		if rlErr := s.store.RecordRateLimit(ctx, cfg.ID, reset); rlErr != nil {
			logger.Error("Failed to record rate limit", "error", rlErr)
		}
		return
	}
	if recErr := s.store.RecordFailure(ctx, cfg.ID, err.Error(), apperr.IsTransient(err)); recErr != nil {
		logger.Error("Failed to record failure", "error", recErr)
	}
}

// MessageFromConfig builds the repository-scoped ingest message for a config,
// carrying the filter patterns so the consumer need not re-read the row.
func MessageFromConfig(cfg *model.RepoConfig) model.IngestMessage {
	return model.IngestMessage{
		Type:            model.MessageTypeRepository,
		RepoID:          cfg.ID,
		UserID:          cfg.UserID,
		Provider:        cfg.Provider,
		Owner:           cfg.Owner,
		Repo:            cfg.Name,
		Branch:          cfg.Branch,
		IsPrivate:       cfg.IsPrivate,
		IncludePatterns: cfg.IncludePatterns,
		ExcludePatterns: cfg.ExcludePatterns,
	}
}
