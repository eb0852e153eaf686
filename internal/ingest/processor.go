// internal/ingest/processor.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/content"
	"repo-mirror/internal/detect"
	"repo-mirror/internal/model"
	"repo-mirror/internal/queue"
	"repo-mirror/internal/store"
)

// StateStore is the repository-state surface the processor mutates.
type StateStore interface {
	GetConfig(ctx context.Context, id uuid.UUID) (*model.RepoConfig, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, commitSHA, etag string) error
	RecordFailure(ctx context.Context, id uuid.UUID, message string, transient bool) error
	RecordRateLimit(ctx context.Context, id uuid.UUID, reset time.Time) error
}

// ContentStore is the content-addressed persistence the processor writes to.
type ContentStore interface {
	Put(ctx context.Context, in content.PutInput) (string, error)
	AddReference(ctx context.Context, repoID uuid.UUID, path, sha string, size int64, mimeType string) error
	FileSHA(ctx context.Context, repoID uuid.UUID, path string) (string, error)
}

// DeadLetterer receives exhausted or non-retryable messages.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, dl model.DeadLetterMessage) error
}

// Processor consumes ingest message batches: it drives change detection and
// content storage per message, isolates per-file failures, and routes
// message-level failures to the backoff schedule and the dead-letter queue.
type Processor struct {
	store       StateStore
	content     ContentStore
	dlq         DeadLetterer
	sources     SourceFactory
	concurrency int
	logger      *slog.Logger
}

// NewProcessor builds a Processor with the given fan-out width.
func NewProcessor(st StateStore, cs ContentStore, dlq DeadLetterer, sources SourceFactory, concurrency int, logger *slog.Logger) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{
		store:       st,
		content:     cs,
		dlq:         dlq,
		sources:     sources,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ProcessBatch handles one reserved batch. Failures never propagate past the
// batch: every message either succeeds or is classified and routed.
func (p *Processor) ProcessBatch(ctx context.Context, deliveries []queue.Delivery) {
	for _, d := range deliveries {
		if d.Err != nil {
			// Undecodable payloads cannot be retried meaningfully.
			p.deadLetter(ctx, d.Msg, d.Err, 1)
			continue
		}
		if err := p.processMessage(ctx, &d.Msg); err != nil {
			p.handleFailure(ctx, &d.Msg, err)
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, msg *model.IngestMessage) error {
	logger := p.logger.With("type", msg.Type, "owner", msg.Owner, "repo", msg.Repo)
	logger.Info("Processing ingest message")

	switch msg.Type {
	case model.MessageTypeRepository:
		return p.processRepository(ctx, msg, logger)
	case model.MessageTypeFile:
		return p.processFile(ctx, msg, logger)
	default:
		return &apperr.ValidationError{Reason: "unknown message type " + msg.Type}
	}
}

// processRepository runs the full sync: change detection, then candidate
// processing in fixed-size concurrency groups with per-item failure
// isolation, then a cursor advance from the last stored candidate.
func (p *Processor) processRepository(ctx context.Context, msg *model.IngestMessage, logger *slog.Logger) error {
	cfg, err := p.store.GetConfig(ctx, msg.RepoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &apperr.ValidationError{Reason: "repository config " + msg.RepoID.String() + " no longer exists"}
		}
		return err
	}

	src, err := p.sources(ctx, msg)
	if err != nil {
		return err
	}

	items, err := src.ListChangedItems(ctx, msg, deref(cfg.LastCommitSHA), deref(cfg.ETag))
	if err != nil {
		return err
	}
	if len(items) == 0 {
		logger.Info("No changes detected")
		return p.store.RecordSuccess(ctx, msg.RepoID, "", "")
	}

	var (
		mu        sync.Mutex
		last      *detect.Item
		succeeded atomic.Int64
		skipped   atomic.Int64
		failed    atomic.Int64
	)

	// Fixed-size concurrency groups with a cancellation check between groups,
	// so a long scan yields instead of overrunning its time budget.
	for start := 0; start < len(items); start += p.concurrency {
		if ctx.Err() != nil {
			logger.Warn("Stopping candidate processing early",
				"processed", start, "total", len(items), "reason", ctx.Err())
			break
		}
		end := start + p.concurrency
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range items[start:end] {
			item := item
			g.Go(func() error {
				changed, err := p.syncItem(gctx, src, msg, &item)
				if err != nil {
					// Isolated: siblings keep going.
					failed.Add(1)
					logger.Error("Failed to sync file", "path", item.Path, "error", err)
					return nil
				}
				if changed {
					succeeded.Add(1)
				} else {
					skipped.Add(1)
				}
				mu.Lock()
				last = &item
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	logger.Info("Candidate processing finished",
		"stored", succeeded.Load(), "unchanged", skipped.Load(), "failed", failed.Load())

	if last == nil {
		if ctx.Err() != nil {
			// Shutdown, not failure. Leave the cursor and backoff state
			// untouched; the scheduler picks the repository up again once it
			// goes stale.
			logger.Warn("Sync interrupted before any candidate stored", "reason", ctx.Err())
			return nil
		}
		return &apperr.StoreError{
			Op:  "sync candidates",
			Err: fmt.Errorf("all %d candidates failed", len(items)),
		}
	}
	return p.store.RecordSuccess(ctx, msg.RepoID, last.CommitSHA, last.ETag)
}

// syncItem stores one candidate. Returns false when the stored hash already
// matches and nothing was fetched.
func (p *Processor) syncItem(ctx context.Context, src Source, msg *model.IngestMessage, item *detect.Item) (bool, error) {
	existing, err := p.content.FileSHA(ctx, msg.RepoID, item.Path)
	if err != nil {
		return false, err
	}
	if existing == item.SHA {
		return false, nil
	}

	data, stream, err := src.FetchContent(ctx, msg, item.SHA, item.Size)
	if err != nil {
		return false, err
	}
	if stream != nil {
		defer stream.Close()
	}

	sha, err := p.content.Put(ctx, content.PutInput{
		Data:     data,
		Stream:   stream,
		SHA:      item.SHA,
		Size:     item.Size,
		MimeType: item.MimeType,
	})
	if err != nil {
		return false, err
	}
	if err := p.content.AddReference(ctx, msg.RepoID, item.Path, sha, item.Size, item.MimeType); err != nil {
		return false, err
	}
	return true, nil
}

// processFile handles a single-path message from the webhook trigger,
// skipping the stored cursor entirely. Push payloads name paths but not blob
// hashes, so a message without a hash is resolved against the current head
// tree before storage.
func (p *Processor) processFile(ctx context.Context, msg *model.IngestMessage, logger *slog.Logger) error {
	if msg.Path == "" {
		return &apperr.ValidationError{Reason: "file message missing path"}
	}
	src, err := p.sources(ctx, msg)
	if err != nil {
		return err
	}
	item := detect.Item{
		Path:     msg.Path,
		SHA:      msg.SHA,
		MimeType: detect.InferMimeType(msg.Path),
	}
	if item.SHA == "" {
		resolved, err := p.resolveItem(ctx, src, msg)
		if err != nil {
			return err
		}
		if resolved == nil {
			logger.Debug("Path filtered or absent at head", "path", msg.Path)
			return p.store.RecordSuccess(ctx, msg.RepoID, "", "")
		}
		item = *resolved
	}
	changed, err := p.syncItem(ctx, src, msg, &item)
	if err != nil {
		return err
	}
	if !changed {
		logger.Debug("File already current", "path", msg.Path)
	}
	return p.store.RecordSuccess(ctx, msg.RepoID, "", "")
}

// resolveItem looks a path up in the head tree. Listing with an empty cursor
// returns every item that passes the config filters, so a nil result means
// the path is excluded or no longer present.
func (p *Processor) resolveItem(ctx context.Context, src Source, msg *model.IngestMessage) (*detect.Item, error) {
	items, err := src.ListChangedItems(ctx, msg, "", "")
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Path == msg.Path {
			return &items[i], nil
		}
	}
	return nil, nil
}

// handleFailure classifies one message-level failure and routes it: rate
// limits gate future scheduling, transient failures get a backoff slot, and
// everything lands on the dead-letter queue for visibility.
func (p *Processor) handleFailure(ctx context.Context, msg *model.IngestMessage, err error) {
	p.logger.Error("Ingest message failed",
		"type", msg.Type, "owner", msg.Owner, "repo", msg.Repo, "error", err)

	attempts := 1
	if cfg, cfgErr := p.store.GetConfig(ctx, msg.RepoID); cfgErr == nil {
		attempts = cfg.RetryCount + 1
	}

	if reset, ok := apperr.RateLimitReset(err); ok {
		if rlErr := p.store.RecordRateLimit(ctx, msg.RepoID, reset); rlErr != nil {
			p.logger.Error("Failed to record rate limit", "error", rlErr)
		}
	} else if recErr := p.store.RecordFailure(ctx, msg.RepoID, err.Error(), apperr.IsTransient(err)); recErr != nil {
		p.logger.Error("Failed to record failure", "error", recErr)
	}

	p.deadLetter(ctx, *msg, err, attempts)
}

func (p *Processor) deadLetter(ctx context.Context, msg model.IngestMessage, err error, attempts int) {
	dl := model.DeadLetterMessage{
		OriginalMessage: msg,
		Error:           model.MessageError{Message: err.Error(), Code: apperr.Code(err)},
		Attempts:        attempts,
		LastAttemptAt:   time.Now().UTC(),
	}
	if dlErr := p.dlq.DeadLetter(ctx, dl); dlErr != nil {
		p.logger.Error("Failed to write dead letter", "error", dlErr)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
