// internal/ingest/source.go
package ingest

import (
	"context"
	"io"
	"log/slog"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/auth"
	"repo-mirror/internal/detect"
	"repo-mirror/internal/github"
	"repo-mirror/internal/model"
)

// Source is the provider-facing surface the processor and scheduler drive:
// cheap change checks, full candidate listing, and content fetches.
type Source interface {
	HasChanged(ctx context.Context, msg *model.IngestMessage, lastSHA, etag string) (*github.CommitInfo, bool, error)
	ListChangedItems(ctx context.Context, msg *model.IngestMessage, lastSHA, etag string) ([]detect.Item, error)
	FetchContent(ctx context.Context, msg *model.IngestMessage, sha string, size int64) ([]byte, io.ReadCloser, error)
}

// SourceFactory resolves a credential for the message's repository and
// returns a Source bound to it.
type SourceFactory func(ctx context.Context, msg *model.IngestMessage) (Source, error)

// NewSourceFactory keys sources off the provider string. Only GitHub exists
// today; unknown providers are a validation failure, not a retry candidate.
func NewSourceFactory(resolver *auth.Resolver, logger *slog.Logger) SourceFactory {
	return func(ctx context.Context, msg *model.IngestMessage) (Source, error) {
		switch msg.Provider {
		case "github":
			token, err := resolver.Resolve(ctx, msg)
			if err != nil {
				return nil, err
			}
			client := github.NewClient(token, logger)
			return detect.NewDetector(client, logger), nil
		default:
			return nil, &apperr.ValidationError{Reason: "unknown provider " + msg.Provider}
		}
	}
}
