// internal/model/models.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// RepoConfig is the durable record for a tracked repository: identity,
// filtering patterns, the sync cursor, and the failure/rate-limit gates
// consulted by the scheduler.
type RepoConfig struct {
	ID              uuid.UUID
	UserID          *string // nil for system-owned (app installation) configs
	Provider        string
	Owner           string
	Name            string
	Branch          string // empty means the repository default branch
	IsPrivate       bool
	IncludePatterns []string
	ExcludePatterns []string
	LastCommitSHA   *string
	ETag            *string
	RetryCount      int
	NextRetryAt     *time.Time
	RateLimitReset  *time.Time
	LastError       *string
	LastSyncedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContentBlob is one row per distinct content hash, system-wide. It is the
// deduplication anchor: created on first sight of a hash, never updated,
// deleted only once no RepoFile references it.
type ContentBlob struct {
	SHA        string
	Size       int64
	MimeType   string
	StorageKey string
	CreatedAt  time.Time
}

// RepoFile maps a (repo, path) pair to a content blob and doubles as the
// reference-count source for blob garbage collection.
type RepoFile struct {
	RepoID    uuid.UUID
	Path      string
	SHA       string
	Size      int64
	MimeType  string
	UpdatedAt time.Time
}

// UserToken holds a user's OAuth credential for a provider.
type UserToken struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Installation records an app installation id for a provider account.
type Installation struct {
	Provider       string
	Owner          string
	InstallationID int64
	CreatedAt      time.Time
}

// Message types carried on the ingest queue.
const (
	MessageTypeRepository = "repository"
	MessageTypeFile       = "file"
)

// IngestMessage is the transient queue payload. Patterns are carried along so
// the consumer does not have to re-read the config row.
type IngestMessage struct {
	Type            string    `json:"type"`
	RepoID          uuid.UUID `json:"repoId"`
	UserID          *string   `json:"userId,omitempty"`
	Provider        string    `json:"provider"`
	Owner           string    `json:"owner"`
	Repo            string    `json:"repo"`
	Branch          string    `json:"branch"`
	Path            string    `json:"path,omitempty"`
	SHA             string    `json:"sha,omitempty"`
	IsPrivate       bool      `json:"isPrivate"`
	IncludePatterns []string  `json:"includePatterns,omitempty"`
	ExcludePatterns []string  `json:"excludePatterns,omitempty"`
}

// MessageError is the structured error captured on a dead letter.
type MessageError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DeadLetterMessage wraps an exhausted or non-retryable IngestMessage for
// durable inspection.
type DeadLetterMessage struct {
	OriginalMessage IngestMessage `json:"originalMessage"`
	Error           MessageError  `json:"error"`
	Attempts        int           `json:"attempts"`
	LastAttemptAt   time.Time     `json:"lastAttemptAt"`
}
