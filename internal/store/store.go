// internal/store/store.go
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/model"
)

// Retry backoff shape: base * 2^(retryCount-1), capped.
const (
	retryBaseDelay = 5 * time.Minute
	retryMaxDelay  = 24 * time.Hour
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("already exists")

// Store is the Postgres-backed state store for tracked repositories, content
// metadata, and credentials. All cross-invocation coordination state lives
// here; writes are last-writer-wins at the row level.
type Store struct {
	db        *pgxpool.Pool
	staleness time.Duration
	logger    *slog.Logger
}

// New creates a Store. staleness controls how old last_synced_at may get
// before a config counts as due again.
func New(db *pgxpool.Pool, staleness time.Duration, logger *slog.Logger) *Store {
	return &Store{db: db, staleness: staleness, logger: logger}
}

const configColumns = `id, user_id, provider, owner, name, branch, is_private,
	include_patterns, exclude_patterns, last_commit_sha, etag, retry_count,
	next_retry_at, rate_limit_reset, last_error, last_synced_at, created_at, updated_at`

func scanConfig(row pgx.Row) (*model.RepoConfig, error) {
	var c model.RepoConfig
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.Owner, &c.Name, &c.Branch,
		&c.IsPrivate, &c.IncludePatterns, &c.ExcludePatterns, &c.LastCommitSHA,
		&c.ETag, &c.RetryCount, &c.NextRetryAt, &c.RateLimitReset, &c.LastError,
		&c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "scan repo config", Err: err}
	}
	return &c, nil
}

// CreateConfig registers a repository for tracking.
func (s *Store) CreateConfig(ctx context.Context, c *model.RepoConfig) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO repo_configs (id, user_id, provider, owner, name, branch,
			is_private, include_patterns, exclude_patterns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.UserID, c.Provider, c.Owner, c.Name, c.Branch, c.IsPrivate,
		c.IncludePatterns, c.ExcludePatterns)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return &apperr.StoreError{Op: "create repo config", Err: err}
	}
	return nil
}

// GetConfig returns a single config by id.
func (s *Store) GetConfig(ctx context.Context, id uuid.UUID) (*model.RepoConfig, error) {
	row := s.db.QueryRow(ctx, `SELECT `+configColumns+` FROM repo_configs WHERE id = $1`, id)
	return scanConfig(row)
}

// ListConfigs returns all configs for a user, newest first. An empty userID
// lists system-owned configs.
func (s *Store) ListConfigs(ctx context.Context, userID string) ([]*model.RepoConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+configColumns+` FROM repo_configs
		WHERE COALESCE(user_id, '') = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, &apperr.StoreError{Op: "list repo configs", Err: err}
	}
	defer rows.Close()
	return collectConfigs(rows)
}

// ListConfigsByRepo returns every config tracking the given origin
// repository; multiple users may track the same origin.
func (s *Store) ListConfigsByRepo(ctx context.Context, provider, owner, name string) ([]*model.RepoConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+configColumns+` FROM repo_configs
		WHERE provider = $1 AND owner = $2 AND name = $3`, provider, owner, name)
	if err != nil {
		return nil, &apperr.StoreError{Op: "list configs by repo", Err: err}
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func collectConfigs(rows pgx.Rows) ([]*model.RepoConfig, error) {
	var out []*model.RepoConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &apperr.StoreError{Op: "iterate repo configs", Err: err}
	}
	return out, nil
}

// DeleteConfig removes a config; repo_files cascade at the database level.
// The caller is responsible for garbage-collecting orphaned blobs afterwards.
func (s *Store) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM repo_configs WHERE id = $1`, id)
	if err != nil {
		return &apperr.StoreError{Op: "delete repo config", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDue selects configs ready for a sync attempt: never synced, stale, or
// retry-due — and in every case past any rate-limit gate. Oldest first with
// never-synced configs leading. provider narrows the scan when non-empty.
func (s *Store) GetDue(ctx context.Context, limit int, provider string) ([]*model.RepoConfig, error) {
	staleCutoff := time.Now().Add(-s.staleness)
	rows, err := s.db.Query(ctx, `
		SELECT `+configColumns+` FROM repo_configs
		WHERE ($1 = '' OR provider = $1)
		  AND (rate_limit_reset IS NULL OR rate_limit_reset <= now())
		  AND (
		       last_synced_at IS NULL
		    OR last_synced_at < $2
		    OR (next_retry_at IS NOT NULL AND next_retry_at <= now())
		  )
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $3`,
		provider, staleCutoff, limit)
	if err != nil {
		return nil, &apperr.StoreError{Op: "get due configs", Err: err}
	}
	defer rows.Close()
	return collectConfigs(rows)
}

// RecordSuccess advances the cursor, clears the retry and rate-limit gates,
// and stamps last_synced_at.
func (s *Store) RecordSuccess(ctx context.Context, id uuid.UUID, commitSHA, etag string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE repo_configs SET
			last_commit_sha  = COALESCE(NULLIF($2, ''), last_commit_sha),
			etag             = COALESCE(NULLIF($3, ''), etag),
			retry_count      = 0,
			next_retry_at    = NULL,
			rate_limit_reset = NULL,
			last_error       = NULL,
			last_synced_at   = now(),
			updated_at       = now()
		WHERE id = $1`, id, commitSHA, etag)
	if err != nil {
		return &apperr.StoreError{Op: "record success", Err: err}
	}
	return nil
}

// RecordFailure increments the retry counter and, for transient failures,
// schedules the next attempt with exponential backoff. Non-transient failures
// keep the counter for visibility but are not rescheduled.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, message string, transient bool) error {
	var err error
	if transient {
		var count int
		if err := s.db.QueryRow(ctx, `SELECT retry_count FROM repo_configs WHERE id = $1`, id).Scan(&count); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return &apperr.StoreError{Op: "record failure", Err: err}
		}
		nextRetryAt := time.Now().Add(NextRetryDelay(count + 1))
		_, err = s.db.Exec(ctx, `
			UPDATE repo_configs SET
				retry_count   = retry_count + 1,
				next_retry_at = $2,
				last_error    = $3,
				updated_at    = now()
			WHERE id = $1`,
			id, nextRetryAt, message)
	} else {
		_, err = s.db.Exec(ctx, `
			UPDATE repo_configs SET
				retry_count   = retry_count + 1,
				next_retry_at = NULL,
				last_error    = $2,
				updated_at    = now()
			WHERE id = $1`, id, message)
	}
	if err != nil {
		return &apperr.StoreError{Op: "record failure", Err: err}
	}
	return nil
}

// NextRetryDelay computes the backoff delay for the given attempt number
// (1-based): base * 2^(n-1), capped at the max.
func NextRetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := retryBaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// RecordRateLimit sets the rate-limit admission gate without touching the
// retry schedule.
func (s *Store) RecordRateLimit(ctx context.Context, id uuid.UUID, reset time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE repo_configs SET
			rate_limit_reset = $2,
			updated_at       = now()
		WHERE id = $1`, id, reset)
	if err != nil {
		return &apperr.StoreError{Op: "record rate limit", Err: err}
	}
	return nil
}

// UpdateCursor advances the commit cursor without claiming a full sync, used
// by the webhook path so the next scheduler pass skips an already-seen push.
func (s *Store) UpdateCursor(ctx context.Context, id uuid.UUID, commitSHA string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE repo_configs SET
			last_commit_sha = $2,
			updated_at      = now()
		WHERE id = $1`, id, commitSHA)
	if err != nil {
		return &apperr.StoreError{Op: "update cursor", Err: err}
	}
	return nil
}

// ForceResync clears the cursor and every gate so the next sync re-lists the
// repository from scratch. This is the only path that moves the cursor back.
func (s *Store) ForceResync(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE repo_configs SET
			last_commit_sha  = NULL,
			etag             = NULL,
			retry_count      = 0,
			next_retry_at    = NULL,
			rate_limit_reset = NULL,
			last_error       = NULL,
			updated_at       = now()
		WHERE id = $1`, id)
	if err != nil {
		return &apperr.StoreError{Op: "force resync", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- credentials ---

// GetUserToken returns the stored OAuth token for (user, provider).
func (s *Store) GetUserToken(ctx context.Context, userID, provider string) (*model.UserToken, error) {
	var t model.UserToken
	err := s.db.QueryRow(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, updated_at
		FROM user_tokens WHERE user_id = $1 AND provider = $2`, userID, provider).
		Scan(&t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "get user token", Err: err}
	}
	return &t, nil
}

// SaveUserToken upserts a (possibly refreshed) OAuth token.
func (s *Store) SaveUserToken(ctx context.Context, t *model.UserToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_tokens (user_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = now()`,
		t.UserID, t.Provider, t.AccessToken, t.RefreshToken, t.ExpiresAt)
	if err != nil {
		return &apperr.StoreError{Op: "save user token", Err: err}
	}
	return nil
}

// GetInstallation returns the app installation id for a provider account.
func (s *Store) GetInstallation(ctx context.Context, provider, owner string) (*model.Installation, error) {
	var inst model.Installation
	err := s.db.QueryRow(ctx, `
		SELECT provider, owner, installation_id, created_at
		FROM app_installations WHERE provider = $1 AND owner = $2`, provider, owner).
		Scan(&inst.Provider, &inst.Owner, &inst.InstallationID, &inst.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "get installation", Err: err}
	}
	return &inst, nil
}

// PutInstallation upserts an installation row.
func (s *Store) PutInstallation(ctx context.Context, inst *model.Installation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app_installations (provider, owner, installation_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, owner) DO UPDATE SET installation_id = EXCLUDED.installation_id`,
		inst.Provider, inst.Owner, inst.InstallationID)
	if err != nil {
		return &apperr.StoreError{Op: "put installation", Err: err}
	}
	return nil
}

// DeleteInstallation removes an installation row and every system-owned
// config that depended on it.
func (s *Store) DeleteInstallation(ctx context.Context, provider, owner string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &apperr.StoreError{Op: "delete installation", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM app_installations WHERE provider = $1 AND owner = $2`, provider, owner); err != nil {
		return &apperr.StoreError{Op: "delete installation", Err: err}
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM repo_configs
		WHERE provider = $1 AND owner = $2 AND user_id IS NULL`, provider, owner); err != nil {
		return &apperr.StoreError{Op: "delete installation configs", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &apperr.StoreError{Op: "delete installation", Err: err}
	}
	return nil
}

// DeleteSystemConfig removes the system-owned config tracking the given
// origin repository, if any.
func (s *Store) DeleteSystemConfig(ctx context.Context, provider, owner, name string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM repo_configs
		WHERE provider = $1 AND owner = $2 AND name = $3 AND user_id IS NULL`,
		provider, owner, name)
	if err != nil {
		return &apperr.StoreError{Op: "delete system config", Err: err}
	}
	return nil
}

// --- content metadata ---

// GetBlob looks a blob row up by content hash.
func (s *Store) GetBlob(ctx context.Context, sha string) (*model.ContentBlob, error) {
	var b model.ContentBlob
	err := s.db.QueryRow(ctx, `
		SELECT sha, size, mime_type, storage_key, created_at
		FROM content_blobs WHERE sha = $1`, sha).
		Scan(&b.SHA, &b.Size, &b.MimeType, &b.StorageKey, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "get blob", Err: err}
	}
	return &b, nil
}

// InsertBlob records a newly stored blob. ON CONFLICT DO NOTHING keeps the
// at-most-once-per-hash invariant under concurrent stores of the same bytes.
func (s *Store) InsertBlob(ctx context.Context, b *model.ContentBlob) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO content_blobs (sha, size, mime_type, storage_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sha) DO NOTHING`,
		b.SHA, b.Size, b.MimeType, b.StorageKey)
	if err != nil {
		return &apperr.StoreError{Op: "insert blob", Err: err}
	}
	return nil
}

// DeleteBlobRow removes a blob row. Reference checks are the caller's job.
func (s *Store) DeleteBlobRow(ctx context.Context, sha string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM content_blobs WHERE sha = $1`, sha)
	if err != nil {
		return &apperr.StoreError{Op: "delete blob row", Err: err}
	}
	return nil
}

// GetFile returns the file row for (repo, path).
func (s *Store) GetFile(ctx context.Context, repoID uuid.UUID, path string) (*model.RepoFile, error) {
	var f model.RepoFile
	err := s.db.QueryRow(ctx, `
		SELECT repo_id, path, sha, size, mime_type, updated_at
		FROM repo_files WHERE repo_id = $1 AND path = $2`, repoID, path).
		Scan(&f.RepoID, &f.Path, &f.SHA, &f.Size, &f.MimeType, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StoreError{Op: "get file", Err: err}
	}
	return &f, nil
}

// UpsertFile records or refreshes the (repo, path) → blob mapping.
func (s *Store) UpsertFile(ctx context.Context, f *model.RepoFile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO repo_files (repo_id, path, sha, size, mime_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (repo_id, path) DO UPDATE SET
			sha        = EXCLUDED.sha,
			size       = EXCLUDED.size,
			mime_type  = EXCLUDED.mime_type,
			updated_at = now()`,
		f.RepoID, f.Path, f.SHA, f.Size, f.MimeType)
	if err != nil {
		return &apperr.StoreError{Op: "upsert file", Err: err}
	}
	return nil
}

// CountFileRefs counts how many file rows still reference a hash.
func (s *Store) CountFileRefs(ctx context.Context, sha string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM repo_files WHERE sha = $1`, sha).Scan(&n); err != nil {
		return 0, &apperr.StoreError{Op: "count file refs", Err: err}
	}
	return n, nil
}

// ListRepoBlobSHAs returns the distinct hashes referenced by one repository,
// used to garbage-collect blobs after a config is deleted.
func (s *Store) ListRepoBlobSHAs(ctx context.Context, repoID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT sha FROM repo_files WHERE repo_id = $1`, repoID)
	if err != nil {
		return nil, &apperr.StoreError{Op: "list repo blob shas", Err: err}
	}
	defer rows.Close()
	var shas []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, &apperr.StoreError{Op: "scan blob sha", Err: err}
		}
		shas = append(shas, sha)
	}
	if err := rows.Err(); err != nil {
		return nil, &apperr.StoreError{Op: "iterate blob shas", Err: err}
	}
	return shas, nil
}
