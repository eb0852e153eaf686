// internal/content/store.go
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"repo-mirror/internal/model"
	"repo-mirror/internal/store"
)

// ErrStillReferenced is the no-op result of deleting a blob that at least one
// file row still points at.
var ErrStillReferenced = errors.New("blob still referenced")

// ErrMissingHash is returned when streamed content arrives without an
// upfront hash; hashing requires buffered content.
var ErrMissingHash = errors.New("streamed content requires a content hash")

// Meta is the metadata persistence the content store needs.
type Meta interface {
	GetBlob(ctx context.Context, sha string) (*model.ContentBlob, error)
	InsertBlob(ctx context.Context, b *model.ContentBlob) error
	DeleteBlobRow(ctx context.Context, sha string) error
	GetFile(ctx context.Context, repoID uuid.UUID, path string) (*model.RepoFile, error)
	UpsertFile(ctx context.Context, f *model.RepoFile) error
	CountFileRefs(ctx context.Context, sha string) (int64, error)
	ListRepoBlobSHAs(ctx context.Context, repoID uuid.UUID) ([]string, error)
}

// Store is the content-addressed blob store: bytes live in the blob backend
// under a hash-derived sharded key, one metadata row per distinct hash.
type Store struct {
	meta    Meta
	backend BlobBackend
	logger  *slog.Logger
}

// NewStore wires metadata persistence to a blob backend.
func NewStore(meta Meta, backend BlobBackend, logger *slog.Logger) *Store {
	return &Store{meta: meta, backend: backend, logger: logger}
}

// PutInput describes content to store. Exactly one of Data and Stream is
// set; Stream callers must supply SHA because hashing needs buffered bytes.
type PutInput struct {
	Data     []byte
	Stream   io.Reader
	SHA      string
	Size     int64
	MimeType string
}

// StorageKey shards a hash git-object style: aa/bb/<sha>.
func StorageKey(sha string) string {
	if len(sha) < 4 {
		return sha
	}
	return sha[0:2] + "/" + sha[2:4] + "/" + sha
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores content once per hash. A known hash is a dedup hit and returns
// without touching the backend.
func (s *Store) Put(ctx context.Context, in PutInput) (string, error) {
	sha := in.SHA
	if sha == "" {
		if in.Data == nil {
			return "", ErrMissingHash
		}
		sha = HashBytes(in.Data)
	}

	existing, err := s.meta.GetBlob(ctx, sha)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if existing != nil {
		s.logger.Debug("Dedup hit", "sha", sha)
		return sha, nil
	}

	var body io.Reader
	size := in.Size
	if in.Data != nil {
		body = bytes.NewReader(in.Data)
		size = int64(len(in.Data))
	} else {
		body = in.Stream
	}

	key := StorageKey(sha)
	if err := s.backend.Put(ctx, key, in.MimeType, body); err != nil {
		return "", err
	}
	if err := s.meta.InsertBlob(ctx, &model.ContentBlob{
		SHA:        sha,
		Size:       size,
		MimeType:   in.MimeType,
		StorageKey: key,
	}); err != nil {
		return "", err
	}
	s.logger.Debug("Stored new blob", "sha", sha, "size", size, "key", key)
	return sha, nil
}

// AddReference upserts the (repo, path) → hash mapping.
func (s *Store) AddReference(ctx context.Context, repoID uuid.UUID, path, sha string, size int64, mimeType string) error {
	return s.meta.UpsertFile(ctx, &model.RepoFile{
		RepoID:   repoID,
		Path:     path,
		SHA:      sha,
		Size:     size,
		MimeType: mimeType,
	})
}

// FileSHA returns the hash currently recorded for (repo, path), or "" when
// the path has never been synced.
func (s *Store) FileSHA(ctx context.Context, repoID uuid.UUID, path string) (string, error) {
	f, err := s.meta.GetFile(ctx, repoID, path)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.SHA, nil
}

// Delete removes a blob only when no file row references it; otherwise it is
// a no-op returning ErrStillReferenced.
func (s *Store) Delete(ctx context.Context, sha string) error {
	refs, err := s.meta.CountFileRefs(ctx, sha)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrStillReferenced
	}
	blob, err := s.meta.GetBlob(ctx, sha)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, blob.StorageKey); err != nil {
		return err
	}
	return s.meta.DeleteBlobRow(ctx, sha)
}

// CollectGarbage deletes every blob that only repoID referenced. It is called
// with the repository's hash list captured before the file rows cascade away.
func (s *Store) CollectGarbage(ctx context.Context, shas []string) int {
	removed := 0
	for _, sha := range shas {
		err := s.Delete(ctx, sha)
		switch {
		case errors.Is(err, ErrStillReferenced):
			// Another repository still needs it.
		case err != nil:
			s.logger.Error("Failed to garbage-collect blob", "sha", sha, "error", err)
		default:
			removed++
		}
	}
	return removed
}

var _ Meta = (*store.Store)(nil)
