// internal/ingest/processor_test.go
package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/content"
	"repo-mirror/internal/detect"
	"repo-mirror/internal/github"
	"repo-mirror/internal/model"
	"repo-mirror/internal/queue"
	"repo-mirror/internal/store"
)

// MockStateStore is a mock of the StateStore interface.
type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) GetConfig(ctx context.Context, id uuid.UUID) (*model.RepoConfig, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*model.RepoConfig), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStateStore) RecordSuccess(ctx context.Context, id uuid.UUID, commitSHA, etag string) error {
	return m.Called(ctx, id, commitSHA, etag).Error(0)
}
func (m *MockStateStore) RecordFailure(ctx context.Context, id uuid.UUID, message string, transient bool) error {
	return m.Called(ctx, id, message, transient).Error(0)
}
func (m *MockStateStore) RecordRateLimit(ctx context.Context, id uuid.UUID, reset time.Time) error {
	return m.Called(ctx, id, reset).Error(0)
}

// MockContentStore is a mock of the ContentStore interface.
type MockContentStore struct {
	mock.Mock
}

func (m *MockContentStore) Put(ctx context.Context, in content.PutInput) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}
func (m *MockContentStore) AddReference(ctx context.Context, repoID uuid.UUID, path, sha string, size int64, mimeType string) error {
	return m.Called(ctx, repoID, path, sha, size, mimeType).Error(0)
}
func (m *MockContentStore) FileSHA(ctx context.Context, repoID uuid.UUID, path string) (string, error) {
	args := m.Called(ctx, repoID, path)
	return args.String(0), args.Error(1)
}

// MockDeadLetterer is a mock of the DeadLetterer interface.
type MockDeadLetterer struct {
	mock.Mock
}

func (m *MockDeadLetterer) DeadLetter(ctx context.Context, dl model.DeadLetterMessage) error {
	return m.Called(ctx, dl).Error(0)
}

// stubSource is a canned Source for driving the processor without HTTP.
type stubSource struct {
	items      []detect.Item
	listErr    error
	fetchErr   map[string]error
	contentFor map[string][]byte
}

func (s *stubSource) HasChanged(ctx context.Context, msg *model.IngestMessage, lastSHA, etag string) (*github.CommitInfo, bool, error) {
	return &github.CommitInfo{SHA: "head"}, true, nil
}

func (s *stubSource) ListChangedItems(ctx context.Context, msg *model.IngestMessage, lastSHA, etag string) ([]detect.Item, error) {
	return s.items, s.listErr
}

func (s *stubSource) FetchContent(ctx context.Context, msg *model.IngestMessage, sha string, size int64) ([]byte, io.ReadCloser, error) {
	if err, ok := s.fetchErr[sha]; ok {
		return nil, nil, err
	}
	if data, ok := s.contentFor[sha]; ok {
		return data, nil, nil
	}
	return []byte("content-" + sha), nil, nil
}

func factoryFor(src Source, err error) SourceFactory {
	return func(ctx context.Context, msg *model.IngestMessage) (Source, error) {
		return src, err
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func repoMessage(id uuid.UUID) model.IngestMessage {
	return model.IngestMessage{
		Type:     model.MessageTypeRepository,
		RepoID:   id,
		Provider: "github",
		Owner:    "octocat",
		Repo:     "hello-world",
		Branch:   "main",
	}
}

func repoConfig(id uuid.UUID) *model.RepoConfig {
	return &model.RepoConfig{
		ID: id, Provider: "github", Owner: "octocat", Name: "hello-world", Branch: "main",
	}
}

func TestProcessor_EmptyChangeSet(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{items: nil}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	st.On("RecordSuccess", ctx, id, "", "").Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	cs.AssertNotCalled(t, "Put")
	dlq.AssertNotCalled(t, "DeadLetter")
}

func TestProcessor_PartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)

	items := make([]detect.Item, 0, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, detect.Item{
			Path: name + ".go", SHA: "sha-" + name, Size: 10,
			MimeType: "text/x-go", CommitSHA: "head", ETag: `"tag"`,
		})
	}
	src := &stubSource{
		items:    items,
		fetchErr: map[string]error{"sha-c": &apperr.SourceAPIError{StatusCode: 500, Message: "boom", Transient: true}},
	}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	cs.On("FileSHA", mock.Anything, id, mock.Anything).Return("", nil)
	cs.On("Put", mock.Anything, mock.Anything).Return("stored", nil)
	cs.On("AddReference", mock.Anything, id, mock.Anything, "stored", int64(10), "text/x-go").Return(nil)
	// One failed candidate does not fail the message.
	st.On("RecordSuccess", mock.Anything, id, "head", `"tag"`).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 2, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	cs.AssertNumberOfCalls(t, "Put", 4)
	dlq.AssertNotCalled(t, "DeadLetter")
}

func TestProcessor_SkipsUnchangedFiles(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{items: []detect.Item{
		{Path: "a.go", SHA: "same", Size: 10, MimeType: "text/x-go", CommitSHA: "head", ETag: `"tag"`},
	}}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	cs.On("FileSHA", mock.Anything, id, "a.go").Return("same", nil).Once()
	st.On("RecordSuccess", mock.Anything, id, "head", `"tag"`).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	cs.AssertNotCalled(t, "Put")
}

func TestProcessor_AllCandidatesFailed(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{
		items:    []detect.Item{{Path: "a.go", SHA: "sha-a", Size: 10, MimeType: "text/x-go"}},
		fetchErr: map[string]error{"sha-a": &apperr.SourceAPIError{StatusCode: 500, Message: "boom", Transient: true}},
	}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	cs.On("FileSHA", mock.Anything, id, "a.go").Return("", nil)
	st.On("RecordFailure", ctx, id, mock.Anything, true).Return(nil).Once()
	dlq.On("DeadLetter", ctx, mock.MatchedBy(func(dl model.DeadLetterMessage) bool {
		return dl.Error.Code == "store" && dl.Attempts == 1
	})).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	st.AssertNotCalled(t, "RecordSuccess")
	dlq.AssertExpectations(t)
}

func TestProcessor_RateLimitGatesConfig(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	reset := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	src := &stubSource{listErr: &apperr.SourceAPIError{
		StatusCode: 403, Message: "API rate limit exceeded",
		RateLimited: true, Transient: true, RateLimitReset: reset,
	}}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	st.On("RecordRateLimit", ctx, id, reset).Return(nil).Once()
	dlq.On("DeadLetter", ctx, mock.Anything).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	st.AssertNotCalled(t, "RecordFailure")
}

func TestProcessor_AuthFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	authErr := &apperr.AuthError{Reason: "refresh token rejected", Transient: false}

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	st.On("RecordFailure", ctx, id, authErr.Error(), false).Return(nil).Once()
	dlq.On("DeadLetter", ctx, mock.MatchedBy(func(dl model.DeadLetterMessage) bool {
		return dl.Error.Code == "auth"
	})).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(nil, authErr), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertExpectations(t)
	dlq.AssertExpectations(t)
}

func TestProcessor_DeletedConfig(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)

	st.On("GetConfig", ctx, id).Return(nil, store.ErrNotFound)
	st.On("RecordFailure", ctx, id, mock.Anything, false).Return(nil).Once()
	dlq.On("DeadLetter", ctx, mock.MatchedBy(func(dl model.DeadLetterMessage) bool {
		return dl.Error.Code == "validation"
	})).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(&stubSource{}, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	dlq.AssertExpectations(t)
}

func TestProcessor_MalformedDelivery(t *testing.T) {
	ctx := context.Background()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)

	dlq.On("DeadLetter", ctx, mock.MatchedBy(func(dl model.DeadLetterMessage) bool {
		return dl.Attempts == 1 && dl.Error.Code == "validation"
	})).Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(&stubSource{}, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{
		Raw: "{not json",
		Err: &apperr.ValidationError{Reason: "malformed ingest message"},
	}})

	dlq.AssertExpectations(t)
	st.AssertNotCalled(t, "GetConfig")
	cs.AssertNotCalled(t, "Put")
}

func TestProcessor_FileMessage(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{contentFor: map[string][]byte{"abc123": []byte("package main")}}

	msg := repoMessage(id)
	msg.Type = model.MessageTypeFile
	msg.Path = "main.go"
	msg.SHA = "abc123"

	cs.On("FileSHA", ctx, id, "main.go").Return("", nil).Once()
	cs.On("Put", ctx, mock.MatchedBy(func(in content.PutInput) bool {
		return in.SHA == "abc123" && string(in.Data) == "package main"
	})).Return("abc123", nil).Once()
	cs.On("AddReference", ctx, id, "main.go", "abc123", int64(0), "text/x-go").Return(nil).Once()
	// File messages never advance the repository cursor.
	st.On("RecordSuccess", ctx, id, "", "").Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: msg}})

	st.AssertExpectations(t)
	cs.AssertExpectations(t)
}

func TestProcessor_FileMessageResolvedAtHead(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{items: []detect.Item{
		{Path: "pushed.go", SHA: "push-blob", Size: 12, MimeType: "text/x-go", CommitSHA: "headsha"},
	}}

	// Push-derived messages carry only a path; the hash comes from the head
	// tree. The stored cursor plays no part, so a cursor already sitting at
	// the pushed commit cannot suppress the fetch.
	msg := repoMessage(id)
	msg.Type = model.MessageTypeFile
	msg.Path = "pushed.go"

	cs.On("FileSHA", ctx, id, "pushed.go").Return("stale-blob", nil).Once()
	cs.On("Put", ctx, mock.MatchedBy(func(in content.PutInput) bool {
		return in.SHA == "push-blob" && string(in.Data) == "content-push-blob"
	})).Return("push-blob", nil).Once()
	cs.On("AddReference", ctx, id, "pushed.go", "push-blob", int64(12), "text/x-go").Return(nil).Once()
	st.On("RecordSuccess", ctx, id, "", "").Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: msg}})

	st.AssertExpectations(t)
	cs.AssertExpectations(t)
	dlq.AssertNotCalled(t, "DeadLetter")
}

func TestProcessor_FileMessageFilteredPath(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{items: []detect.Item{
		{Path: "kept.go", SHA: "sha-kept", Size: 5, MimeType: "text/x-go"},
	}}

	msg := repoMessage(id)
	msg.Type = model.MessageTypeFile
	msg.Path = "vendor/dep.go"

	// A path the config filters out, or one deleted since the push, is a
	// clean no-op.
	st.On("RecordSuccess", ctx, id, "", "").Return(nil).Once()

	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: msg}})

	st.AssertExpectations(t)
	cs.AssertNotCalled(t, "Put")
	dlq.AssertNotCalled(t, "DeadLetter")
}

func TestProcessor_InterruptedBeforeAnyCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := uuid.New()
	st := new(MockStateStore)
	cs := new(MockContentStore)
	dlq := new(MockDeadLetterer)
	src := &stubSource{items: []detect.Item{
		{Path: "a.go", SHA: "sha-a", Size: 10, MimeType: "text/x-go", CommitSHA: "head"},
	}}

	st.On("GetConfig", mock.Anything, id).Return(repoConfig(id), nil)

	// Shutdown before the first candidate lands must not count as a
	// repository failure: no backoff slot, no dead letter, and no cursor
	// advance, so the next scheduler pass retries cleanly.
	p := NewProcessor(st, cs, dlq, factoryFor(src, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: repoMessage(id)}})

	st.AssertNotCalled(t, "RecordSuccess")
	st.AssertNotCalled(t, "RecordFailure")
	dlq.AssertNotCalled(t, "DeadLetter")
}

func TestProcessor_FileMessageMissingFields(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	st := new(MockStateStore)
	dlq := new(MockDeadLetterer)

	msg := repoMessage(id)
	msg.Type = model.MessageTypeFile

	st.On("GetConfig", ctx, id).Return(repoConfig(id), nil)
	st.On("RecordFailure", ctx, id, mock.Anything, false).Return(nil).Once()
	dlq.On("DeadLetter", ctx, mock.Anything).Return(nil).Once()

	p := NewProcessor(st, new(MockContentStore), dlq, factoryFor(&stubSource{}, nil), 5, quietLogger())
	p.ProcessBatch(ctx, []queue.Delivery{{Msg: msg}})

	dlq.AssertExpectations(t)
}
