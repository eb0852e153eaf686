// internal/github/client.go
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"repo-mirror/internal/apperr"
)

// Blobs at or under this size are decoded inline from the base64 API
// payload; anything larger is fetched as a raw stream instead of buffering.
const InlineBlobLimit = 1 << 20

// ErrNotModified is the sentinel for a conditional request answered 304: the
// resource has not changed since the supplied ETag and no body was fetched.
var ErrNotModified = errors.New("resource not modified")

// The client-wide pacer. GitHub's secondary limits trip well before the
// primary quota when bursts go unthrottled.
const requestsPerSecond = 10

// Client is a rate-limit-aware, conditional-request-capable wrapper around
// the go-github client.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:      github.NewClient(tc),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		logger:  logger,
	}
}

// SetBaseURL points the client at a different API root, for enterprise
// deployments and tests.
func (c *Client) SetBaseURL(u string) error {
	gh, err := c.gh.WithEnterpriseURLs(u, u)
	if err != nil {
		return err
	}
	c.gh = gh
	return nil
}

// CommitInfo is the head-commit result of a conditional lookup.
type CommitInfo struct {
	SHA  string
	ETag string
}

// TreeEntry is one blob entry from a recursive tree listing.
type TreeEntry struct {
	Path string
	SHA  string
	Size int64
	Type string
}

// GetBranchHead fetches the head commit of a branch. etag, when non-empty, is
// sent as If-None-Match; an unchanged branch returns ErrNotModified without a
// body. An empty branch resolves the repository default via HEAD.
func (c *Client) GetBranchHead(ctx context.Context, owner, repo, branch, etag string) (*CommitInfo, error) {
	if branch == "" {
		branch = "HEAD"
	}
	u := fmt.Sprintf("repos/%s/%s/commits/%s", owner, repo, branch)
	var commit github.RepositoryCommit
	resp, err := c.doConditional(ctx, u, etag, &commit)
	if err != nil {
		return nil, err
	}
	return &CommitInfo{SHA: commit.GetSHA(), ETag: resp.Header.Get("ETag")}, nil
}

// GetTree lists the full recursive tree at a commit, returning blob entries
// only. Trees over the API truncation limit surface as a transient error so
// the sync is retried rather than silently partial.
func (c *Client) GetTree(ctx context.Context, owner, repo, commitSHA, etag string) ([]TreeEntry, error) {
	u := fmt.Sprintf("repos/%s/%s/git/trees/%s?recursive=1", owner, repo, commitSHA)
	var tree github.Tree
	if _, err := c.doConditional(ctx, u, etag, &tree); err != nil {
		return nil, err
	}
	if tree.GetTruncated() {
		return nil, &apperr.SourceAPIError{
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("tree listing for %s/%s@%s truncated by origin", owner, repo, commitSHA),
			Transient:  true,
		}
	}
	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{
			Path: e.GetPath(),
			SHA:  e.GetSHA(),
			Size: int64(e.GetSize()),
			Type: e.GetType(),
		})
	}
	return entries, nil
}

// GetBlob fetches a blob small enough to buffer, decoding the base64 payload
// inline.
func (c *Client) GetBlob(ctx context.Context, owner, repo, sha string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	blob, resp, err := c.gh.Git.GetBlob(ctx, owner, repo, sha)
	c.observeRate(resp)
	if err != nil {
		return nil, c.normalizeError(resp, err)
	}
	content := blob.GetContent()
	if blob.GetEncoding() == "base64" {
		// The API wraps base64 payloads with newlines.
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
		if err != nil {
			return nil, &apperr.SourceAPIError{
				StatusCode: http.StatusOK,
				Message:    fmt.Sprintf("decoding blob %s: %v", sha, err),
			}
		}
		return decoded, nil
	}
	return []byte(content), nil
}

// StreamBlob fetches a blob as a lazy byte stream using the raw media type,
// for payloads too large to buffer. The caller owns closing the reader.
func (c *Client) StreamBlob(ctx context.Context, owner, repo, sha string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("repos/%s/%s/git/blobs/%s", owner, repo, sha)
	req, err := c.gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	pr, pw := io.Pipe()
	go func() {
		resp, err := c.gh.Do(ctx, req, pw)
		c.observeRate(resp)
		if err != nil {
			pw.CloseWithError(c.normalizeError(resp, err))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

// doConditional performs a GET with an optional If-None-Match header,
// decoding the response into v. A 304 maps to ErrNotModified.
func (c *Client) doConditional(ctx context.Context, url, etag string, v any) (*github.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.gh.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.gh.Do(ctx, req, v)
	c.observeRate(resp)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotModified {
			return nil, ErrNotModified
		}
		return nil, c.normalizeError(resp, err)
	}
	return resp, nil
}

// observeRate inspects the rate-limit headers on every response and warns
// when the remaining quota drops under 10% of the limit.
func (c *Client) observeRate(resp *github.Response) {
	if resp == nil {
		return
	}
	r := resp.Rate
	if r.Limit == 0 {
		return
	}
	if r.Remaining*10 < r.Limit {
		c.logger.Warn("Rate limit running low",
			"limit", r.Limit,
			"remaining", r.Remaining,
			"used", r.Limit-r.Remaining,
			"reset", r.Reset.Time.Format(time.RFC3339))
	}
}

// normalizeError folds every go-github failure shape into a single
// SourceAPIError carrying its status plus rate-limit/transient flags.
func (c *Client) normalizeError(resp *github.Response, err error) error {
	var (
		status  int
		message = err.Error()
		reset   time.Time
	)
	if resp != nil {
		status = resp.StatusCode
		reset = resp.Rate.Reset.Time
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &apperr.SourceAPIError{
			StatusCode:     status,
			Message:        rateErr.Message,
			RateLimited:    true,
			Transient:      true,
			RateLimitReset: rateErr.Rate.Reset.Time,
		}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			reset = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &apperr.SourceAPIError{
			StatusCode:     status,
			Message:        abuseErr.Message,
			RateLimited:    true,
			Transient:      true,
			RateLimitReset: reset,
		}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		message = ghErr.Message
		if ghErr.Response != nil {
			status = ghErr.Response.StatusCode
		}
	}

	rateLimited := (status == http.StatusForbidden || status == http.StatusTooManyRequests) &&
		strings.Contains(strings.ToLower(message), "rate limit")
	transient := status >= 500 || status == http.StatusTooManyRequests || rateLimited

	out := &apperr.SourceAPIError{
		StatusCode:  status,
		Message:     message,
		RateLimited: rateLimited,
		Transient:   transient,
	}
	if rateLimited {
		out.RateLimitReset = reset
	}
	return out
}
