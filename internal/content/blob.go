// internal/content/blob.go
package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"repo-mirror/internal/apperr"
)

// BlobBackend is the opaque key-value blob service boundary: PUT by derived
// key with a content type, GET/DELETE by key.
type BlobBackend interface {
	Put(ctx context.Context, key, mimeType string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// HTTPBlobBackend talks to the blob service over HTTP with automatic retries
// on transport and 5xx failures.
type HTTPBlobBackend struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewHTTPBlobBackend builds a backend client. The retry policy is left at
// the library defaults except for a lower cap; blob writes are idempotent by
// key so re-sending is safe.
func NewHTTPBlobBackend(baseURL, token string) *HTTPBlobBackend {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &HTTPBlobBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (b *HTTPBlobBackend) url(key string) string {
	return b.baseURL + "/" + key
}

func (b *HTTPBlobBackend) do(ctx context.Context, method, key string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.url(key), body)
	if err != nil {
		return nil, &apperr.StoreError{Op: "blob " + method, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &apperr.StoreError{Op: "blob " + method, Err: err}
	}
	return resp, nil
}

// Put writes body under key. Rewindable bodies go through the retrying
// client; a one-pass stream is sent exactly once, since the retry layer
// would otherwise read it fully into memory to make it replayable. Writes
// are idempotent by key, so a failed stream put is recovered by the
// message-level retry instead.
func (b *HTTPBlobBackend) Put(ctx context.Context, key, mimeType string, body io.Reader) error {
	if _, ok := body.(io.ReadSeeker); !ok {
		return b.putStream(ctx, key, mimeType, body)
	}
	resp, err := b.do(ctx, http.MethodPut, key, body, mimeType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apperr.StoreError{Op: "blob put", Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}
	return nil
}

func (b *HTTPBlobBackend) putStream(ctx context.Context, key, mimeType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.url(key), body)
	if err != nil {
		return &apperr.StoreError{Op: "blob put", Err: err}
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.HTTPClient.Do(req)
	if err != nil {
		return &apperr.StoreError{Op: "blob put", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apperr.StoreError{Op: "blob put", Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}
	return nil
}

// Get reads the blob stored under key. The caller closes the reader.
func (b *HTTPBlobBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.do(ctx, http.MethodGet, key, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &apperr.StoreError{Op: "blob get", Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// Delete removes the blob stored under key. Missing keys are not an error.
func (b *HTTPBlobBackend) Delete(ctx context.Context, key string) error {
	resp, err := b.do(ctx, http.MethodDelete, key, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &apperr.StoreError{Op: "blob delete", Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}
	return nil
}
