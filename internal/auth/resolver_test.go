// internal/auth/resolver_test.go
package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/model"
)

// MockTokenStore is a mock of the TokenStore interface.
type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) GetUserToken(ctx context.Context, userID, provider string) (*model.UserToken, error) {
	args := m.Called(ctx, userID, provider)
	if t := args.Get(0); t != nil {
		return t.(*model.UserToken), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockTokenStore) SaveUserToken(ctx context.Context, t *model.UserToken) error {
	return m.Called(ctx, t).Error(0)
}
func (m *MockTokenStore) GetInstallation(ctx context.Context, provider, owner string) (*model.Installation, error) {
	args := m.Called(ctx, provider, owner)
	if i := args.Get(0); i != nil {
		return i.(*model.Installation), args.Error(1)
	}
	return nil, args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func strPtr(s string) *string { return &s }

type errNoRows struct{}

func (errNoRows) Error() string { return "no rows in result set" }

func TestResolver_PublicRepoUsesServiceToken(t *testing.T) {
	store := new(MockTokenStore)
	r := NewResolver(store, "ghp_service", "", "", 0, nil, testLogger())

	token, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", Owner: "octocat", Repo: "hello-world", IsPrivate: false,
		UserID: strPtr("u1"),
	})

	require.NoError(t, err)
	assert.Equal(t, "ghp_service", token)
	store.AssertNotCalled(t, "GetUserToken")
}

func TestResolver_ValidUserTokenReturnedAsIs(t *testing.T) {
	store := new(MockTokenStore)
	expiry := time.Now().Add(time.Hour)
	store.On("GetUserToken", mock.Anything, "u1", "github").Return(&model.UserToken{
		UserID: "u1", Provider: "github",
		AccessToken: "gho_valid", RefreshToken: "ghr_refresh", ExpiresAt: &expiry,
	}, nil).Once()

	r := NewResolver(store, "ghp_service", "client", "secret", 0, nil, testLogger())
	token, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", Owner: "octocat", Repo: "private-repo", IsPrivate: true,
		UserID: strPtr("u1"),
	})

	require.NoError(t, err)
	assert.Equal(t, "gho_valid", token)
	store.AssertNotCalled(t, "SaveUserToken")
}

func TestResolver_TokenWithoutExpiryNeverRefreshed(t *testing.T) {
	store := new(MockTokenStore)
	store.On("GetUserToken", mock.Anything, "u1", "github").Return(&model.UserToken{
		UserID: "u1", Provider: "github", AccessToken: "gho_forever",
	}, nil).Once()

	r := NewResolver(store, "", "client", "secret", 0, nil, testLogger())
	token, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", IsPrivate: true, UserID: strPtr("u1"),
	})

	require.NoError(t, err)
	assert.Equal(t, "gho_forever", token)
}

func TestResolver_ExpiredWithoutRefreshToken(t *testing.T) {
	store := new(MockTokenStore)
	expiry := time.Now().Add(-time.Hour)
	store.On("GetUserToken", mock.Anything, "u1", "github").Return(&model.UserToken{
		UserID: "u1", Provider: "github", AccessToken: "gho_stale", ExpiresAt: &expiry,
	}, nil).Once()

	r := NewResolver(store, "", "client", "secret", 0, nil, testLogger())
	_, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", IsPrivate: true, UserID: strPtr("u1"),
	})

	var authErr *apperr.AuthError
	require.ErrorAs(t, err, &authErr)
	// Credential problems are terminal, not retry fodder.
	assert.False(t, apperr.IsTransient(err))
}

func TestResolver_MissingUserToken(t *testing.T) {
	store := new(MockTokenStore)
	store.On("GetUserToken", mock.Anything, "u1", "github").Return(nil, errNoRows{}).Once()

	r := NewResolver(store, "", "client", "secret", 0, nil, testLogger())
	_, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", IsPrivate: true, UserID: strPtr("u1"),
	})

	var authErr *apperr.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "auth", apperr.Code(err))
}

func TestResolver_InstallationToken(t *testing.T) {
	store := new(MockTokenStore)
	store.On("GetInstallation", mock.Anything, "github", "acme").Return(&model.Installation{
		Provider: "github", Owner: "acme", InstallationID: 42,
	}, nil).Once()

	var sawJWT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/app/installations/42/access_tokens") {
			sawJWT = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token": "ghs_installation", "expires_at": "2026-09-01T12:00:00Z"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(store, "", "", "", 99, testPrivateKeyPEM(t), testLogger())
	r.newAppsClient = func(jwtToken string) *gh.Client {
		client := gh.NewClient(nil).WithAuthToken(jwtToken)
		base, _ := url.Parse(srv.URL + "/")
		client.BaseURL = base
		return client
	}

	token, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", Owner: "acme", Repo: "private-repo", IsPrivate: true,
	})

	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", token)
	assert.NotEmpty(t, sawJWT)
	// App JWTs are three dot-separated segments.
	assert.Len(t, strings.Split(sawJWT, "."), 3)
}

func TestResolver_NoInstallationForOwner(t *testing.T) {
	store := new(MockTokenStore)
	store.On("GetInstallation", mock.Anything, "github", "acme").Return(nil, errNoRows{}).Once()

	r := NewResolver(store, "", "", "", 99, testPrivateKeyPEM(t), testLogger())
	_, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", Owner: "acme", IsPrivate: true,
	})

	var authErr *apperr.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestResolver_BadPrivateKey(t *testing.T) {
	store := new(MockTokenStore)
	store.On("GetInstallation", mock.Anything, "github", "acme").Return(&model.Installation{
		Provider: "github", Owner: "acme", InstallationID: 42,
	}, nil).Once()

	r := NewResolver(store, "", "", "", 99, []byte("not a pem"), testLogger())
	_, err := r.Resolve(context.Background(), &model.IngestMessage{
		Provider: "github", Owner: "acme", IsPrivate: true,
	})

	var authErr *apperr.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "signing app JWT")
}
