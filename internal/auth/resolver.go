// internal/auth/resolver.go
package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"repo-mirror/internal/apperr"
	"repo-mirror/internal/model"
)

// TokenStore is the credential persistence the resolver needs.
type TokenStore interface {
	GetUserToken(ctx context.Context, userID, provider string) (*model.UserToken, error)
	SaveUserToken(ctx context.Context, t *model.UserToken) error
	GetInstallation(ctx context.Context, provider, owner string) (*model.Installation, error)
}

// Resolver picks the right credential for a repository: the owning user's
// OAuth token (refreshed when expired), a short-lived app installation token
// for system-owned private repositories, or the shared service token for
// public ones.
type Resolver struct {
	store        TokenStore
	serviceToken string

	oauthClientID     string
	oauthClientSecret string

	appID         int64
	appPrivateKey []byte

	// newAppsClient is swapped in tests to aim at a fake API.
	newAppsClient func(jwtToken string) *gh.Client

	logger *slog.Logger
}

// NewResolver builds a Resolver. appPrivateKey may be empty when no app
// installations are configured.
func NewResolver(store TokenStore, serviceToken, oauthClientID, oauthClientSecret string, appID int64, appPrivateKey []byte, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:             store,
		serviceToken:      serviceToken,
		oauthClientID:     oauthClientID,
		oauthClientSecret: oauthClientSecret,
		appID:             appID,
		appPrivateKey:     appPrivateKey,
		newAppsClient: func(jwtToken string) *gh.Client {
			return gh.NewClient(nil).WithAuthToken(jwtToken)
		},
		logger: logger,
	}
}

// Resolve returns the access token to use for msg's repository.
func (r *Resolver) Resolve(ctx context.Context, msg *model.IngestMessage) (string, error) {
	switch {
	case msg.IsPrivate && msg.UserID != nil && *msg.UserID != "":
		return r.userToken(ctx, *msg.UserID, msg.Provider)
	case msg.IsPrivate:
		return r.installationToken(ctx, msg.Provider, msg.Owner)
	default:
		return r.serviceToken, nil
	}
}

// userToken returns the stored OAuth token for the user, transparently
// refreshing and persisting it when expired.
func (r *Resolver) userToken(ctx context.Context, userID, provider string) (string, error) {
	stored, err := r.store.GetUserToken(ctx, userID, provider)
	if err != nil {
		return "", &apperr.AuthError{Reason: "no stored token for user " + userID, Err: err}
	}

	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
	}
	if stored.ExpiresAt != nil {
		tok.Expiry = *stored.ExpiresAt
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", &apperr.AuthError{Reason: "token expired and no refresh token stored for user " + userID}
	}

	conf := &oauth2.Config{
		ClientID:     r.oauthClientID,
		ClientSecret: r.oauthClientSecret,
		Endpoint:     oauthgithub.Endpoint,
	}
	fresh, err := conf.TokenSource(ctx, tok).Token()
	if err != nil {
		// A refused refresh means the grant is gone, not that the provider is
		// down.
		return "", &apperr.AuthError{Reason: "refreshing token for user " + userID, Err: err}
	}

	update := &model.UserToken{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
	}
	if update.RefreshToken == "" {
		update.RefreshToken = stored.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry
		update.ExpiresAt = &expiry
	}
	if err := r.store.SaveUserToken(ctx, update); err != nil {
		return "", err
	}
	r.logger.Info("Refreshed user OAuth token", "user_id", userID, "provider", provider)
	return fresh.AccessToken, nil
}

// installationToken mints a short-lived token for the app installation on the
// repository's account.
func (r *Resolver) installationToken(ctx context.Context, provider, owner string) (string, error) {
	inst, err := r.store.GetInstallation(ctx, provider, owner)
	if err != nil {
		return "", &apperr.AuthError{Reason: "no app installation for " + owner, Err: err}
	}

	appJWT, err := r.signAppJWT()
	if err != nil {
		return "", &apperr.AuthError{Reason: "signing app JWT", Err: err}
	}

	client := r.newAppsClient(appJWT)
	instToken, _, err := client.Apps.CreateInstallationToken(ctx, inst.InstallationID, nil)
	if err != nil {
		return "", &apperr.AuthError{Reason: "minting installation token", Err: err}
	}
	return instToken.GetToken(), nil
}

// signAppJWT produces the RS256 app JWT GitHub requires for installation
// token minting. Issued-at is backdated a minute to absorb clock skew.
func (r *Resolver) signAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(r.appPrivateKey)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(r.appID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
