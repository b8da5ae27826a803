package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
)

// KeyVerifier checks an API key against a key-verification service and
// returns the owning user id.
type KeyVerifier interface {
	VerifyKey(ctx context.Context, key string) (userID string, err error)
}

// KeyVerifierFunc adapts a function to the KeyVerifier interface.
type KeyVerifierFunc func(ctx context.Context, key string) (string, error)

func (f KeyVerifierFunc) VerifyKey(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// StaticKeyVerifier verifies keys against a fixed key → user map, for
// development and tests. Comparison is constant time.
type StaticKeyVerifier map[string]string

func (s StaticKeyVerifier) VerifyKey(_ context.Context, key string) (string, error) {
	for candidate, userID := range s {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return userID, nil
		}
	}
	return "", ErrInvalidCredential
}

// APIKeyAuthenticator is the legacy API-key strategy. It delegates the
// actual check to a KeyVerifier.
type APIKeyAuthenticator struct {
	verifier KeyVerifier
	logger   *slog.Logger
}

func NewAPIKeyAuthenticator(verifier KeyVerifier, logger *slog.Logger) *APIKeyAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyAuthenticator{
		verifier: verifier,
		logger:   logging.NewComponentLogger(logger, "auth_apikey"),
	}
}

func (a *APIKeyAuthenticator) Name() string { return "api_key" }

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	userID, err := a.verifier.VerifyKey(ctx, credential)
	if err != nil {
		a.logger.Debug("api_key_rejected")
		return Identity{}, errorsx.Wrap(err, errorsx.ReasonAuthInvalid)
	}
	return Identity{UserID: userID, Method: "api_key"}, nil
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)
