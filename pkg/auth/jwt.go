package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
)

// KeyProvider supplies the verification key for a parsed token, usually by
// kid header. keyfunc's cached JWKS client satisfies it directly (see
// NewJWKSProvider); StaticKeys covers tests and single-key deployments.
type KeyProvider interface {
	Keyfunc(token *jwt.Token) (any, error)
}

// StaticKeys is a fixed kid → key set.
type StaticKeys map[string]any

func (s StaticKeys) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	key, ok := s[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// Algorithms restricts accepted signing methods. Defaults to RS256.
	Algorithms []string
}

// JWTAuthenticator verifies RS256 bearer tokens against a cached key set,
// validating issuer, audience, signature and expiry.
type JWTAuthenticator struct {
	cfg    JWTConfig
	keys   KeyProvider
	parser *jwt.Parser
	logger *slog.Logger
}

func NewJWTAuthenticator(cfg JWTConfig, keys KeyProvider, logger *slog.Logger) *JWTAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTAuthenticator{
		cfg:    cfg,
		keys:   keys,
		parser: jwt.NewParser(opts...),
		logger: logging.NewComponentLogger(logger, "auth_jwt"),
	}
}

func (a *JWTAuthenticator) Name() string { return "jwt" }

func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(credential, claims, a.keys.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			a.logger.Warn("token_expired")
			return Identity{}, ErrExpiredCredential
		}
		a.logger.Warn("token_invalid", slog.String("error", err.Error()))
		return Identity{}, errorsx.Wrap(err, errorsx.ReasonAuthInvalid)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrInvalidCredential
	}
	email, _ := claims["email"].(string)

	a.logger.Debug("token_verified", slog.String("user_id", sub))
	return Identity{
		UserID: sub,
		Email:  email,
		Method: "jwt",
		Claims: claims,
	}, nil
}

var _ Authenticator = (*JWTAuthenticator)(nil)
