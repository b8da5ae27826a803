package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
)

// Identity is the result of a successful authentication.
type Identity struct {
	UserID string
	Email  string
	// Method names the strategy that produced the identity ("jwt", "api_key").
	Method string
	Claims map[string]any
}

// Authenticator validates a bearer credential presented at connect time.
// Implementations are read-only: no side effects beyond cached key lookups.
type Authenticator interface {
	Name() string
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

var (
	ErrMissingCredential = errorsx.Wrap(errors.New("no authentication token provided"), errorsx.ReasonAuthMissing)
	ErrInvalidCredential = errorsx.Wrap(errors.New("invalid authentication token"), errorsx.ReasonAuthInvalid)
	ErrExpiredCredential = errorsx.Wrap(errors.New("authentication token has expired"), errorsx.ReasonAuthExpired)
)

// FailureMessage maps an authentication error to the human-readable reason
// surfaced to the client. Internal error text never leaks through here.
func FailureMessage(err error) string {
	switch errorsx.Reason(err) {
	case errorsx.ReasonAuthMissing:
		return "no authentication token provided"
	case errorsx.ReasonAuthExpired:
		return "authentication token has expired"
	case errorsx.ReasonAuthInvalid:
		return "invalid authentication token"
	default:
		return "authentication failed"
	}
}

// Chain tries a closed set of identity-producing strategies in order and
// returns the first success. The first strategy's failure is reported when
// none succeed, so the primary strategy (JWT) drives the rejection reason.
type Chain struct {
	strategies []Authenticator
}

func NewChain(strategies ...Authenticator) *Chain {
	return &Chain{strategies: strategies}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, ErrMissingCredential
	}
	var firstErr error
	for _, s := range c.strategies {
		id, err := s.Authenticate(ctx, credential)
		if err == nil {
			return id, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = ErrInvalidCredential
	}
	return Identity{}, firstErr
}
