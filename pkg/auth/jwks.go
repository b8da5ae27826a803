package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"

	"github.com/voxrelay/voxrelay/pkg/logging"
)

const defaultJWKSRefresh = 15 * time.Minute

// NewJWKSProvider returns a KeyProvider backed by the identity provider's
// JWKS endpoint. The key set is fetched once up front and refreshed in the
// background, so key rotations are picked up without a restart.
func NewJWKSProvider(ctx context.Context, url string, refresh time.Duration, logger *slog.Logger) (KeyProvider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if refresh <= 0 {
		refresh = defaultJWKSRefresh
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logging.NewComponentLogger(logger, "auth_jwks")

	store, err := jwkset.NewStorageFromHTTP(url, jwkset.HTTPClientStorageOptions{
		Ctx:             ctx,
		HTTPTimeout:     10 * time.Second,
		RefreshInterval: refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			// The previously fetched key set stays in use when a refresh fails.
			log.Warn("jwks_refresh_failed", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: store})
	if err != nil {
		return nil, fmt.Errorf("init jwks keyfunc: %w", err)
	}
	return kf, nil
}
