package voxrelay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/pkg/auth"
	"github.com/voxrelay/voxrelay/pkg/configutil"
	"github.com/voxrelay/voxrelay/pkg/language"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/relay"
	"github.com/voxrelay/voxrelay/pkg/runner"
	"github.com/voxrelay/voxrelay/pkg/transports"
	"github.com/voxrelay/voxrelay/pkg/transports/ws"
)

// Engine wires config, auth, language policy, the STT provider, the relay,
// and the transport into one runnable unit.
type Engine struct {
	cfg       Config
	relay     *relay.Relay
	transport transports.Transport
	providers *ProviderRegistry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	artifacts *os.File
	logger    *slog.Logger
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Authenticator overrides the config-built auth chain, for embedding.
	Authenticator auth.Authenticator
	// Transport overrides the config-built transport, for embedding.
	Transport transports.Transport
	Observer  metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	logger.Info("voxrelay_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.STT.Provider),
		slog.String("transport", cfg.Transports.Provider))

	providers := opts.Providers
	if providers == nil {
		providers = NewDefaultProviderRegistry()
	}

	e := &Engine{cfg: cfg, providers: providers, logger: logger}

	observer := opts.Observer
	if observer == nil {
		base := metrics.Observer(metrics.NoopObserver{})
		if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
			f, err := openArtifacts(dir)
			if err != nil {
				return nil, err
			}
			e.artifacts = f
			base = metrics.NewJSONLObserver(f)
		}
		observer = base
	}
	e.asyncObs = metrics.NewAsyncObserver(observer, 2048)

	authenticator := opts.Authenticator
	if authenticator == nil {
		built, err := buildAuthenticator(cfg, logger)
		if err != nil {
			return nil, err
		}
		authenticator = built
	}

	factory, err := providers.BuildSTTFactory(cfg.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}

	e.relay = relay.New(relay.Options{
		Authenticator: authenticator,
		Languages:     language.NewPolicy(cfg.Languages.Default, cfg.Languages.Supported, logger),
		Provider:      factory,
		Observer:      e.asyncObs,
		Logger:        logger,
		OpenTimeout:   time.Duration(cfg.Relay.OpenTimeoutMS) * time.Millisecond,
		SampleRate:    cfg.Relay.SampleRate,
	})

	transport := opts.Transport
	if transport == nil {
		built, err := buildTransport(cfg, e.relay, logger)
		if err != nil {
			return nil, err
		}
		transport = built
	}
	e.transport = transport

	hooks := runner.Hooks{
		OnStart: func() {
			logger.Info("engine_ready",
				slog.String("transport", transport.Name()),
				slog.String("stt_provider", cfg.STT.Provider))
		},
		OnStop: func() {
			e.asyncObs.Close()
			if e.artifacts != nil {
				_ = e.artifacts.Close()
			}
			logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int("active_connections", e.relay.Registry().Len()))
		},
	}
	e.runner = runner.NewLifecycleRunner(drainerFunc(e.drain), hooks, 30*time.Second)
	return e, nil
}

// Run blocks until the context is cancelled or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Relay() *relay.Relay { return e.relay }

func (e *Engine) Config() Config { return e.cfg }

// drain refuses new connections, then tears down every live session.
func (e *Engine) drain() error {
	if e.transport != nil {
		_ = e.transport.Stop()
	}
	for _, id := range e.relay.Registry().IDs() {
		e.relay.Disconnect(id)
	}
	deadline := time.Now().Add(20 * time.Second)
	for e.relay.Registry().Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := e.relay.Registry().Len(); n > 0 {
		return fmt.Errorf("%d connections still open after drain", n)
	}
	return nil
}

func buildAuthenticator(cfg Config, logger *slog.Logger) (auth.Authenticator, error) {
	var strategies []auth.Authenticator
	if cfg.Auth.JWT.Enabled {
		keys, err := auth.NewJWKSProvider(
			context.Background(),
			cfg.Auth.JWT.JWKSURL,
			time.Duration(cfg.Auth.JWT.RefreshIntervalS)*time.Second,
			logger,
		)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
		}, keys, logger))
	}
	if cfg.Auth.APIKeys.Enabled {
		strategies = append(strategies,
			auth.NewAPIKeyAuthenticator(auth.StaticKeyVerifier(cfg.Auth.APIKeys.Keys), logger))
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no auth strategy enabled")
	}
	if len(strategies) == 1 {
		return strategies[0], nil
	}
	return auth.NewChain(strategies...), nil
}

func buildTransport(cfg Config, handler ws.Handler, logger *slog.Logger) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "websocket", "ws":
		var wsCfg ws.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &wsCfg); err != nil {
			return nil, fmt.Errorf("decode websocket settings: %w", err)
		}
		return ws.New(wsCfg, handler, logger), nil
	default:
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
	}
}

func openArtifacts(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(dir, "metrics.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open artifacts file: %w", err)
	}
	return f, nil
}

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }
