package voxrelay

import (
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/configutil"
	"github.com/voxrelay/voxrelay/pkg/providers/deepgram"
	"github.com/voxrelay/voxrelay/pkg/providers/mock"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

// STTFactoryBuilder turns vendor config into a per-connection session factory.
type STTFactoryBuilder func(cfg Config) (stt.Factory, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactoryBuilder)}
}

// NewDefaultProviderRegistry returns a registry with the built-in providers.
func NewDefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgramFactory)
	r.RegisterSTT("mock", buildMockFactory)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config) (stt.Factory, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

type deepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Encoding string `mapstructure:"encoding"`
	Interim  *bool  `mapstructure:"interim"`
}

func buildDeepgramFactory(cfg Config) (stt.Factory, error) {
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
		return nil, fmt.Errorf("decode deepgram settings: %w", err)
	}
	if err := configutil.RequireString(settings.APIKey, "stt.settings.api_key"); err != nil {
		return nil, err
	}
	return func(sc stt.Config) stt.StreamingSTT {
		return deepgram.New(deepgram.Config{
			APIKey:       settings.APIKey,
			Model:        settings.Model,
			Language:     sc.Language,
			SampleRate:   sc.SampleRate,
			Encoding:     settings.Encoding,
			Interim:      configutil.BoolValue(settings.Interim, sc.Interim),
			ConnectionID: sc.ConnectionID,
		})
	}, nil
}

type mockSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
}

func buildMockFactory(cfg Config) (stt.Factory, error) {
	var settings mockSettings
	if err := configutil.DecodeSettings(cfg.STT.Settings, &settings); err != nil {
		return nil, fmt.Errorf("decode mock settings: %w", err)
	}
	return func(sc stt.Config) stt.StreamingSTT {
		return mock.New(mock.Config{
			ConnectionID:      sc.ConnectionID,
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
			EmitInterim:       configutil.BoolValue(settings.EmitInterim, false),
		})
	}, nil
}
