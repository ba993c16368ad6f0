// Package provider constructs llm.Client instances for the configured
// upstream, wiring middleware around the raw provider implementation. It
// sits outside pkg/llm so implementations can import the contract without a
// cycle, and callers can only reach implementations through New.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
	"cadence/pkg/provider/internal/anthropic"
	"cadence/pkg/provider/internal/gemini"
	"cadence/pkg/provider/internal/ollama"
	"cadence/pkg/provider/internal/openai"
)

// New builds a client for the given model key, applying middlewares in order
// (earliest outermost). A missing credential does not fail construction; the
// returned client surfaces the Auth error when a request actually needs the
// key.
func New(cfg *config.Config, key config.ModelKey, middlewares ...llm.Middleware) (llm.Client, error) {
	modelID := cfg.ModelID(key)
	if modelID == "" {
		return nil, fmt.Errorf("no model ID for key %q under provider %q", key, cfg.Provider)
	}

	raw, err := newRawClient(cfg.Provider, modelID)
	if err != nil {
		return nil, err
	}
	return llm.Chain(raw, middlewares...), nil
}

func newRawClient(providerName, modelID string) (llm.Client, error) {
	if providerName == config.ProviderOllama {
		return ollama.New(os.Getenv(config.EnvOllamaHost), modelID), nil
	}

	apiKey, err := config.APIKey(providerName)
	if err != nil {
		var absent *config.ErrCredentialAbsent
		if errors.As(err, &absent) {
			return newUnavailable(modelID, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "credential absent")), nil
		}
		return nil, err
	}

	switch providerName {
	case config.ProviderGemini:
		return gemini.New(apiKey, modelID), nil
	case config.ProviderAnthropic:
		return anthropic.New(apiKey, modelID), nil
	case config.ProviderOpenAI:
		return openai.New(apiKey, modelID), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}
}

// unavailable is a client whose credential could not be resolved. Every call
// fails with the same Auth error; construction itself never fails so a
// keyless session can still start and report the problem on first use.
type unavailable struct {
	modelID string
	err     error
}

func newUnavailable(modelID string, err error) llm.Client {
	return &unavailable{modelID: modelID, err: err}
}

func (u *unavailable) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{}, u.err
}

func (u *unavailable) Stream(_ context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	return nil, u.err
}

func (u *unavailable) ModelID() string {
	return u.modelID
}
