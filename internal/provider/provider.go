package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/MEKXH/deskhand/internal/config"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

type providerName string

const (
	providerOpenAI     providerName = "openai"
	providerOpenRouter providerName = "openrouter"
	providerDeepSeek   providerName = "deepseek"
	providerOllama     providerName = "ollama"
)

// NewChatModel creates the ChatModel used by the model-backed plan generator.
// Every supported provider speaks the OpenAI-compatible API.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ChatModel, error) {
	name, p, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}
	r := cfg.Reasoning

	mc := &openai.ChatModelConfig{
		Model:       r.Model,
		APIKey:      p.APIKey,
		Temperature: toFloat32Ptr(r.Temperature),
		MaxTokens:   toIntPtr(r.MaxTokens),
		Timeout:     r.TimeoutDuration(),
	}
	switch name {
	case providerOpenRouter:
		mc.BaseURL = "https://openrouter.ai/api/v1"
	case providerDeepSeek:
		mc.BaseURL = "https://api.deepseek.com/v1"
	case providerOllama:
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		mc.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	}
	if p.BaseURL != "" && name != providerOllama {
		mc.BaseURL = p.BaseURL
	}
	return openai.NewChatModel(ctx, mc)
}

func resolveProvider(cfg *config.Config) (providerName, config.ProviderConfig, error) {
	ps := cfg.Providers
	name := providerName(strings.ToLower(strings.TrimSpace(cfg.Reasoning.Provider)))
	var p config.ProviderConfig
	switch name {
	case providerOpenAI:
		p = ps.OpenAI
	case providerOpenRouter:
		p = ps.OpenRouter
	case providerDeepSeek:
		p = ps.DeepSeek
	case providerOllama:
		return name, ps.Ollama, nil
	default:
		return "", p, fmt.Errorf("unknown reasoning provider %q", cfg.Reasoning.Provider)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", p, fmt.Errorf("no api_key configured for provider %s", name)
	}
	return name, p, nil
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
