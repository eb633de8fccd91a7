package llm

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"chat-relay/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
)

// Factory creates LLM clients with consistent logic
type Factory struct {
	OpenaiAPIKey       string
	OpenaiBaseURL      string
	OpenaiModel        string
	OpenRouterReferrer string
	OpenRouterTitle    string
	YandexOAuthToken   string
	YandexFolderID     string
	SystemPrompt       string
}

func NewFactory(cfg *config.Config, systemPrompt string) *Factory {
	return &Factory{
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenaiModel:        cfg.OpenAIModel,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
		SystemPrompt:       systemPrompt,
	}
}

func (f *Factory) CreateClient(provider string) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return NewOpenAI(OpenAIOptions{
			APIKey:       f.OpenaiAPIKey,
			BaseURL:      f.OpenaiBaseURL,
			Model:        f.OpenaiModel,
			SystemPrompt: f.SystemPrompt,
			Headers:      f.openRouterHeaders(),
		}), nil
	case ProviderYandex:
		return NewYandex(f.YandexOAuthToken, f.YandexFolderID, f.SystemPrompt)
	default:
		return nil, errors.Errorf("unknown llm provider: %s", provider)
	}
}

func (f *Factory) openRouterHeaders() http.Header {
	if f.OpenRouterReferrer == "" && f.OpenRouterTitle == "" {
		return nil
	}
	h := http.Header{}
	if f.OpenRouterReferrer != "" {
		h.Set("HTTP-Referer", f.OpenRouterReferrer)
	}
	if f.OpenRouterTitle != "" {
		h.Set("X-Title", f.OpenRouterTitle)
	}
	return h
}
