package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/elyse-undan/lys-bot/pkg/config"
)

const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"

	defaultGroqAPIBase   = "https://api.groq.com/openai/v1"
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
)

func init() {
	RegisterFactory(ProviderGroq, func(cfg *config.Config, apiKey string) (LLMProvider, error) {
		return newOpenAICompatible(ProviderGroq, cfg.Providers.Groq, defaultGroqAPIBase, apiKey, cfg.Providers.TimeoutSeconds), nil
	})
	RegisterFactory(ProviderOpenAI, func(cfg *config.Config, apiKey string) (LLMProvider, error) {
		return newOpenAICompatible(ProviderOpenAI, cfg.Providers.OpenAI, defaultOpenAIAPIBase, apiKey, cfg.Providers.TimeoutSeconds), nil
	})
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// with a single API key.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

func NewOpenAIProvider(name, apiKey, apiBase, proxy string, timeout time.Duration) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	if apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/"); apiBase != "" {
		clientConfig.BaseURL = apiBase
	}

	httpClient := &http.Client{Timeout: timeout}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	clientConfig.HTTPClient = httpClient

	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

func newOpenAICompatible(name string, pc config.ProviderConfig, fallbackBase, apiKey string, timeoutSeconds int) *OpenAIProvider {
	base := pc.APIBase
	if strings.TrimSpace(base) == "" {
		base = fallbackBase
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	return NewOpenAIProvider(name, apiKey, base, strings.TrimSpace(pc.Proxy), config.Seconds(timeoutSeconds))
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyError(p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.name, Kind: KindServer, Err: errors.New("no choices in response")}
	}
	return resp.Choices[0].Message.Content, nil
}
