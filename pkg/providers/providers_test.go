package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/config"
)

func TestCreateCredentials_GroqOnePerKey(t *testing.T) {
	var seenAuth []string
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		seenPath = r.URL.Path
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != "llama-3.3-70b-versatile" {
			t.Errorf("expected quality model, got %v", got)
		}
		if got := req["max_tokens"]; got != float64(400) {
			t.Errorf("expected max_tokens 400, got %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"heyy"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.Groq.APIBase = server.URL
	cfg.Providers.Groq.APIKeys = config.FlexibleStringSlice{"gsk-a", " ", "gsk-b"}

	creds, err := CreateCredentials(cfg)
	if err != nil {
		t.Fatalf("create credentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Label != "groq#1" || creds[1].Label != "groq#3" {
		t.Fatalf("unexpected labels %q %q", creds[0].Label, creds[1].Label)
	}

	text, err := creds[1].Provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{
		Model:       cfg.Providers.Quality.Model,
		MaxTokens:   cfg.Providers.Quality.MaxTokens,
		Temperature: cfg.Providers.Temperature,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if text != "heyy" {
		t.Fatalf("expected heyy, got %q", text)
	}
	if len(seenAuth) != 1 || seenAuth[0] != "Bearer gsk-b" {
		t.Fatalf("expected bearer for second key, got %v", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
}

func TestCreateCredentials_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Default = "nope"
	_, err := CreateCredentials(cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestCreateRotator_FailsOverOnRateLimit(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		calls = append(calls, auth)
		w.Header().Set("Content-Type", "application/json")
		if auth == "Bearer gsk-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"tokens","code":"rate_limit_exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"from b"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.Groq.APIBase = server.URL
	cfg.Providers.Groq.APIKeys = config.FlexibleStringSlice{"gsk-a", "gsk-b"}

	r, err := CreateRotator(cfg)
	if err != nil {
		t.Fatalf("create rotator: %v", err)
	}
	text, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, ModeQuality)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "from b" {
		t.Fatalf("expected failover to second key, got %q", text)
	}
	if r.RateLimitedCount() != 1 {
		t.Fatalf("expected first key cooling down, got %d", r.RateLimitedCount())
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(calls))
	}
}

func TestOpenAIProvider_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"429", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests"}}`, KindRateLimit},
		{"rate limit code", http.StatusBadRequest, `{"error":{"message":"quota","type":"tokens","code":"rate_limit_exceeded"}}`, KindRateLimit},
		{"auth", http.StatusUnauthorized, `{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`, KindAuth},
		{"server", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewOpenAIProvider(ProviderGroq, "gsk", server.URL, "", 5*time.Second)
			_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{Model: "m"})
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %T %v", err, err)
			}
			if perr.Kind != tt.want {
				t.Fatalf("expected kind %s, got %s", tt.want, perr.Kind)
			}
			if IsRateLimited(err) != (tt.want == KindRateLimit) {
				t.Fatalf("IsRateLimited mismatch for %s", tt.name)
			}
		})
	}
}

func TestIsRateLimited_UntypedFallback(t *testing.T) {
	if !IsRateLimited(errors.New("Error code: 429 - rate_limit_exceeded")) {
		t.Fatalf("expected substring match on rate_limit")
	}
	if !IsRateLimited(errors.New("Rate Limit reached for model")) {
		t.Fatalf("expected case-insensitive match")
	}
	if IsRateLimited(errors.New("invalid api key")) {
		t.Fatalf("unexpected rate limit match")
	}
	if IsRateLimited(nil) {
		t.Fatalf("nil is not rate limited")
	}
}
