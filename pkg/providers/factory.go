package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/elyse-undan/lys-bot/pkg/config"
)

// BuildFunc creates a provider bound to one API key.
type BuildFunc func(cfg *config.Config, apiKey string) (LLMProvider, error)

var (
	factoryMu       sync.RWMutex
	factories       = map[string]BuildFunc{}
	registrationErr error
)

func RegisterFactory(name string, build BuildFunc) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required for %q", name))
		return
	}
	factories[name] = build
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderGroq
	}
	return name
}

// CreateCredentials builds one provider per configured API key, in order.
func CreateCredentials(cfg *config.Config) ([]Credential, error) {
	name := NormalizeProviderName(cfg.ProviderName())

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider registration failed: %w", err)
	}
	build, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}

	keys := cfg.ActiveProvider().APIKeys
	creds := make([]Credential, 0, len(keys))
	for i, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		p, err := build(cfg, key)
		if err != nil {
			return nil, fmt.Errorf("build %s credential %d: %w", name, i+1, err)
		}
		creds = append(creds, Credential{Label: fmt.Sprintf("%s#%d", name, i+1), Provider: p})
	}
	return creds, nil
}

// CreateRotator wires every configured credential into a Rotator using the
// configured cooldown, temperature and model profiles.
func CreateRotator(cfg *config.Config) (*Rotator, error) {
	creds, err := CreateCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return NewRotator(creds, RotatorOptions{
		Cooldown:    config.Seconds(cfg.Limits.CooldownSeconds),
		Temperature: cfg.Providers.Temperature,
		Quality:     Profile{Model: cfg.Providers.Quality.Model, MaxTokens: cfg.Providers.Quality.MaxTokens},
		Fast:        Profile{Model: cfg.Providers.Fast.Model, MaxTokens: cfg.Providers.Fast.MaxTokens},
	}), nil
}
