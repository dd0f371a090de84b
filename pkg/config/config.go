package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from and priority_users can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Channels     ChannelsConfig     `json:"channels"`
	Providers    ProvidersConfig    `json:"providers"`
	Limits       LimitsConfig       `json:"limits"`
	Conversation ConversationConfig `json:"conversation"`
	Memory       MemoryConfig       `json:"memory"`
	Reply        ReplyConfig        `json:"reply"`
	State        StateConfig        `json:"state"`
	Gateway      GatewayConfig      `json:"gateway"`
	mu           sync.RWMutex
}

type AgentConfig struct {
	Name            string `json:"name" env:"LYSBOT_AGENT_NAME"`
	Personality     string `json:"personality" env:"LYSBOT_AGENT_PERSONALITY"`
	PersonalityFile string `json:"personality_file" env:"LYSBOT_AGENT_PERSONALITY_FILE"`
	RecordNotices   bool   `json:"record_notices" env:"LYSBOT_AGENT_RECORD_NOTICES"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"LYSBOT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"LYSBOT_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Default        string         `json:"default" env:"LYSBOT_PROVIDERS_DEFAULT"`
	Groq           ProviderConfig `json:"groq" envPrefix:"LYSBOT_PROVIDERS_GROQ_"`
	OpenAI         ProviderConfig `json:"openai" envPrefix:"LYSBOT_PROVIDERS_OPENAI_"`
	Quality        ModelProfile   `json:"quality" envPrefix:"LYSBOT_PROVIDERS_QUALITY_"`
	Fast           ModelProfile   `json:"fast" envPrefix:"LYSBOT_PROVIDERS_FAST_"`
	Temperature    float64        `json:"temperature" env:"LYSBOT_PROVIDERS_TEMPERATURE"`
	TimeoutSeconds int            `json:"timeout_seconds" env:"LYSBOT_PROVIDERS_TIMEOUT_SECONDS"`
}

// ProviderConfig holds the ordered credential list for one upstream API.
// Order matters: the rotator always tries keys front to back.
type ProviderConfig struct {
	APIKeys FlexibleStringSlice `json:"api_keys" env:"API_KEYS"`
	APIBase string              `json:"api_base" env:"API_BASE"`
	Proxy   string              `json:"proxy,omitempty" env:"PROXY"`
}

type ModelProfile struct {
	Model     string `json:"model" env:"MODEL"`
	MaxTokens int    `json:"max_tokens" env:"MAX_TOKENS"`
}

type LimitsConfig struct {
	DailyLimit      int                 `json:"daily_limit" env:"LYSBOT_LIMITS_DAILY_LIMIT"`
	PriorityUsers   FlexibleStringSlice `json:"priority_users" env:"LYSBOT_LIMITS_PRIORITY_USERS"`
	CooldownSeconds int                 `json:"cooldown_seconds" env:"LYSBOT_LIMITS_COOLDOWN_SECONDS"`
	QueueThreshold  int                 `json:"queue_threshold" env:"LYSBOT_LIMITS_QUEUE_THRESHOLD"`
	QueuePauseMS    int                 `json:"queue_pause_ms" env:"LYSBOT_LIMITS_QUEUE_PAUSE_MS"`
	UsagePruneCron  string              `json:"usage_prune_cron" env:"LYSBOT_LIMITS_USAGE_PRUNE_CRON"`
}

type ConversationConfig struct {
	Window               int `json:"window" env:"LYSBOT_CONVERSATION_WINDOW"`
	IdleTimeoutSeconds   int `json:"idle_timeout_seconds" env:"LYSBOT_CONVERSATION_IDLE_TIMEOUT_SECONDS"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" env:"LYSBOT_CONVERSATION_SWEEP_INTERVAL_SECONDS"`
}

type MemoryConfig struct {
	ExtractEvery       int `json:"extract_every" env:"LYSBOT_MEMORY_EXTRACT_EVERY"`
	ExtractTurns       int `json:"extract_turns" env:"LYSBOT_MEMORY_EXTRACT_TURNS"`
	MaxFacts           int `json:"max_facts" env:"LYSBOT_MEMORY_MAX_FACTS"`
	FactsPerExtraction int `json:"facts_per_extraction" env:"LYSBOT_MEMORY_FACTS_PER_EXTRACTION"`
	PreExtractDelayMS  int `json:"pre_extract_delay_ms" env:"LYSBOT_MEMORY_PRE_EXTRACT_DELAY_MS"`
	IdlePollMS         int `json:"idle_poll_ms" env:"LYSBOT_MEMORY_IDLE_POLL_MS"`
}

type ReplyConfig struct {
	SplitThreshold     int     `json:"split_threshold" env:"LYSBOT_REPLY_SPLIT_THRESHOLD"`
	MinDelayMS         int     `json:"min_delay_ms" env:"LYSBOT_REPLY_MIN_DELAY_MS"`
	MaxDelayMS         int     `json:"max_delay_ms" env:"LYSBOT_REPLY_MAX_DELAY_MS"`
	DoubleBubbleChance float64 `json:"double_bubble_chance" env:"LYSBOT_REPLY_DOUBLE_BUBBLE_CHANCE"`
	ChunkPauseMS       int     `json:"chunk_pause_ms" env:"LYSBOT_REPLY_CHUNK_PAUSE_MS"`
}

type StateConfig struct {
	Backend string `json:"backend" env:"LYSBOT_STATE_BACKEND"`
	Dir     string `json:"dir" env:"LYSBOT_STATE_DIR"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled" env:"LYSBOT_GATEWAY_ENABLED"`
	Host    string `json:"host" env:"LYSBOT_GATEWAY_HOST"`
	Port    int    `json:"port" env:"LYSBOT_GATEWAY_PORT"`
}

const DefaultPersonality = "You are Elyse, a friendly chatbot."

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:            "lys",
			Personality:     DefaultPersonality,
			PersonalityFile: "personality.txt",
			RecordNotices:   true,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			Default: "groq",
			Groq: ProviderConfig{
				APIKeys: FlexibleStringSlice{},
				APIBase: "https://api.groq.com/openai/v1",
			},
			OpenAI: ProviderConfig{
				APIKeys: FlexibleStringSlice{},
				APIBase: "https://api.openai.com/v1",
			},
			Quality: ModelProfile{
				Model:     "llama-3.3-70b-versatile",
				MaxTokens: 400,
			},
			Fast: ModelProfile{
				Model:     "llama-3.1-8b-instant",
				MaxTokens: 150,
			},
			Temperature:    0.8,
			TimeoutSeconds: 120,
		},
		Limits: LimitsConfig{
			DailyLimit:      50,
			PriorityUsers:   FlexibleStringSlice{},
			CooldownSeconds: 60,
			QueueThreshold:  2,
			QueuePauseMS:    2000,
			UsagePruneCron:  "@daily",
		},
		Conversation: ConversationConfig{
			Window:               20,
			IdleTimeoutSeconds:   300,
			SweepIntervalSeconds: 60,
		},
		Memory: MemoryConfig{
			ExtractEvery:       15,
			ExtractTurns:       10,
			MaxFacts:           20,
			FactsPerExtraction: 5,
			PreExtractDelayMS:  2000,
			IdlePollMS:         5000,
		},
		Reply: ReplyConfig{
			SplitThreshold:     100,
			MinDelayMS:         800,
			MaxDelayMS:         2000,
			DoubleBubbleChance: 0.3,
			ChunkPauseMS:       500,
		},
		State: StateConfig{
			Backend: "json",
			Dir:     "~/.lysbot/state",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
	}
}

// LoadConfig reads path (a missing file means defaults) and then overlays
// LYSBOT_* environment variables and the legacy bot variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	applyLegacyEnv(cfg)

	return cfg, nil
}

// applyLegacyEnv honours the variable names the bot has always been deployed
// with: DISCORD_BOT_TOKEN and GROQ_API_KEY_1..GROQ_API_KEY_9.
func applyLegacyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		cfg.Channels.Discord.Token = strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN"))
	}

	seen := make(map[string]struct{}, len(cfg.Providers.Groq.APIKeys))
	for _, k := range cfg.Providers.Groq.APIKeys {
		seen[k] = struct{}{}
	}
	for i := 1; i <= 9; i++ {
		key := strings.TrimSpace(os.Getenv(fmt.Sprintf("GROQ_API_KEY_%d", i)))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cfg.Providers.Groq.APIKeys = append(cfg.Providers.Groq.APIKeys, key)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports the settings a running gateway cannot do without.
func (c *Config) Validate(requireDiscord bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.activeProviderLocked().APIKeys) == 0 {
		return fmt.Errorf("providers.%s.api_keys is required (or LYSBOT_PROVIDERS_%s_API_KEYS / GROQ_API_KEY_1..9)",
			c.providerNameLocked(), strings.ToUpper(c.providerNameLocked()))
	}
	if requireDiscord && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required (or LYSBOT_CHANNELS_DISCORD_TOKEN / DISCORD_BOT_TOKEN)")
	}
	return nil
}

// ProviderName is the normalized name of the configured upstream.
func (c *Config) ProviderName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providerNameLocked()
}

// ActiveProvider returns the credential block of the configured upstream.
func (c *Config) ActiveProvider() ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeProviderLocked()
}

func (c *Config) providerNameLocked() string {
	name := strings.ToLower(strings.TrimSpace(c.Providers.Default))
	if name == "" {
		return "groq"
	}
	return name
}

func (c *Config) activeProviderLocked() ProviderConfig {
	if c.providerNameLocked() == "openai" {
		return c.Providers.OpenAI
	}
	return c.Providers.Groq
}

func (c *Config) StatePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.State.Dir)
}

// PersonalityText prefers the personality file and falls back to the inline text.
func (c *Config) PersonalityText() string {
	c.mu.RLock()
	file := expandHome(strings.TrimSpace(c.Agent.PersonalityFile))
	inline := strings.TrimSpace(c.Agent.Personality)
	c.mu.RUnlock()

	if file != "" {
		if data, err := os.ReadFile(file); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				return text
			}
		}
	}
	if inline != "" {
		return inline
	}
	return DefaultPersonality
}

func Seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func Milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
