package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Mailbox polling bounds, in seconds.
const (
	MinMailboxPollSeconds = 60
	MaxMailboxPollSeconds = 120
)

// Config root configuration
type Config struct {
	Vault     VaultConfig     `mapstructure:"vault" json:"vault"`
	Intake    IntakeConfig    `mapstructure:"intake" json:"intake"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox" json:"mailbox"`
	Reasoning ReasoningConfig `mapstructure:"reasoning" json:"reasoning"`
	Providers ProvidersConfig `mapstructure:"providers" json:"providers"`
	Approval  ApprovalConfig  `mapstructure:"approval" json:"approval"`
	Policy    PolicyConfig    `mapstructure:"policy" json:"policy"`
	Executor  ExecutorConfig  `mapstructure:"executor" json:"executor"`
	Retry     RetryConfig     `mapstructure:"retry" json:"retry"`
	Telegram  TelegramConfig  `mapstructure:"telegram" json:"telegram"`
	Briefing  BriefingConfig  `mapstructure:"briefing" json:"briefing"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
}

// VaultConfig locates the vault.
type VaultConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// IntakeConfig drop-folder watcher settings
type IntakeConfig struct {
	Enabled             bool `mapstructure:"enabled" json:"enabled"`
	StabilityIntervalMs int  `mapstructure:"stability_interval_ms" json:"stability_interval_ms"`
	StableSamples       int  `mapstructure:"stable_samples" json:"stable_samples"`
}

// MailboxConfig Gmail poller settings
type MailboxConfig struct {
	Enabled         bool     `mapstructure:"enabled" json:"enabled"`
	CredentialsFile string   `mapstructure:"credentials_file" json:"credentials_file"`
	TokenFile       string   `mapstructure:"token_file" json:"token_file"`
	From            string   `mapstructure:"from" json:"from"`
	Labels          []string `mapstructure:"labels" json:"labels"`
	PollInterval    int      `mapstructure:"poll_interval" json:"poll_interval"` // seconds
	Timeout         int      `mapstructure:"timeout" json:"timeout"`             // seconds
	RateLimit       float64  `mapstructure:"rate_limit" json:"rate_limit"`       // requests per second
}

// ReasoningConfig plan generation settings
type ReasoningConfig struct {
	Generator    string  `mapstructure:"generator" json:"generator"` // rules | model
	Provider     string  `mapstructure:"provider" json:"provider"`
	Model        string  `mapstructure:"model" json:"model"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature" json:"temperature"`
	PollInterval int     `mapstructure:"poll_interval" json:"poll_interval"` // seconds
	Timeout      int     `mapstructure:"timeout" json:"timeout"`             // seconds
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenAI     ProviderConfig `mapstructure:"openai" json:"openai"`
	OpenRouter ProviderConfig `mapstructure:"openrouter" json:"openrouter"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek" json:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama" json:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// ApprovalConfig approval gate settings
type ApprovalConfig struct {
	TTL          int `mapstructure:"ttl" json:"ttl"`                     // minutes
	PollInterval int `mapstructure:"poll_interval" json:"poll_interval"` // seconds
}

// PolicyConfig sensitivity settings
type PolicyConfig struct {
	SensitiveKinds []string `mapstructure:"sensitive_kinds" json:"sensitive_kinds"`
	SpendThreshold float64  `mapstructure:"spend_threshold" json:"spend_threshold"`
}

// ExecutorConfig action executor settings
type ExecutorConfig struct {
	PollInterval int `mapstructure:"poll_interval" json:"poll_interval"` // seconds
	Timeout      int `mapstructure:"timeout" json:"timeout"`             // seconds
	MaxAttempts  int `mapstructure:"max_attempts" json:"max_attempts"`
}

// RetryConfig backoff settings for external calls
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts" json:"max_attempts"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms" json:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms" json:"max_interval_ms"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"token"`
	ChatID  int64  `mapstructure:"chat_id" json:"chat_id"`
	Channel string `mapstructure:"channel" json:"channel"`
}

// BriefingConfig daily briefing settings
type BriefingConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// GatewayConfig status API settings
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	Token   string `mapstructure:"token" json:"token"`
}

// DashboardConfig dashboard refresh settings
type DashboardConfig struct {
	Interval      int `mapstructure:"interval" json:"interval"` // seconds
	RecentEntries int `mapstructure:"recent_entries" json:"recent_entries"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	File   string `mapstructure:"file" json:"file"`
	Format string `mapstructure:"format" json:"format"` // text | json
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return &Config{
		Vault: VaultConfig{Path: filepath.Join(homeDir, "Deskhand")},
		Intake: IntakeConfig{
			Enabled:             true,
			StabilityIntervalMs: 1000,
			StableSamples:       2,
		},
		Mailbox: MailboxConfig{
			Enabled:         false,
			CredentialsFile: filepath.Join(homeDir, ".deskhand", "credentials.json"),
			TokenFile:       filepath.Join(homeDir, ".deskhand", "token.json"),
			Labels:          []string{"INBOX"},
			PollInterval:    90,
			Timeout:         30,
			RateLimit:       1,
		},
		Reasoning: ReasoningConfig{
			Generator:    "rules",
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			MaxTokens:    1024,
			Temperature:  0.2,
			PollInterval: 5,
			Timeout:      60,
		},
		Approval: ApprovalConfig{
			TTL:          24 * 60,
			PollInterval: 5,
		},
		Policy: PolicyConfig{
			SensitiveKinds: []string{},
			SpendThreshold: 100,
		},
		Executor: ExecutorConfig{
			PollInterval: 5,
			Timeout:      60,
			MaxAttempts:  3,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialIntervalMs: 500,
			MaxIntervalMs:     30000,
		},
		Briefing: BriefingConfig{
			Enabled:  true,
			Schedule: "0 8 * * *",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18791,
		},
		Dashboard: DashboardConfig{
			Interval:      10,
			RecentEntries: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the deskhand config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".deskhand")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path, writing defaults on first use.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from configPath or creates it with defaults.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("DESKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes config as indented JSON.
func SaveTo(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks ranges and fills or clamps values that have a safe default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault.Path) == "" {
		return fmt.Errorf("vault.path must not be empty")
	}
	c.Vault.Path = expandHome(c.Vault.Path)

	if c.Intake.StabilityIntervalMs <= 0 {
		c.Intake.StabilityIntervalMs = 1000
	}
	if c.Intake.StableSamples < 1 {
		c.Intake.StableSamples = 1
	}

	if c.Mailbox.PollInterval < MinMailboxPollSeconds {
		c.Mailbox.PollInterval = MinMailboxPollSeconds
	}
	if c.Mailbox.PollInterval > MaxMailboxPollSeconds {
		c.Mailbox.PollInterval = MaxMailboxPollSeconds
	}
	if c.Mailbox.Timeout <= 0 {
		c.Mailbox.Timeout = 30
	}
	if c.Mailbox.RateLimit <= 0 {
		c.Mailbox.RateLimit = 1
	}
	if c.Mailbox.Enabled && strings.TrimSpace(c.Mailbox.CredentialsFile) == "" {
		return fmt.Errorf("mailbox.credentials_file is required when the mailbox is enabled")
	}
	c.Mailbox.CredentialsFile = expandHome(c.Mailbox.CredentialsFile)
	c.Mailbox.TokenFile = expandHome(c.Mailbox.TokenFile)

	gen := strings.ToLower(strings.TrimSpace(c.Reasoning.Generator))
	switch gen {
	case "":
		gen = "rules"
	case "rules", "model":
	default:
		return fmt.Errorf("reasoning.generator must be one of rules, model; got %q", c.Reasoning.Generator)
	}
	c.Reasoning.Generator = gen
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2.0 {
		return fmt.Errorf("reasoning.temperature must be between 0 and 2.0, got %f", c.Reasoning.Temperature)
	}
	if c.Reasoning.MaxTokens <= 0 {
		c.Reasoning.MaxTokens = 1024
	}
	if c.Reasoning.PollInterval <= 0 {
		c.Reasoning.PollInterval = 5
	}
	if c.Reasoning.Timeout <= 0 {
		c.Reasoning.Timeout = 60
	}

	if c.Approval.TTL <= 0 {
		c.Approval.TTL = 24 * 60
	}
	if c.Approval.PollInterval <= 0 {
		c.Approval.PollInterval = 5
	}

	if c.Policy.SpendThreshold < 0 {
		return fmt.Errorf("policy.spend_threshold must not be negative, got %f", c.Policy.SpendThreshold)
	}

	if c.Executor.PollInterval <= 0 {
		c.Executor.PollInterval = 5
	}
	if c.Executor.Timeout <= 0 {
		c.Executor.Timeout = 60
	}
	if c.Executor.MaxAttempts < 1 {
		c.Executor.MaxAttempts = 3
	}

	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialIntervalMs <= 0 {
		c.Retry.InitialIntervalMs = 500
	}
	if c.Retry.MaxIntervalMs < c.Retry.InitialIntervalMs {
		c.Retry.MaxIntervalMs = c.Retry.InitialIntervalMs
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	if c.Briefing.Enabled {
		if strings.TrimSpace(c.Briefing.Schedule) == "" {
			c.Briefing.Schedule = "0 8 * * *"
		}
		if _, err := gronx.NextTickAfter(c.Briefing.Schedule, time.Now(), false); err != nil {
			return fmt.Errorf("briefing.schedule is not a valid cron expression %q: %w", c.Briefing.Schedule, err)
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	if c.Dashboard.Interval <= 0 {
		c.Dashboard.Interval = 10
	}
	if c.Dashboard.RecentEntries <= 0 {
		c.Dashboard.RecentEntries = 10
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}
	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be one of text, json; got %q", c.Log.Format)
	}
	c.Log.File = expandHome(c.Log.File)

	return nil
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path[1:], string(filepath.Separator)), "/")
	return filepath.Join(homeDir, rest)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// StabilityInterval is the drop-folder sampling period.
func (c IntakeConfig) StabilityInterval() time.Duration {
	return time.Duration(c.StabilityIntervalMs) * time.Millisecond
}

func (c MailboxConfig) PollDuration() time.Duration    { return seconds(c.PollInterval) }
func (c MailboxConfig) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

func (c ReasoningConfig) PollDuration() time.Duration    { return seconds(c.PollInterval) }
func (c ReasoningConfig) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

// TTLDuration is how long a pending request may wait for a decision.
func (c ApprovalConfig) TTLDuration() time.Duration  { return time.Duration(c.TTL) * time.Minute }
func (c ApprovalConfig) PollDuration() time.Duration { return seconds(c.PollInterval) }

func (c ExecutorConfig) PollDuration() time.Duration    { return seconds(c.PollInterval) }
func (c ExecutorConfig) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

func (c DashboardConfig) IntervalDuration() time.Duration { return seconds(c.Interval) }

// Address is the listen address of the status API.
func (c GatewayConfig) Address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }
