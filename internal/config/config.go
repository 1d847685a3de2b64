// Package config handles Botodachi configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nugget/botodachi/internal/logging"
	"github.com/nugget/botodachi/internal/paths"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the port the companion API listens on when none is set.
const DefaultPort = 8787

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/botodachi/config.yaml, /etc/botodachi/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "botodachi", "config.yaml"))
	}

	paths = append(paths, "/etc/botodachi/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Botodachi configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	DataDir     string          `yaml:"data_dir"`
	LogLevel    string          `yaml:"log_level"`
	LogFormat   string          `yaml:"log_format"` // text or json
	LogFile     string          `yaml:"log_file"`   // optional JSON log file
	PersonaFile string          `yaml:"persona_file"`
	Captions    CaptionsConfig  `yaml:"captions"`
	Session     SessionConfig   `yaml:"session"`
	Poll        PollConfig      `yaml:"poll"`
	Ask         AskConfig       `yaml:"ask"`
	Models      ModelsConfig    `yaml:"models"`
	Anthropic   AnthropicConfig `yaml:"anthropic"`
	OpenAI      OpenAIConfig    `yaml:"openai"`
	Google      GoogleConfig    `yaml:"google"`
	Retry       RetryConfig     `yaml:"retry"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Recap       RecapConfig     `yaml:"recap"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Unlisted models are free.
	Pricing map[string]PricingEntry `yaml:"pricing" validate:"dive"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	// AllowedOrigins are web origins, besides browser extensions, that
	// may call the API from a page.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CaptionsConfig controls the per-session caption buffer.
type CaptionsConfig struct {
	RetentionSeconds      float64 `yaml:"retention_seconds" validate:"gte=0"`
	MergeToleranceSeconds float64 `yaml:"merge_tolerance_seconds" validate:"gte=0"`
	// SpoilerLookaheadSeconds is a pointer so an explicit 0 (no
	// tolerance) is distinguishable from unset.
	SpoilerLookaheadSeconds *float64 `yaml:"spoiler_lookahead_seconds" validate:"omitempty,gte=0"`
	MaxCues                 int      `yaml:"max_cues" validate:"gte=0"`
	Strict                  bool     `yaml:"strict"`
}

// SpoilerLookahead returns the configured lookahead, or the default.
func (c CaptionsConfig) SpoilerLookahead() float64 {
	if c.SpoilerLookaheadSeconds == nil {
		return DefaultSpoilerLookahead
	}
	return *c.SpoilerLookaheadSeconds
}

// SessionConfig controls conversation history and page reaping.
type SessionConfig struct {
	MaxTurns      int           `yaml:"max_turns"`
	HistoryWindow int           `yaml:"history_window"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// PollConfig controls the per-page caption poller.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AskConfig controls question handling.
type AskConfig struct {
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxQuestionLength int           `yaml:"max_question_length" validate:"gte=0"`
	Temperature       float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available" validate:"dive"`
}

// ModelConfig defines a single model.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai, google
	// ContextCues overrides the number of caption cues sent with each
	// question. Zero uses the provider default.
	ContextCues int `yaml:"context_cues" validate:"gte=0"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// OpenAIConfig defines settings for OpenAI or any OpenAI-compatible API.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// GoogleConfig defines Gemini API settings.
type GoogleConfig struct {
	APIKey string `yaml:"api_key"`
}

// RetryConfig controls retries of failed LLM calls.
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million" validate:"gte=0"`
	OutputPerMillion float64 `yaml:"output_per_million" validate:"gte=0"`
}

// MQTTConfig defines the optional Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// RecapConfig controls the background worker that writes recaps of
// archived sessions. Off unless enabled.
type RecapConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Model    string        `yaml:"model"` // default: models.default
	Interval time.Duration `yaml:"interval"`
	MinCues  int           `yaml:"min_cues" validate:"gte=0"`
}

// Configured reports whether a broker was set.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// Defaults applied by applyDefaults.
const (
	DefaultListenAddress         = "127.0.0.1"
	DefaultDataDir               = "./data"
	DefaultOllamaURL             = "http://localhost:11434"
	DefaultModel                 = "llama3.2:3b"
	DefaultSpoilerLookahead      = 10.0
	DefaultRetentionSeconds      = 1800.0
	DefaultMergeToleranceSeconds = 1.0
	DefaultMaxCues               = 5000
	DefaultMaxTurns              = 10
	DefaultHistoryWindow         = 20
	DefaultIdleTimeout           = 30 * time.Minute
	DefaultPollInterval          = 300 * time.Millisecond
	DefaultAskTimeout            = 60 * time.Second
	DefaultMaxQuestionLength     = 500
	DefaultTemperature           = 0.2
	DefaultMaxTokens             = 400
	DefaultMaxRetries            = 3
	DefaultRetryInitial          = 500 * time.Millisecond
	DefaultRetryMax              = 10 * time.Second
	DefaultRetryElapsed          = 45 * time.Second
	DefaultDiscoveryPrefix       = "homeassistant"
	DefaultDeviceName            = "botodachi"
	DefaultPublishInterval       = 30 * time.Second
	minPublishInterval           = 5 * time.Second
	DefaultRecapInterval         = 5 * time.Minute
	DefaultRecapMinCues          = 10
	minRecapInterval             = 30 * time.Second
)

// Known model providers.
var knownProviders = map[string]bool{
	"ollama":    true,
	"anthropic": true,
	"openai":    true,
	"google":    true,
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// resolvePaths expands ~ in the file locations and the config: and
// data: prefixes, which name configDir and DataDir.
func (c *Config) resolvePaths(configDir string) {
	c.DataDir = paths.ExpandHome(c.DataDir)
	r := paths.New(map[string]string{
		"config": configDir,
		"data":   c.DataDir,
	})
	c.PersonaFile = r.Resolve(c.PersonaFile)
	c.LogFile = r.Resolve(c.LogFile)
}

// applyDefaults fills every zero field that has a sensible default.
func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = DefaultListenAddress
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Captions.RetentionSeconds == 0 {
		c.Captions.RetentionSeconds = DefaultRetentionSeconds
	}
	if c.Captions.MergeToleranceSeconds == 0 {
		c.Captions.MergeToleranceSeconds = DefaultMergeToleranceSeconds
	}
	if c.Captions.SpoilerLookaheadSeconds == nil {
		v := DefaultSpoilerLookahead
		c.Captions.SpoilerLookaheadSeconds = &v
	}
	if c.Captions.MaxCues == 0 {
		c.Captions.MaxCues = DefaultMaxCues
	}

	if c.Session.MaxTurns == 0 {
		c.Session.MaxTurns = DefaultMaxTurns
	}
	if c.Session.HistoryWindow == 0 {
		c.Session.HistoryWindow = DefaultHistoryWindow
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = DefaultIdleTimeout
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = DefaultPollInterval
	}

	if c.Ask.Timeout == 0 {
		c.Ask.Timeout = DefaultAskTimeout
	}
	if c.Ask.MaxQuestionLength == 0 {
		c.Ask.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if c.Ask.Temperature == 0 {
		c.Ask.Temperature = DefaultTemperature
	}
	if c.Ask.MaxTokens == 0 {
		c.Ask.MaxTokens = DefaultMaxTokens
	}

	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = DefaultOllamaURL
	}
	if c.Models.Default == "" {
		if len(c.Models.Available) > 0 {
			c.Models.Default = c.Models.Available[0].Name
		} else {
			c.Models.Default = DefaultModel
		}
	}
	if len(c.Models.Available) == 0 {
		c.Models.Available = []ModelConfig{{Name: c.Models.Default, Provider: "ollama"}}
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = DefaultRetryInitial
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = DefaultRetryMax
	}
	if c.Retry.MaxElapsed == 0 {
		c.Retry.MaxElapsed = DefaultRetryElapsed
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = DefaultPublishInterval
	}

	if c.Recap.Model == "" {
		c.Recap.Model = c.Models.Default
	}
	if c.Recap.Interval == 0 {
		c.Recap.Interval = DefaultRecapInterval
	}
	if c.Recap.MinCues == 0 {
		c.Recap.MinCues = DefaultRecapMinCues
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, checkFields(c)...)
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Models.Available))
	var needAnthropic, needOpenAI, needGoogle bool
	for i, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models.available[%d]: name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("models.available: duplicate model %q", m.Name))
		}
		seen[m.Name] = true
		if !knownProviders[m.Provider] {
			errs = append(errs, fmt.Errorf("models.available[%s]: unknown provider %q", m.Name, m.Provider))
		}
		switch m.Provider {
		case "anthropic":
			needAnthropic = true
		case "openai":
			needOpenAI = true
		case "google":
			needGoogle = true
		}
	}
	if !seen[c.Models.Default] {
		errs = append(errs, fmt.Errorf("models.default %q is not listed in models.available", c.Models.Default))
	}
	if needAnthropic && c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key is required by an anthropic model"))
	}
	if needOpenAI && c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
		errs = append(errs, errors.New("openai.api_key or openai.base_url is required by an openai model"))
	}
	if needGoogle && c.Google.APIKey == "" {
		errs = append(errs, errors.New("google.api_key is required by a google model"))
	}

	if c.MQTT.Configured() && c.MQTT.PublishInterval < minPublishInterval {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval %s is below the %s minimum", c.MQTT.PublishInterval, minPublishInterval))
	}

	if c.Recap.Enabled {
		if !seen[c.Recap.Model] {
			errs = append(errs, fmt.Errorf("recap.model %q is not listed in models.available", c.Recap.Model))
		}
		if c.Recap.Interval < minRecapInterval {
			errs = append(errs, fmt.Errorf("recap.interval %s is below the %s minimum", c.Recap.Interval, minRecapInterval))
		}
	}

	return errors.Join(errs...)
}

// fieldRules checks the validate struct tags. Errors name fields by their
// YAML path, e.g. pricing[claude].input_per_million.
var fieldRules = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

func checkFields(c *Config) []error {
	err := fieldRules.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if err != nil {
			return []error{err}
		}
		return nil
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "gte":
			out = append(out, fmt.Errorf("%s must be at least %s", name, fe.Param()))
		case "lte":
			out = append(out, fmt.Errorf("%s must be at most %s", name, fe.Param()))
		case "min", "max":
			out = append(out, fmt.Errorf("%s %v out of range", name, fe.Value()))
		default:
			out = append(out, fmt.Errorf("%s failed %s", name, fe.Tag()))
		}
	}
	return out
}

// ModelProvider returns the provider configured for model, or "ollama"
// when the model is not listed.
func (c *Config) ModelProvider(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// UsagePath returns the usage ledger location under DataDir.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "usage.db")
}

// DatabasePath returns the archive database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "botodachi.db")
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
