// Package config resolves how llmi reaches its chat/completions provider.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// ProviderOpenAI streams from an OpenAI-compatible gateway.
	ProviderOpenAI = "openai"
	// ProviderLorem streams generated placeholder text without a network.
	ProviderLorem = "lorem"

	// DefaultModel is used when neither file nor environment names one.
	DefaultModel = "mixtral-8x7b-32768"
	// DefaultMaxTokens caps replies when unset.
	DefaultMaxTokens = 3000
)

// envKeys maps environment variables onto config keys.
var envKeys = map[string]string{
	"LLM_PROVIDER":   "provider",
	"LLM_ENDPOINT":   "endpoint",
	"LLM_API_KEY":    "api_key",
	"LLM_MODEL":      "model",
	"LLM_MAX_TOKENS": "max_tokens",
	"LLM_TIMEOUT_MS": "timeout_ms",
}

// configCandidates are searched in order inside the config directory.
var configCandidates = []string{"config.yaml", "config.yml", "config.toml", "config.json"}

// ProviderConfig defines how llmi connects to its provider.
type ProviderConfig struct {
	// Provider selects the transport: openai or lorem.
	Provider string `koanf:"provider"`
	// Endpoint is the gateway base URL or full chat/completions URL.
	Endpoint string `koanf:"endpoint"`
	// APIKey is the bearer token used for Authorization.
	APIKey string `koanf:"api_key"`
	// Model is the model alias or provider model id.
	Model string `koanf:"model"`
	// MaxTokens caps the reply length.
	MaxTokens int `koanf:"max_tokens"`
	// TimeoutMS bounds a request in milliseconds; zero means no limit.
	TimeoutMS int `koanf:"timeout_ms"`
	// ModelAliases maps friendly names to provider model ids.
	ModelAliases map[string]string `koanf:"model_aliases"`

	// Source is the config file that was read, if any.
	Source string `koanf:"-"`
}

// Timeout returns TimeoutMS as a duration.
func (c *ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

var (
	// ErrProviderConfigInvalid is returned when required fields are missing.
	ErrProviderConfigInvalid = errors.New("provider config invalid")
	// ErrUnsupportedConfigFormat is returned for unknown file extensions.
	ErrUnsupportedConfigFormat = errors.New("unsupported config format")
)

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// ConfigPath is an explicit config file; empty means discovery under
	// the XDG config directory. An explicit path must exist.
	ConfigPath string
	// DotEnvPath is the .env file; empty means ".env" in the working
	// directory. A missing .env file is not an error.
	DotEnvPath string
	// Overrides are applied last, keyed like the config file. Command-line
	// flags land here.
	Overrides map[string]any
}

// DefaultConfigDir returns the directory searched for config files.
func DefaultConfigDir() string {
	return filepath.Join(xdg.ConfigHome, "llmi")
}

// Load merges the config file, the .env file, the environment and the
// overrides, in that order of increasing precedence, then applies defaults
// and validates.
func Load(opts LoadOptions) (*ProviderConfig, error) {
	k := koanf.New(".")

	path := opts.ConfigPath
	if path == "" {
		path = discoverConfigFile(DefaultConfigDir())
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	if path != "" {
		parser := parserForExtension(path)
		if parser == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfigFormat, filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("parse provider config: %w", err)
		}
	}

	// godotenv never overrides variables that are already set.
	dotEnv := opts.DotEnvPath
	if dotEnv == "" {
		dotEnv = ".env"
	}
	if err := godotenv.Load(dotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotEnv, err)
	}

	for name, key := range envKeys {
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := setEnvValue(k, name, key, value); err != nil {
			return nil, err
		}
	}

	for key, value := range opts.Overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	var cfg ProviderConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	cfg.Source = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setEnvValue stores one environment override, converting numeric keys.
func setEnvValue(k *koanf.Koanf, name string, key string, value string) error {
	switch key {
	case "max_tokens", "timeout_ms":
		number, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrProviderConfigInvalid, name, value)
		}
		return k.Set(key, number)
	default:
		return k.Set(key, value)
	}
}

// applyDefaults fills optional fields.
func (c *ProviderConfig) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.TimeoutMS < 0 {
		c.TimeoutMS = 0
	}
	if c.ModelAliases == nil {
		c.ModelAliases = make(map[string]string)
	}
}

// Validate checks the fields the selected provider needs.
func (c *ProviderConfig) Validate() error {
	switch c.Provider {
	case ProviderOpenAI:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: endpoint is required (set LLM_ENDPOINT)", ErrProviderConfigInvalid)
		}
	case ProviderLorem:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrProviderConfigInvalid, c.Provider)
	}
	return nil
}

// ResolveModel returns the model for the session. A CLI choice beats the
// configured one; either may be an alias.
func ResolveModel(cfg *ProviderConfig, cliModel string) string {
	if cliModel != "" {
		return aliasModel(cfg, cliModel)
	}
	if cfg == nil {
		return DefaultModel
	}
	return aliasModel(cfg, cfg.Model)
}

// aliasModel resolves an alias to a provider model name.
func aliasModel(cfg *ProviderConfig, name string) string {
	if cfg == nil {
		return name
	}
	if aliased, ok := cfg.ModelAliases[name]; ok {
		return aliased
	}
	return name
}

// discoverConfigFile returns the first candidate present in dir.
func discoverConfigFile(dir string) string {
	for _, candidate := range configCandidates {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// parserForExtension picks the koanf parser for a config file.
func parserForExtension(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Parser()
	case ".toml":
		return toml.Parser()
	case ".json":
		return json.Parser()
	default:
		return nil
	}
}
