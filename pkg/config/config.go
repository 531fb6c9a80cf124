// Package config loads chorus settings from defaults, a TOML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore, e.g. CHORUS_GENERATION__PENDING_WAIT=2s.
const EnvPrefix = "CHORUS_"

// Config represents the application configuration
type Config struct {
	LLM struct {
		Provider    string  `koanf:"provider"` // gemini or mock
		Model       string  `koanf:"model"`
		APIKey      string  `koanf:"api_key"`
		Temperature float64 `koanf:"temperature"`
	} `koanf:"llm"`

	Generation struct {
		Stagger       time.Duration `koanf:"stagger"`
		PendingWait   time.Duration `koanf:"pending_wait"`
		RatePerMinute float64       `koanf:"rate_per_minute"`
		Burst         int           `koanf:"burst"`
	} `koanf:"generation"`

	Images struct {
		Dir      string        `koanf:"dir"`
		Attempts int           `koanf:"attempts"`
		Backoff  time.Duration `koanf:"backoff"`
	} `koanf:"images"`

	Store struct {
		Driver string `koanf:"driver"` // json or sqlite
		Path   string `koanf:"path"`
	} `koanf:"store"`

	Characters struct {
		File string `koanf:"file"`
	} `koanf:"characters"`

	Log struct {
		Level    string `koanf:"level"`
		Activity    string `koanf:"activity"`     // *.jsonl file or segment directory, empty disables
		SegmentSize int    `koanf:"segment_size"` // events per segment in directory mode
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"llm.provider":               "gemini",
		"llm.model":                  "gemini-2.5-flash",
		"generation.stagger":         "500ms",
		"generation.pending_wait":    "1s",
		"generation.rate_per_minute": 0,
		"generation.burst":           1,
		"images.attempts":            3,
		"images.backoff":             "500ms",
		"store.driver":               "json",
		"store.path":                 "data",
		"log.level":                  "info",
		"log.segment_size":           500,
	}
}

// Load loads the configuration. An empty path tries the default locations.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range []string{"./chorus.toml", "$HOME/.chorus.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// envKey maps CHORUS_STORE__DRIVER to store.driver.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case "gemini", "mock":
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be within [0, 2]")
	}

	switch cfg.Store.Driver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if cfg.Generation.Stagger < 0 {
		return fmt.Errorf("generation stagger must not be negative")
	}
	if cfg.Generation.PendingWait <= 0 {
		return fmt.Errorf("generation pending_wait must be positive")
	}
	if cfg.Generation.RatePerMinute < 0 {
		return fmt.Errorf("generation rate_per_minute must not be negative")
	}
	if cfg.Images.Attempts < 1 {
		return fmt.Errorf("images attempts must be at least 1")
	}
	return nil
}

// InitConfig writes a sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# Chorus Configuration

[llm]
provider = "gemini"
model = "gemini-2.5-flash"
# api_key = "" # defaults to GOOGLE_API_KEY
temperature = 0.8

[generation]
stagger = "500ms"
pending_wait = "1s"
rate_per_minute = 30
burst = 2

[images]
dir = "data/images"
attempts = 3
backoff = "500ms"

[store]
driver = "sqlite"
path = "data/chorus.db"

[characters]
# file = "characters.yaml"

[log]
level = "info"
activity = "data/activity"
segment_size = 500
`
	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}
