package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderMock     = "mock"
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		// OutlineTimeout bounds one outline draft on the server.
		OutlineTimeout time.Duration `yaml:"outline_timeout"`
	} `yaml:"server"`
	// Service is the generation backend the CLI talks to.
	Service struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"service"`
	LLM LLM `yaml:"llm"`
}

type LLM struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8000"
	cfg.Server.OutlineTimeout = 60 * time.Second
	cfg.Service.URL = "http://localhost:8000"
	cfg.Service.Timeout = 60 * time.Second
	cfg.LLM.Provider = ProviderMock
	return &cfg
}

// Load reads .env if present, then the YAML file at path over the defaults,
// then the environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("ESG_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ESG_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ESG_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ESG_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ESG_SERVICE_URL"); v != "" {
		cfg.Service.URL = v
	}
	if cfg.LLM.APIKey == "" && cfg.LLM.APIKeyEnv != "" {
		cfg.LLM.APIKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	return cfg, nil
}

// Validate checks the LLM settings for the selected provider.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderMock:
	case ProviderOpenAI, ProviderDeepSeek:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm provider %s requires an api key (api_key, api_key_env or OPENAI_API_KEY)", c.LLM.Provider)
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("llm provider %s requires a model", c.LLM.Provider)
		}
		if c.LLM.Provider == ProviderDeepSeek && c.LLM.BaseURL == "" {
			return errors.New("llm provider deepseek requires base_url (OpenAI-compatible endpoint)")
		}
	default:
		return fmt.Errorf("llm provider %q not supported", c.LLM.Provider)
	}
	if c.Server.OutlineTimeout < 0 || c.Service.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}
