package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/RichardoC/chat-relay/internal/llm"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Environment selects logger behaviour.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

func (e Environment) IsProduction() bool {
	return e == Production
}

type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	BotToken    string `envconfig:"BOT_TOKEN" required:"true"`
	PollTimeout int    `envconfig:"POLL_TIMEOUT" default:"60"`

	Backend          Backend       `envconfig:"HISTORY_BACKEND" default:"sqlite"`
	DBPath           string        `envconfig:"DB_PATH" default:"data/messages.db"`
	RedisURL         string        `envconfig:"REDIS_URL"`
	RedisDialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`

	LLMProvider   llm.Provider  `envconfig:"LLM_PROVIDER" default:"ollama"`
	ModelName     string        `envconfig:"MODEL_NAME" default:"llama3.2"`
	OllamaURL     string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	OpenAIBaseURL string        `envconfig:"OPENAI_BASE_URL" default:"http://localhost:11434/v1/"`
	OpenAIAPIKey  string        `envconfig:"OPENAI_API_KEY" default:"ollama"`
	LLMTimeout    time.Duration `envconfig:"LLM_TIMEOUT" default:"0s"`
	SystemPrompt  string        `envconfig:"SYSTEM_PROMPT"`

	AdminAddr   string      `envconfig:"ADMIN_ADDR" default:"127.0.0.1:8100"`
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
}

// Load reads envFiles (missing files are skipped) and then the process
// environment. Variables already set win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required when HISTORY_BACKEND=sqlite")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when HISTORY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown HISTORY_BACKEND %q", c.Backend)
	}

	switch c.LLMProvider {
	case llm.ProviderOllama, llm.ProviderOpenAI:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.ModelName == "" {
		return errors.New("MODEL_NAME must not be empty")
	}
	if c.LLMTimeout < 0 {
		return errors.New("LLM_TIMEOUT must not be negative")
	}

	switch c.Environment {
	case Development, Production:
	default:
		return fmt.Errorf("unknown ENVIRONMENT %q", c.Environment)
	}
	return nil
}

// LLM returns the inference client settings.
func (c *Config) LLM() llm.Config {
	return llm.Config{
		Provider:      c.LLMProvider,
		Model:         c.ModelName,
		OllamaURL:     c.OllamaURL,
		OpenAIBaseURL: c.OpenAIBaseURL,
		OpenAIToken:   c.OpenAIAPIKey,
		Timeout:       c.LLMTimeout,
		SystemPrompt:  c.SystemPrompt,
	}
}
