package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopmate/chat-web-ui/internal/chat"
	"github.com/shopmate/chat-web-ui/internal/handlers"
	"github.com/shopmate/chat-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type assistantConfig interface {
	assistant(systemPrompt string, logger *slog.Logger) (handlers.Assistant, handlers.HistorySource, error)
}

// BaseAssistantConfig contains the common fields for all assistant backend
// configurations.
type BaseAssistantConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port          string          `yaml:"port"`
	SystemPrompt  string          `yaml:"systemPrompt"`
	StreamTimeout string          `yaml:"streamTimeout"`
	Assistant     assistantConfig `yaml:"assistant"`
}

type upstreamConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	BaseURL             string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	Host                string `yaml:"host"`
	Model               string `yaml:"model"`
}

type openaiConfig struct {
	BaseAssistantConfig `yaml:",inline"`
	APIKey              string `yaml:"apiKey"`
	BaseURL             string `yaml:"baseURL"`
	Model               string `yaml:"model"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string         `yaml:"port"`
		SystemPrompt  string         `yaml:"systemPrompt"`
		StreamTimeout string         `yaml:"streamTimeout"`
		Assistant     map[string]any `yaml:"assistant"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.StreamTimeout = rawConfig.StreamTimeout

	provider, ok := rawConfig.Assistant["provider"].(string)
	if !ok {
		return fmt.Errorf("assistant provider is required")
	}

	rawYAML, err := yaml.Marshal(rawConfig.Assistant)
	if err != nil {
		return err
	}

	var ac assistantConfig
	switch provider {
	case "upstream":
		ac = &upstreamConfig{}
	case "ollama":
		ac = &ollamaConfig{}
	case "openai":
		ac = &openaiConfig{}
	default:
		return fmt.Errorf("unknown assistant provider: %s", provider)
	}

	if err := yaml.Unmarshal(rawYAML, ac); err != nil {
		return err
	}

	c.Assistant = ac

	return nil
}

func (c config) streamTimeout() (time.Duration, error) {
	if c.StreamTimeout == "" {
		return chat.DefaultStreamTimeout, nil
	}
	d, err := time.ParseDuration(c.StreamTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid streamTimeout: %w", err)
	}
	return d, nil
}

func (u upstreamConfig) assistant(_ string, logger *slog.Logger) (handlers.Assistant, handlers.HistorySource, error) {
	baseURL := u.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("CHATBOT_BASE_URL")
	}
	if baseURL == "" {
		return nil, nil, fmt.Errorf("baseURL is required")
	}

	cli := services.NewUpstream(baseURL, logger)
	return cli, cli, nil
}

func (o ollamaConfig) assistant(systemPrompt string, _ *slog.Logger) (handlers.Assistant, handlers.HistorySource, error) {
	if o.Model == "" {
		return nil, nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil, nil
}

func (o openaiConfig) assistant(systemPrompt string, logger *slog.Logger) (handlers.Assistant, handlers.HistorySource, error) {
	if o.Model == "" {
		return nil, nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil, nil
}
