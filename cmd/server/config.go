package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/handlers"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port              string        `yaml:"port"`
	DBPath            string        `yaml:"dbPath"`
	SystemPrompt      string        `yaml:"systemPrompt"`
	LogFile           string        `yaml:"logFile"`
	LogLevel          string        `yaml:"logLevel"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	MaxStreamWait     time.Duration `yaml:"maxStreamWait"`
	MessagesPerMinute int           `yaml:"messagesPerMinute"`
	Users             []userConfig  `yaml:"users"`
	LLM               llmConfig     `yaml:"llm"`
}

type userConfig struct {
	Token string `yaml:"token"`
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port              string         `yaml:"port"`
		DBPath            string         `yaml:"dbPath"`
		SystemPrompt      string         `yaml:"systemPrompt"`
		LogFile           string         `yaml:"logFile"`
		LogLevel          string         `yaml:"logLevel"`
		PollInterval      time.Duration  `yaml:"pollInterval"`
		MaxStreamWait     time.Duration  `yaml:"maxStreamWait"`
		MessagesPerMinute int            `yaml:"messagesPerMinute"`
		Users             []userConfig   `yaml:"users"`
		LLM               map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LogFile = rawConfig.LogFile
	c.LogLevel = rawConfig.LogLevel
	c.PollInterval = rawConfig.PollInterval
	c.MaxStreamWait = rawConfig.MaxStreamWait
	c.MessagesPerMinute = rawConfig.MessagesPerMinute
	c.Users = rawConfig.Users

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (c config) users() map[string]models.User {
	if len(c.Users) == 0 {
		return nil
	}
	users := make(map[string]models.User, len(c.Users))
	for _, u := range c.Users {
		users[u.Token] = models.User{ID: u.ID, Email: u.Email, Name: u.Name}
	}
	return users
}

func (c config) handlerOptions() []handlers.Option {
	opts := []handlers.Option{handlers.WithUsers(c.users())}
	if c.PollInterval > 0 {
		opts = append(opts, handlers.WithPollInterval(c.PollInterval))
	}
	if c.MaxStreamWait > 0 {
		opts = append(opts, handlers.WithMaxStreamWait(c.MaxStreamWait))
	}
	if c.MessagesPerMinute != 0 {
		opts = append(opts, handlers.WithRateLimit(c.MessagesPerMinute))
	}
	return opts
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt)
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	baseURL := o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens), nil
}
