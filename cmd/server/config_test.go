package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		check   func(t *testing.T, cfg config)
		wantErr bool
	}{
		{
			name: "ollama",
			input: `
port: "9090"
pollInterval: 50ms
maxStreamWait: 30s
messagesPerMinute: 5
users:
  - token: secret
    id: u1
llm:
  provider: ollama
  model: llama3
  host: http://ollama:11434
`,
			check: func(t *testing.T, cfg config) {
				assert.Equal(t, "9090", cfg.Port)
				assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
				assert.Equal(t, 30*time.Second, cfg.MaxStreamWait)
				assert.Equal(t, 5, cfg.MessagesPerMinute)
				assert.Equal(t, "u1", cfg.users()["secret"].ID)
				assert.Len(t, cfg.handlerOptions(), 4)

				llm, ok := cfg.LLM.(*ollamaConfig)
				require.True(t, ok)
				assert.Equal(t, "llama3", llm.Model)
				assert.Equal(t, "http://ollama:11434", llm.Host)
			},
		},
		{
			name: "openrouter",
			input: `
llm:
  provider: openrouter
  model: meta/llama
  parameters:
    temperature: 0.2
`,
			check: func(t *testing.T, cfg config) {
				llm, ok := cfg.LLM.(*openAIConfig)
				require.True(t, ok)
				assert.Equal(t, "openrouter", llm.Provider)
				require.NotNil(t, llm.Parameters.Temperature)
				assert.InDelta(t, 0.2, *llm.Parameters.Temperature, 1e-6)
				assert.Nil(t, cfg.users())
			},
		},
		{
			name: "anthropic",
			input: `
llm:
  provider: anthropic
  model: claude
  maxTokens: 1000
`,
			check: func(t *testing.T, cfg config) {
				llm, ok := cfg.LLM.(*anthropicConfig)
				require.True(t, ok)
				assert.Equal(t, 1000, llm.MaxTokens)
			},
		},
		{name: "missing provider", input: "llm:\n  model: x\n", wantErr: true},
		{name: "unknown provider", input: "llm:\n  provider: gemini\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.input), &cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLLMConfigValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := ollamaConfig{}.llm("", logger)
	assert.Error(t, err)

	_, err = anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "claude"}}.llm("", logger)
	assert.Error(t, err)

	llm, err := openAIConfig{
		BaseLLMConfig: BaseLLMConfig{Provider: "openai", Model: "gpt"},
		APIKey:        "key",
		Parameters:    services.LLMParameters{},
	}.llm("be brief", logger)
	require.NoError(t, err)
	assert.IsType(t, services.OpenAI{}, llm)

	llm, err = ollamaConfig{BaseLLMConfig: BaseLLMConfig{Model: "llama"}, Host: "http://localhost:11434"}.llm("", logger)
	require.NoError(t, err)
	assert.IsType(t, services.Ollama{}, llm)
}
