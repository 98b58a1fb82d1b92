package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq func(yield func(string, error) bool)) (string, error) {
	t.Helper()
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

var history = []models.Message{
	{Role: models.RoleUser, Content: "hi"},
	{Role: models.RoleAssistant, Content: "hello"},
	{Role: models.RoleUser, Content: "how are you"},
}

func TestAnthropicChat(t *testing.T) {
	var got struct {
		System   string `json:"system"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Fine", ", thanks"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":%q}}\n\n", text)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "claude", "be brief", 100)
	out, err := collect(t, a.Chat(context.Background(), history))
	require.NoError(t, err)
	assert.Equal(t, "Fine, thanks", out)
	assert.Equal(t, "be brief", got.System)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
}

func TestAnthropicChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "claude", "", 100)
	_, err := collect(t, a.Chat(context.Background(), history))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded_error")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer down.Close()

	a = services.NewAnthropic("key", down.URL, "claude", "", 100)
	_, err = collect(t, a.Chat(context.Background(), history))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestOpenAIChat(t *testing.T) {
	var roles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Fine", "", ", thanks"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL, "gpt", "be brief", services.LLMParameters{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	out, err := collect(t, o.Chat(context.Background(), history))
	require.NoError(t, err)
	assert.Equal(t, "Fine, thanks", out)
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, text := range []string{"Fine", ", thanks"} {
			fmt.Fprintf(w, "{\"model\":\"llama\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", text)
		}
		fmt.Fprint(w, "{\"model\":\"llama\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama", "be brief")
	require.NoError(t, err)
	out, err := collect(t, o.Chat(context.Background(), history))
	require.NoError(t, err)
	assert.Equal(t, "Fine, thanks", out)
}

func TestOllamaStopEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for range 5 {
			fmt.Fprint(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"x\"},\"done\":false}\n")
		}
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama", "")
	require.NoError(t, err)

	n := 0
	for chunk, err := range o.Chat(context.Background(), history) {
		require.NoError(t, err)
		assert.Equal(t, "x", chunk)
		n++
		break
	}
	assert.Equal(t, 1, n)
}
