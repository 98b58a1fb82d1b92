// Package client talks to the chat backend over HTTP: it opens send streams and serves as the history store
// and conversation registry of the sync engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

// ErrAuthExpired is matched by errors.Is when the server rejected the session's credentials.
var ErrAuthExpired = errors.New("authentication expired")

// HTTPError is returned when the server answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Client is the HTTP transport of the sync engine.
type Client struct {
	baseURL string
	auth    AuthSession
	client  *http.Client

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// SendRequest is the body of a send.
type SendRequest struct {
	Content     string              `json:"content"`
	Model       string              `json:"model,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	// ClientID is the temporary id of the optimistic user message. The server stores and echoes it.
	ClientID string `json:"client_id,omitempty"`
}

type createConversationRequest struct {
	Title          string `json:"title,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
	Model          string `json:"model,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WithHTTPClient sets the underlying HTTP client. Streams are long-lived, so the client should not carry a
// short overall timeout; callers bound sends with their context instead.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

// New creates a Client for the backend at baseURL. Requests carry the bearer token of auth's current user.
func New(baseURL string, auth AuthSession, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenStream submits a message to the conversation and returns the event stream body. The caller owns the
// returned body and must close it.
func (c *Client) OpenStream(ctx context.Context, conversationID string, req SendRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.messagesPath(conversationID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// FetchHistory returns the full ordered message history of the conversation.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.messagesPath(conversationID), nil)
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := c.doJSON(req, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ConversationID = conversationID
	}
	return msgs, nil
}

// CreateConversation registers a new conversation.
func (c *Client) CreateConversation(
	ctx context.Context,
	title, initialMessage, model string,
) (models.ConversationSummary, error) {
	body, err := json.Marshal(createConversationRequest{
		Title:          title,
		InitialMessage: initialMessage,
		Model:          model,
	})
	if err != nil {
		return models.ConversationSummary{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chats", bytes.NewReader(body))
	if err != nil {
		return models.ConversationSummary{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sum models.ConversationSummary
	if err := c.doJSON(req, &sum); err != nil {
		return models.ConversationSummary{}, err
	}
	return sum, nil
}

// ListConversations returns the summaries of the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/chats", nil)
	if err != nil {
		return nil, err
	}

	var list []models.ConversationSummary
	if err := c.doJSON(req, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) messagesPath(conversationID string) string {
	return "/api/v1/chats/" + url.PathEscape(conversationID) + "/messages"
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if c.auth != nil {
		if user, ok := c.auth.CurrentUser(); ok && user.Token != "" {
			req.Header.Set("Authorization", "Bearer "+user.Token)
		}
	}
	return req, nil
}

// do sends req and turns non-2xx responses into *HTTPError. The response body is closed on error.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		httpErr.Message = errResp.Error
	}

	c.logger.Debug("Request rejected",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("message", httpErr.Message))
	return nil, httpErr
}

func (c *Client) doJSON(req *http.Request, v any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Message)
}

// Unwrap exposes ErrAuthExpired for 401 and 403 responses.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuthExpired
	}
	return nil
}
