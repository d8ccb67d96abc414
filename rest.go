// Package huddle is the realtime messaging SDK for the Huddle app.
//
// It covers the persistent realtime connection, the event bus that fans
// decoded events out to subscribers, and the sync engines that reconcile
// live events with a local cache and the REST API.
//
// Example:
//
//	tokens := huddle.StaticToken(jwt)
//	api := huddle.NewClient(tokens, huddle.WithBaseURL("https://api.huddle.fit/api/v1"))
//	conn := huddle.NewConnection(huddle.ConnectionConfig{URL: "wss://rt.huddle.fit", Tokens: tokens})
//	repo := huddle.NewRepository(api, huddle.NewMemoryStore(), nil)
//
//	list := huddle.NewConversationListSync(conn, repo, huddle.ConversationListConfig{CurrentUserID: me})
//	list.Activate(ctx)
//	defer list.Close()
package huddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.huddle.fit/api/v1"
	DefaultTimeout = 30 * time.Second
)

// API is the REST surface the sync engines depend on.
type API interface {
	SendMessage(ctx context.Context, conversationID, content string, msgType MessageType) (*Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	GetConversations(ctx context.Context) ([]Conversation, error)
	MarkMessageAsRead(ctx context.Context, messageID string) error
	CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client.
type Client struct {
	tokens     TokenProvider
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ API = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit throttles outgoing requests to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client that authenticates with tokens.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		tokens:  tokens,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("rest")
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token, ok := c.tokens.CurrentToken(); ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", requestID),
		zap.Duration("took", time.Since(start)),
	)

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode/100 == 2 {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			apiErr.Message = result.Error.Message
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if !result.OK {
		if result.Error != nil {
			result.Error.Status = resp.StatusCode
			return result.Error
		}
		return &APIError{Code: "UNKNOWN", Message: "request was not successful", Status: resp.StatusCode}
	}
	if out != nil {
		if err := result.Decode(out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage posts a message and returns it with the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, msgType MessageType) (*Message, error) {
	if msgType == "" {
		msgType = MessageTypeText
	}
	payload := map[string]interface{}{
		"conversationId": conversationID,
		"content":        content,
		"messageType":    msgType,
	}
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/messages", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns the history of a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// MarkMessageAsRead marks one message read on the server.
func (c *Client) MarkMessageAsRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// ============================================================================
// Conversations
// ============================================================================

// GetConversations lists every conversation of the current user.
func (c *Client) GetConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation fetches a single conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation starts a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error) {
	payload := map[string]interface{}{"participantIds": participantIDs}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", payload, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
}
