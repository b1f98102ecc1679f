package dify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dingtalk-dify-relay/internal/domain"
)

const defaultBaseURL = "https://api.dify.ai/v1"

// chatRequest is the minimal request shape for the chat-messages endpoint.
type chatRequest struct {
	Inputs       map[string]any `json:"inputs"`
	Query        string         `json:"query"`
	User         string         `json:"user"`
	ResponseMode string         `json:"response_mode"`
}

// chatResponse is the minimal blocking-mode response shape.
type chatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// streamChunk is one decoded server-sent event payload. Answer stays nil for
// chunks that carry no answer fragment (workflow events, pings and the like).
type streamChunk struct {
	Event  string  `json:"event"`
	Answer *string `json:"answer"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dify: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused Dify client for the chat-messages endpoint in both
// blocking and streaming response modes.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the given API key. The default HTTP client
// carries a 30s timeout for blocking calls; streaming calls build their own
// client without a deadline on the response body.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("dify: api key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatMessagesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/chat-messages"
}

// Chat performs a blocking chat call and returns the complete answer.
func (c *Client) Chat(ctx context.Context, query, user string) (string, error) {
	req, err := c.newChatRequest(ctx, query, user, "blocking")
	if err != nil {
		return "", err
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("dify: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", readStatusError(res, req.URL.String())
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("dify: read response body: %w", err)
	}
	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("dify: decode response: %w", decErr)
	}
	return payload.Answer, nil
}

// ChatStream opens a streaming chat call. The returned Stream yields decoded
// events in arrival order and must be closed by the caller.
func (c *Client) ChatStream(ctx context.Context, query, user string) (*Stream, error) {
	req, err := c.newChatRequest(ctx, query, user, "streaming")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client-side deadline: the stream stays open for the lifetime of the
	// answer and is bounded by ctx instead.
	httpClient := &http.Client{Transport: c.resolvedHTTPClient().Transport}
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dify: open stream: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, readStatusError(res, req.URL.String())
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{body: res.Body, scanner: scanner}, nil
}

func (c *Client) newChatRequest(ctx context.Context, query, user, responseMode string) (*http.Request, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("dify: query must not be empty")
	}
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("dify: user must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Inputs:       map[string]any{},
		Query:        query,
		User:         user,
		ResponseMode: responseMode,
	})
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}

	url := chatMessagesURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func readStatusError(res *http.Response, url string) error {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
}

// Stream consumes a server-sent event response line by line. Malformed data
// lines are skipped rather than failing the whole stream, matching upstream
// behavior where keep-alives and partial frames may interleave.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the next decoded event, or io.EOF at end of stream.
func (s *Stream) Recv() (domain.StreamEvent, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		return domain.StreamEvent{Event: chunk.Event, Answer: chunk.Answer}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("dify: read stream: %w", err)
	}
	return domain.StreamEvent{}, io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
