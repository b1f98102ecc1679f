package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPStatusError captures non-2xx responses from the DingTalk API with
// status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dingtalk: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// TokenProvider supplies a valid access token for an outbound call.
// *TokenSource satisfies this interface.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client wraps the DingTalk card and robot-message APIs. Every call fetches
// its bearer token from the provider, so expiry and refresh stay the token
// source's concern.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenProvider
	robotCode      string
	cardTemplateID string
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(tokens TokenProvider, robotCode, cardTemplateID string, opts ...ClientOption) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("dingtalk: token provider must not be nil")
	}
	if strings.TrimSpace(robotCode) == "" {
		return nil, errors.New("dingtalk: robot code must not be empty")
	}
	if strings.TrimSpace(cardTemplateID) == "" {
		return nil, errors.New("dingtalk: card template id must not be empty")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		tokens:         tokens,
		robotCode:      robotCode,
		cardTemplateID: cardTemplateID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// cardSendRequest delivers a fresh AI card to a user.
type cardSendRequest struct {
	CardTemplateID string   `json:"cardTemplateId"`
	CardData       string   `json:"cardData"`
	RobotCode      string   `json:"robotCode"`
	UserIDs        []string `json:"userIds"`
	ConversationID string   `json:"conversationId"`
	Version        string   `json:"version"`
}

// cardSendResponse carries the instance id the card service assigned.
type cardSendResponse struct {
	CardInstanceID string `json:"cardInstanceId"`
	Result         struct {
		CardInstanceID string `json:"cardInstanceId"`
	} `json:"result"`
}

// cardUpdateRequest streams replacement content into an existing card.
type cardUpdateRequest struct {
	CardInstanceID string `json:"cardInstanceId"`
	CardData       string `json:"cardData"`
	IsFinalize     bool   `json:"isFinalize"`
	IsError        bool   `json:"isError"`
	Version        string `json:"version"`
}

// textMessageRequest is the robot one-to-one text message payload.
type textMessageRequest struct {
	RobotCode string   `json:"robotCode"`
	UserIDs   []string `json:"userIds"`
	MsgParam  string   `json:"msgParam"`
	MsgKey    string   `json:"msgKey"`
}

// Create delivers a new AI card and returns the instance id assigned by the
// card service.
func (c *Client) Create(ctx context.Context, userID, conversationID string) (string, error) {
	cardData, err := marshalCardData(map[string]string{
		"content":   "",
		"sessionId": conversationID,
	})
	if err != nil {
		return "", err
	}

	raw, err := c.postJSON(ctx, "/v1.0/ai/interactions/send", cardSendRequest{
		CardTemplateID: c.cardTemplateID,
		CardData:       cardData,
		RobotCode:      c.robotCode,
		UserIDs:        []string{userID},
		ConversationID: conversationID,
		Version:        "1.0",
	})
	if err != nil {
		return "", fmt.Errorf("dingtalk: send card: %w", err)
	}

	var payload cardSendResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("dingtalk: decode card response: %w", decErr)
	}
	instanceID := payload.CardInstanceID
	if instanceID == "" {
		instanceID = payload.Result.CardInstanceID
	}
	if instanceID == "" {
		return "", errors.New("dingtalk: card response missing cardInstanceId")
	}
	return instanceID, nil
}

// Push replaces the card's content field. finished marks the typewriter
// effect complete; failed marks the card as errored. The two are never both
// true.
func (c *Client) Push(ctx context.Context, instanceID, content string, finished, failed bool) error {
	if strings.TrimSpace(instanceID) == "" {
		return errors.New("dingtalk: card instance id must not be empty")
	}
	cardData, err := marshalCardData(map[string]string{"content": content})
	if err != nil {
		return err
	}

	_, err = c.postJSON(ctx, "/v1.0/ai/interactions/streamUpdate", cardUpdateRequest{
		CardInstanceID: instanceID,
		CardData:       cardData,
		IsFinalize:     finished,
		IsError:        failed,
		Version:        "1.0",
	})
	if err != nil {
		return fmt.Errorf("dingtalk: update card: %w", err)
	}
	return nil
}

// SendText sends a one-shot plain-text robot message to a single user.
func (c *Client) SendText(ctx context.Context, userID, content string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("dingtalk: user id must not be empty")
	}
	msgParam, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("dingtalk: marshal msgParam: %w", err)
	}

	_, err = c.postJSON(ctx, "/v1.0/robot/sendMessage", textMessageRequest{
		RobotCode: c.robotCode,
		UserIDs:   []string{userID},
		MsgParam:  string(msgParam),
		MsgKey:    "sampleText",
	})
	if err != nil {
		return fmt.Errorf("dingtalk: send text message: %w", err)
	}
	return nil
}

// postJSON sends an authenticated JSON POST and returns the raw 2xx body.
func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// marshalCardData encodes the card parameter map as the JSON string the card
// API expects inside its envelope.
func marshalCardData(fields map[string]string) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("dingtalk: marshal cardData: %w", err)
	}
	return string(raw), nil
}
