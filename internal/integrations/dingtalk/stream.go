package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"dingtalk-dify-relay/internal/domain"
)

const (
	botMessageTopic = "/v1.0/im/bot/messages/get"

	frameTypeSystem   = "SYSTEM"
	frameTypeCallback = "CALLBACK"

	systemTopicPing       = "ping"
	systemTopicDisconnect = "disconnect"
)

// CallbackHandler processes one decoded callback payload and returns the
// acknowledgement the gateway expects.
type CallbackHandler interface {
	Handle(ctx context.Context, payload []byte) domain.Ack
}

// frame is one websocket message exchanged with the streaming gateway.
type frame struct {
	SpecVersion string            `json:"specVersion,omitempty"`
	Type        string            `json:"type,omitempty"`
	Code        int               `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data,omitempty"`
}

// openResponse is the gateway's connection grant.
type openResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// StreamClient maintains the websocket connection to the streaming gateway,
// dispatches bot-message callbacks to the handler (one goroutine per
// message) and acknowledges each of them.
type StreamClient struct {
	clientID     string
	clientSecret string
	openURL      string
	httpClient   *http.Client
	dialer       *websocket.Dialer
	handler      CallbackHandler

	writeMu sync.Mutex // gorilla allows a single concurrent writer
}

type StreamOption func(*StreamClient)

func WithGatewayURL(openURL string) StreamOption {
	return func(s *StreamClient) {
		s.openURL = strings.TrimSpace(openURL)
	}
}

func WithStreamHTTPClient(httpClient *http.Client) StreamOption {
	return func(s *StreamClient) {
		s.httpClient = httpClient
	}
}

func NewStreamClient(clientID, clientSecret string, handler CallbackHandler, opts ...StreamOption) (*StreamClient, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("dingtalk: client id must not be empty")
	}
	if strings.TrimSpace(clientSecret) == "" {
		return nil, errors.New("dingtalk: client secret must not be empty")
	}
	if handler == nil {
		return nil, errors.New("dingtalk: callback handler must not be nil")
	}
	s := &StreamClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		openURL:      defaultBaseURL + "/v1.0/gateway/connections/open",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		dialer:       websocket.DefaultDialer,
		handler:      handler,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run keeps the gateway connection alive until ctx is cancelled,
// reconnecting with exponential backoff after any disconnect.
func (s *StreamClient) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // reconnect forever

	op := func() error {
		// once a connection is established the backoff resets, so a drop
		// after a long-healthy session reconnects promptly
		if err := s.connectAndServe(ctx, policy.Reset); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("stream connection lost, reconnecting", "err", err)
			return err
		}
		return backoff.Permanent(nil)
	}
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *StreamClient) connectAndServe(ctx context.Context, onConnect func()) error {
	grant, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	wsURL := grant.Endpoint + "?ticket=" + grant.Ticket
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dingtalk: dial gateway: %w", err)
	}
	defer func() { _ = conn.Close() }()
	slog.Info("connected to streaming gateway")
	if onConnect != nil {
		onConnect()
	}

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dingtalk: read frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("skipping malformed gateway frame", "err", err)
			continue
		}

		switch f.Type {
		case frameTypeSystem:
			if err := s.handleSystemFrame(conn, f); err != nil {
				return err
			}
		case frameTypeCallback:
			s.dispatchCallback(ctx, conn, f)
		default:
			slog.Debug("ignoring gateway frame", "type", f.Type, "topic", f.Headers["topic"])
		}
	}
}

func (s *StreamClient) handleSystemFrame(conn *websocket.Conn, f frame) error {
	switch f.Headers["topic"] {
	case systemTopicPing:
		// pong echoes the ping data back on the same message id
		return s.writeFrame(conn, frame{
			Code:    http.StatusOK,
			Message: "OK",
			Headers: map[string]string{
				"messageId":   f.Headers["messageId"],
				"contentType": "application/json",
			},
			Data: f.Data,
		})
	case systemTopicDisconnect:
		return errors.New("dingtalk: gateway requested disconnect")
	default:
		return nil
	}
}

// dispatchCallback runs the handler on its own goroutine; many inbound
// messages are processed concurrently, one worker per message.
func (s *StreamClient) dispatchCallback(ctx context.Context, conn *websocket.Conn, f frame) {
	if topic := f.Headers["topic"]; topic != botMessageTopic {
		slog.Debug("ignoring callback topic", "topic", topic)
		_ = s.ack(conn, f, domain.Ack{Status: domain.AckOK, Detail: "ignored"})
		return
	}

	go func() {
		ack := s.handler.Handle(ctx, []byte(f.Data))
		if err := s.ack(conn, f, ack); err != nil {
			slog.Error("failed to acknowledge callback",
				"message_id", f.Headers["messageId"], "err", err)
		}
	}()
}

func (s *StreamClient) ack(conn *websocket.Conn, f frame, ack domain.Ack) error {
	return s.writeFrame(conn, frame{
		Code:    ackStatusCode(ack.Status),
		Message: ack.Detail,
		Headers: map[string]string{
			"messageId":   f.Headers["messageId"],
			"contentType": "application/json",
		},
		Data: `{"response":{}}`,
	})
}

func ackStatusCode(status domain.AckStatus) int {
	switch status {
	case domain.AckOK:
		return http.StatusOK
	case domain.AckRetry:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *StreamClient) writeFrame(conn *websocket.Conn, f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("dingtalk: marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// openConnection asks the gateway for a websocket endpoint and ticket,
// subscribing to bot-message callbacks.
func (s *StreamClient) openConnection(ctx context.Context) (openResponse, error) {
	body, err := json.Marshal(map[string]any{
		"clientId":     s.clientID,
		"clientSecret": s.clientSecret,
		"ua":           "dingtalk-dify-relay/1.0",
		"subscriptions": []map[string]string{
			{"type": frameTypeCallback, "topic": botMessageTopic},
		},
	})
	if err != nil {
		return openResponse{}, fmt.Errorf("dingtalk: marshal open request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.openURL, bytes.NewReader(body))
	if err != nil {
		return openResponse{}, fmt.Errorf("dingtalk: create open request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return openResponse{}, fmt.Errorf("dingtalk: open connection: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return openResponse{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        s.openURL,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return openResponse{}, fmt.Errorf("dingtalk: read open response: %w", err)
	}
	var payload openResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return openResponse{}, fmt.Errorf("dingtalk: decode open response: %w", err)
	}
	if payload.Endpoint == "" || payload.Ticket == "" {
		return openResponse{}, errors.New("dingtalk: open response missing endpoint or ticket")
	}
	return payload, nil
}
