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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL = "https://api.dingtalk.com"

	// tokenSafetyMargin is subtracted from the advertised expiry so a token
	// is never used right at the edge of its lifetime.
	tokenSafetyMargin = 300 * time.Second

	tokenMaxAttempts   = 5
	tokenRetryInterval = 2 * time.Second

	// tokenRefreshTimeout bounds one shared refresh; it covers the full
	// retry schedule including per-request timeouts.
	tokenRefreshTimeout = 3 * time.Minute
)

// AuthError reports that access-token acquisition exhausted its retries. It
// wraps the last underlying error.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dingtalk: acquire access token: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthFailure marks the error as a credential-acquisition failure for
// callers that classify errors without importing this package's types.
func (e *AuthError) AuthFailure() bool { return true }

// tokenResponse is the identity endpoint's success payload.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"` // seconds
}

// TokenSource caches one access token per (client id, client secret) pair.
// A valid token is returned with no I/O under a read lock; refresh runs at
// most once per expiry window across concurrent callers.
type TokenSource struct {
	clientID      string
	clientSecret  string
	baseURL       string
	httpClient    *http.Client
	retryInterval time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	flight singleflight.Group
}

type TokenSourceOption func(*TokenSource)

func WithTokenBaseURL(baseURL string) TokenSourceOption {
	return func(ts *TokenSource) {
		ts.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithTokenHTTPClient(httpClient *http.Client) TokenSourceOption {
	return func(ts *TokenSource) {
		ts.httpClient = httpClient
	}
}

// WithTokenRetryInterval overrides the fixed backoff between failed fetch
// attempts. Intended for tests.
func WithTokenRetryInterval(d time.Duration) TokenSourceOption {
	return func(ts *TokenSource) {
		ts.retryInterval = d
	}
}

func NewTokenSource(clientID, clientSecret string, opts ...TokenSourceOption) (*TokenSource, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("dingtalk: client id must not be empty")
	}
	if strings.TrimSpace(clientSecret) == "" {
		return nil, errors.New("dingtalk: client secret must not be empty")
	}
	ts := &TokenSource{
		clientID:      clientID,
		clientSecret:  clientSecret,
		baseURL:       defaultBaseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		retryInterval: tokenRetryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// Token returns the cached access token while it is still valid, refreshing
// it otherwise. Concurrent callers seeing an expired token share one refresh.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	token, ok := ts.token, ts.now().Before(ts.expiresAt)
	ts.mu.RUnlock()
	if ok && token != "" {
		return token, nil
	}

	v, err, _ := ts.flight.Do("token", func() (any, error) {
		// The refresh is shared across callers, so it must not die with the
		// first caller's context; it runs detached on its own deadline.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRefreshTimeout)
		defer cancel()
		return ts.refresh(refreshCtx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	// Another flight may have refreshed between the caller's check and this
	// call being scheduled.
	ts.mu.RLock()
	token, ok := ts.token, ts.now().Before(ts.expiresAt)
	ts.mu.RUnlock()
	if ok && token != "" {
		return token, nil
	}

	var (
		fetched  tokenResponse
		lastErr  error
		interval = backoff.NewConstantBackOff(ts.retryInterval)
	)
	op := func() error {
		res, err := ts.fetch(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		fetched = res
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(interval, tokenMaxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return "", &AuthError{Err: lastErr}
	}

	expiresAt := ts.now().Add(time.Duration(fetched.ExpireIn)*time.Second - tokenSafetyMargin)

	ts.mu.Lock()
	ts.token = fetched.AccessToken
	ts.expiresAt = expiresAt
	ts.mu.Unlock()

	return fetched.AccessToken, nil
}

func (ts *TokenSource) fetch(ctx context.Context) (tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"appKey":    ts.clientID,
		"appSecret": ts.clientSecret,
	})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("dingtalk: marshal token request: %w", err)
	}

	url := strings.TrimRight(ts.baseURL, "/") + "/v1.0/oauth2/accessToken"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("dingtalk: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := ts.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("dingtalk: token request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return tokenResponse{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("dingtalk: read token response: %w", err)
	}
	var payload tokenResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return tokenResponse{}, fmt.Errorf("dingtalk: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return tokenResponse{}, errors.New("dingtalk: token response missing accessToken")
	}
	return payload, nil
}
