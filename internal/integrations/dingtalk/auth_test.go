package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	*httptest.Server
	calls   atomic.Int64
	failing atomic.Int64 // number of requests to fail before succeeding
	token   string
	ttl     int64
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{token: "tok-1", ttl: 7200}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1.0/oauth2/accessToken", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "client-id", body["appKey"])
		require.Equal(t, "client-secret", body["appSecret"])

		if ts.failing.Load() > 0 {
			ts.failing.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": ts.token,
			"expireIn":    ts.ttl,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestTokenSource(t *testing.T, srv *tokenServer) *TokenSource {
	t.Helper()
	ts, err := NewTokenSource("client-id", "client-secret",
		WithTokenBaseURL(srv.URL),
		WithTokenRetryInterval(time.Millisecond),
	)
	require.NoError(t, err)
	return ts
}

func TestNewTokenSource_Validation(t *testing.T) {
	_, err := NewTokenSource("", "secret")
	require.Error(t, err)
	_, err = NewTokenSource("id", " ")
	require.Error(t, err)
}

func TestToken_CachedWhileValid(t *testing.T) {
	srv := newTokenServer(t)
	ts := newTestTokenSource(t, srv)

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.EqualValues(t, 1, srv.calls.Load())

	// still valid: zero further network calls
	for i := 0; i < 5; i++ {
		tok, err = ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", tok)
	}
	require.EqualValues(t, 1, srv.calls.Load())
}

func TestToken_SafetyMarginForcesEarlyRefresh(t *testing.T) {
	srv := newTokenServer(t)
	srv.ttl = 200 // below the 300s margin: expires immediately
	ts := newTestTokenSource(t, srv)

	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	srv.token = "tok-2"
	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.EqualValues(t, 2, srv.calls.Load())
}

func TestToken_RefreshAfterExpiry(t *testing.T) {
	srv := newTokenServer(t)
	ts := newTestTokenSource(t, srv)

	now := time.Unix(1_700_000_000, 0)
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	// advance past expireIn - margin
	now = now.Add(7200 * time.Second)
	srv.token = "tok-2"

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.EqualValues(t, 2, srv.calls.Load())
}

func TestToken_SingleFlightUnderConcurrency(t *testing.T) {
	srv := newTokenServer(t)
	ts := newTestTokenSource(t, srv)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			tok, err := ts.Token(context.Background())
			require.NoError(t, err)
			require.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, srv.calls.Load(), "concurrent callers must share one refresh")
}

func TestToken_RefreshSurvivesCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-proceed
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "tok-1",
			"expireIn":    7200,
		})
	}))
	defer srv.Close()

	ts, err := NewTokenSource("client-id", "client-secret",
		WithTokenBaseURL(srv.URL),
		WithTokenRetryInterval(time.Millisecond),
	)
	require.NoError(t, err)

	type result struct {
		tok string
		err error
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		tok, err := ts.Token(ctx)
		first <- result{tok, err}
	}()
	<-started

	// a second caller joins the in-flight refresh
	second := make(chan result, 1)
	go func() {
		tok, err := ts.Token(context.Background())
		second <- result{tok, err}
	}()

	// cancelling the first caller must not kill the shared refresh
	cancel()
	close(proceed)

	for _, ch := range []chan result{first, second} {
		res := <-ch
		require.NoError(t, res.err)
		require.Equal(t, "tok-1", res.tok)
	}
	require.EqualValues(t, 1, calls.Load())
}

func TestToken_RetriesThenSucceeds(t *testing.T) {
	srv := newTokenServer(t)
	srv.failing.Store(2)
	ts := newTestTokenSource(t, srv)

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.EqualValues(t, 3, srv.calls.Load())
}

func TestToken_ExhaustedRetriesReturnAuthError(t *testing.T) {
	srv := newTokenServer(t)
	srv.failing.Store(100) // fail every attempt
	ts := newTestTokenSource(t, srv)

	_, err := ts.Token(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.True(t, authErr.AuthFailure())

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr, "the last underlying error is carried")
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	require.EqualValues(t, tokenMaxAttempts, srv.calls.Load())
}
