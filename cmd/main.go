package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dingtalk-dify-relay/handler"
	"dingtalk-dify-relay/internal/integrations/dify"
	"dingtalk-dify-relay/internal/integrations/dingtalk"
	"dingtalk-dify-relay/internal/repository"
	"dingtalk-dify-relay/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	clientID := mustEnv("DINGTALK_CLIENT_ID")
	clientSecret := mustEnv("DINGTALK_CLIENT_SECRET")
	cardTemplateID := mustEnv("DINGTALK_AI_CARD_TEMPLATE_ID")
	difyAPIKey := mustEnv("DIFY_API_KEY")
	difyAPIBase := envString("DIFY_API_BASE", "https://api.dify.ai/v1")
	sessionTimeout := envSeconds("SESSION_TIMEOUT", 30*time.Minute)
	sweepInterval := envSeconds("SESSION_SWEEP_INTERVAL", 5*time.Minute)
	updateThreshold := envInt("UPDATE_THRESHOLD", usecase.DefaultUpdateThreshold)

	if envString("LOG_FORMAT", "text") == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	// ---- Clients ----
	tokens, err := dingtalk.NewTokenSource(clientID, clientSecret)
	if err != nil {
		slog.Error("failed to create token source", "err", err)
		os.Exit(1)
	}
	dingClient, err := dingtalk.NewClient(tokens, clientID, cardTemplateID)
	if err != nil {
		slog.Error("failed to create dingtalk client", "err", err)
		os.Exit(1)
	}
	difyClient, err := dify.NewClient(difyAPIKey, dify.WithBaseURL(difyAPIBase))
	if err != nil {
		slog.Error("failed to create dify client", "err", err)
		os.Exit(1)
	}

	// ---- Session registry ----
	sessions, err := repository.NewRegistry(sessionTimeout)
	if err != nil {
		slog.Error("failed to create session registry", "err", err)
		os.Exit(1)
	}
	go sessions.RunSweeper(ctx, sweepInterval)

	// ---- Relay pipeline ----
	relay, err := usecase.NewRelayService(sessions, upstream{difyClient}, dingClient, dingClient, updateThreshold)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(relay)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	// ---- Stream transport ----
	stream, err := dingtalk.NewStreamClient(clientID, clientSecret, h)
	if err != nil {
		slog.Error("failed to create stream client", "err", err)
		os.Exit(1)
	}

	slog.Info("relay starting", "session_timeout", sessionTimeout, "update_threshold", updateThreshold)
	if err := stream.Run(ctx); err != nil {
		slog.Error("stream client exited", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// upstream adapts the concrete dify client to the orchestrator's stream
// contract.
type upstream struct {
	*dify.Client
}

func (u upstream) ChatStream(ctx context.Context, query, user string) (usecase.EventSource, error) {
	s, err := u.Client.ChatStream(ctx, query, user)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
