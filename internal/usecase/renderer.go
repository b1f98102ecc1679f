package usecase

import (
	"context"
	"errors"
	"unicode/utf8"
)

// RendererState is the card lifecycle state. Transitions are monotonic:
// nothing leaves Finalized or Failed.
type RendererState string

const (
	StateCreated   RendererState = "created"
	StateStreaming RendererState = "streaming"
	StateFinalized RendererState = "finalized"
	StateFailed    RendererState = "failed"
)

// ErrRendererTerminal is returned for any push attempted after the renderer
// reached a terminal state. Such calls are rejected, never applied.
var ErrRendererTerminal = errors.New("usecase: renderer already in a terminal state")

// CardService is the downstream card surface. Push replaces the rendered
// content wholesale (never appends), which keeps updates idempotent under
// redelivery.
type CardService interface {
	Create(ctx context.Context, userID, conversationID string) (string, error)
	Push(ctx context.Context, instanceID, content string, finished, failed bool) error
}

// Renderer drives one card through create -> stream -> finalize/fail for a
// single turn. It is exclusively owned by the worker handling that turn and
// is never shared, so it carries no lock.
type Renderer struct {
	cards       CardService
	instanceID  string
	state       RendererState
	lastEmitted int
}

// StartRenderer creates the downstream card and returns a Renderer already in
// the Streaming state. Creation failure is reported upward with no retry;
// the caller falls back to a plain-text reply.
func StartRenderer(ctx context.Context, cards CardService, userID, conversationID string) (*Renderer, error) {
	if cards == nil {
		return nil, errors.New("usecase: card service must not be nil")
	}
	instanceID, err := cards.Create(ctx, userID, conversationID)
	if err != nil {
		return nil, classify(ErrorCardCreation, "card_create_error", err)
	}
	if instanceID == "" {
		return nil, newError(ErrorCardCreation, "card_instance_id_missing", nil)
	}
	return &Renderer{
		cards:      cards,
		instanceID: instanceID,
		state:      StateStreaming,
	}, nil
}

func (r *Renderer) InstanceID() string { return r.instanceID }

func (r *Renderer) State() RendererState { return r.state }

// PushUpdate replaces the card content with an in-progress snapshot. A push
// failure is reported but does not change state; the caller decides whether
// to fall back to plain text for that single update while the turn continues.
func (r *Renderer) PushUpdate(ctx context.Context, content string) error {
	if r.state != StateStreaming {
		return ErrRendererTerminal
	}
	if err := r.cards.Push(ctx, r.instanceID, content, false, false); err != nil {
		return classify(ErrorPush, "card_update_error", err)
	}
	if n := utf8.RuneCountInString(content); n > r.lastEmitted {
		r.lastEmitted = n
	}
	return nil
}

// Finalize pushes the complete answer marked finished and moves the renderer
// to its terminal Finalized state. On push failure the state is unchanged so
// the caller can fall back to a one-shot text message.
func (r *Renderer) Finalize(ctx context.Context, content string) error {
	if r.state != StateStreaming {
		return ErrRendererTerminal
	}
	if err := r.cards.Push(ctx, r.instanceID, content, true, false); err != nil {
		return classify(ErrorPush, "card_finalize_error", err)
	}
	r.state = StateFinalized
	r.lastEmitted = utf8.RuneCountInString(content)
	return nil
}

// Fail pushes an error description marked failed and moves the renderer to
// its terminal Failed state.
func (r *Renderer) Fail(ctx context.Context, content string) error {
	if r.state != StateStreaming {
		return ErrRendererTerminal
	}
	if err := r.cards.Push(ctx, r.instanceID, content, false, true); err != nil {
		return classify(ErrorPush, "card_fail_error", err)
	}
	r.state = StateFailed
	return nil
}
