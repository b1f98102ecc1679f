package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dingtalk-dify-relay/internal/domain"
)

const (
	cardUnavailableReply = "Thinking..."
	unsupportedReply     = "Only text, image, audio and file messages are supported for now."
	attachmentErrorReply = "Sorry, something went wrong while handling your attachment. Please try again."
)

// UpstreamClient is the answer API. Chat performs a blocking call and returns
// the complete answer; ChatStream opens an event stream for the same query.
type UpstreamClient interface {
	Chat(ctx context.Context, query, user string) (string, error)
	ChatStream(ctx context.Context, query, user string) (EventSource, error)
}

// TextReplier sends a one-shot plain-text message to a user. It is the
// fallback surface for every card failure path.
type TextReplier interface {
	SendText(ctx context.Context, userID, content string) error
}

// SessionStore is the slice of the session registry the orchestrator needs.
type SessionStore interface {
	GetOrCreate(userID string) (domain.Session, error)
	SetActiveRenderer(userID, rendererID string)
	ClearActiveRenderer(userID, rendererID string)
}

// RelayService coordinates one turn end to end: session resolution, card
// creation, upstream streaming, throttled card updates and finalization,
// with plain-text fallbacks on every failure path.
type RelayService struct {
	sessions   SessionStore
	upstream   UpstreamClient
	cards      CardService
	text       TextReplier
	aggregator *Aggregator
}

func NewRelayService(sessions SessionStore, upstream UpstreamClient, cards CardService, text TextReplier, updateThreshold int) (*RelayService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if upstream == nil {
		return nil, errors.New("usecase: upstream client must not be nil")
	}
	if cards == nil {
		return nil, errors.New("usecase: card service must not be nil")
	}
	if text == nil {
		return nil, errors.New("usecase: text replier must not be nil")
	}
	return &RelayService{
		sessions:   sessions,
		upstream:   upstream,
		cards:      cards,
		text:       text,
		aggregator: NewAggregator(updateThreshold),
	}, nil
}

// HandleText runs the streaming card pipeline for one text turn.
func (s *RelayService) HandleText(ctx context.Context, msg domain.IncomingMessage) error {
	query := strings.TrimSpace(msg.Content)
	if query == "" {
		return newError(ErrorInternal, "empty_question", nil)
	}

	sess, err := s.sessions.GetOrCreate(msg.SenderID)
	if err != nil {
		return newError(ErrorInternal, "session_error", err)
	}

	renderer, err := StartRenderer(ctx, s.cards, msg.SenderID, sess.ConversationID)
	if err != nil {
		slog.Error("card creation failed, falling back to text",
			"user_id", msg.SenderID, "conversation_id", sess.ConversationID, "err", err)
		if terr := s.text.SendText(ctx, msg.SenderID, cardUnavailableReply); terr != nil {
			slog.Error("plain-text fallback failed", "user_id", msg.SenderID, "err", terr)
		}
		return err
	}
	s.sessions.SetActiveRenderer(msg.SenderID, renderer.InstanceID())
	defer s.sessions.ClearActiveRenderer(msg.SenderID, renderer.InstanceID())

	stream, err := s.upstream.ChatStream(ctx, query, msg.SenderID)
	if err != nil {
		s.failRenderer(ctx, renderer, msg.SenderID, streamErrorReply)
		return newError(ErrorUpstream, "stream_open_error", err)
	}
	defer func() { _ = stream.Close() }()

	updater := &cardUpdater{renderer: renderer, text: s.text, userID: msg.SenderID}
	final, err := s.aggregator.Run(ctx, stream, updater)
	if err != nil {
		if errors.Is(err, ErrEmptyAnswer) {
			// The fallback reply is already on the card; mark the turn failed
			// rather than pretending it succeeded.
			s.failRenderer(ctx, renderer, msg.SenderID, final)
			return nil
		}
		slog.Error("upstream stream failed",
			"user_id", msg.SenderID, "conversation_id", sess.ConversationID, "err", err)
		s.failRenderer(ctx, renderer, msg.SenderID, streamErrorReply)
		return err
	}

	if ferr := renderer.Finalize(ctx, final); ferr != nil {
		slog.Warn("card finalize failed, falling back to text",
			"user_id", msg.SenderID, "card_instance_id", renderer.InstanceID(), "err", ferr)
		if terr := s.text.SendText(ctx, msg.SenderID, final); terr != nil {
			slog.Error("plain-text fallback failed", "user_id", msg.SenderID, "err", terr)
		}
	}
	return nil
}

// failRenderer drives the renderer to Failed and falls back to a plain-text
// reply when even that push fails. Every failure path ends in a user-visible
// message.
func (s *RelayService) failRenderer(ctx context.Context, renderer *Renderer, userID, content string) {
	if err := renderer.Fail(ctx, content); err != nil {
		slog.Warn("card fail push failed, falling back to text",
			"user_id", userID, "card_instance_id", renderer.InstanceID(), "err", err)
		if terr := s.text.SendText(ctx, userID, content); terr != nil {
			slog.Error("plain-text fallback failed", "user_id", userID, "err", terr)
		}
	}
}

// HandleImage relays an image turn through the blocking upstream call and
// replies with plain text; images get no typewriter card.
func (s *RelayService) HandleImage(ctx context.Context, msg domain.IncomingMessage) error {
	if _, err := s.sessions.GetOrCreate(msg.SenderID); err != nil {
		return newError(ErrorInternal, "session_error", err)
	}
	query := fmt.Sprintf("[image message] The user sent an image, download url: %s", mediaDownloadURL(msg.DownloadCode))
	return s.relayBlocking(ctx, msg.SenderID, query, "Got your image!")
}

// HandleAudio relays an audio turn through the blocking upstream call.
func (s *RelayService) HandleAudio(ctx context.Context, msg domain.IncomingMessage) error {
	if _, err := s.sessions.GetOrCreate(msg.SenderID); err != nil {
		return newError(ErrorInternal, "session_error", err)
	}
	query := fmt.Sprintf("[audio message] The user sent an audio clip, duration: %dms", msg.DurationMS)
	return s.relayBlocking(ctx, msg.SenderID, query, "Got your audio!")
}

// HandleFile acknowledges a file with its metadata. The original drive-upload
// workflow is out of scope, so the file content is not fetched.
func (s *RelayService) HandleFile(ctx context.Context, msg domain.IncomingMessage) error {
	reply := fmt.Sprintf("Got your file!\n\nName: %s\nSize: %d bytes", msg.FileName, msg.FileSize)
	if err := s.text.SendText(ctx, msg.SenderID, reply); err != nil {
		return classify(ErrorTransport, "file_reply_error", err)
	}
	return nil
}

// HandleUnsupported replies with a fixed notice for message kinds the relay
// does not process.
func (s *RelayService) HandleUnsupported(ctx context.Context, msg domain.IncomingMessage) error {
	if err := s.text.SendText(ctx, msg.SenderID, unsupportedReply); err != nil {
		return classify(ErrorTransport, "unsupported_reply_error", err)
	}
	return nil
}

func (s *RelayService) relayBlocking(ctx context.Context, userID, query, prefix string) error {
	answer, err := s.upstream.Chat(ctx, query, userID)
	if err != nil {
		slog.Error("blocking upstream call failed", "user_id", userID, "err", err)
		if terr := s.text.SendText(ctx, userID, attachmentErrorReply); terr != nil {
			slog.Error("plain-text fallback failed", "user_id", userID, "err", terr)
		}
		return newError(ErrorUpstream, "blocking_call_error", err)
	}
	reply := prefix + "\n\n" + answer
	if err := s.text.SendText(ctx, userID, reply); err != nil {
		return classify(ErrorTransport, "attachment_reply_error", err)
	}
	return nil
}

// mediaDownloadURL builds the robot media download link for an attachment
// download code. Empty codes yield an empty link, matching the source
// behavior.
func mediaDownloadURL(downloadCode string) string {
	if downloadCode == "" {
		return ""
	}
	return "https://api.dingtalk.com/v1.0/robot/media/download?downloadCode=" + downloadCode
}

// cardUpdater adapts the renderer to the aggregator's Updater contract. A
// failed card push is recovered locally with a one-shot plain-text send of
// the same content; the remaining stream keeps being consumed.
type cardUpdater struct {
	renderer *Renderer
	text     TextReplier
	userID   string
}

func (u *cardUpdater) Push(ctx context.Context, content string) error {
	err := u.renderer.PushUpdate(ctx, content)
	if err == nil {
		return nil
	}
	slog.Warn("card update failed, falling back to text",
		"user_id", u.userID, "card_instance_id", u.renderer.InstanceID(), "err", err)
	if terr := u.text.SendText(ctx, u.userID, content); terr != nil {
		slog.Error("plain-text fallback failed", "user_id", u.userID, "err", terr)
	}
	return nil
}
