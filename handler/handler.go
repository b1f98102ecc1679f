package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dingtalk-dify-relay/internal/domain"
	"dingtalk-dify-relay/internal/usecase"
)

// RelayUseCase is the slice of the relay orchestrator the handler dispatches
// into.
type RelayUseCase interface {
	HandleText(ctx context.Context, msg domain.IncomingMessage) error
	HandleImage(ctx context.Context, msg domain.IncomingMessage) error
	HandleAudio(ctx context.Context, msg domain.IncomingMessage) error
	HandleFile(ctx context.Context, msg domain.IncomingMessage) error
	HandleUnsupported(ctx context.Context, msg domain.IncomingMessage) error
}

// Handler decodes inbound chatbot callbacks once into the tagged message
// schema and dispatches them by kind.
type Handler struct {
	relay RelayUseCase
}

func NewHandler(relay RelayUseCase) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay use case must not be nil")
	}
	return &Handler{relay: relay}, nil
}

// Handle processes one raw callback payload and returns the acknowledgement
// for the gateway. A payload that cannot be decoded is a system error, not a
// silent fallback.
func (h *Handler) Handle(ctx context.Context, payload []byte) domain.Ack {
	msg, err := DecodeIncomingMessage(payload)
	if err != nil {
		slog.Error("failed to decode inbound message", "err", err)
		return domain.Ack{Status: domain.AckSystemError, Detail: "decode error"}
	}

	slog.Info("inbound message",
		"kind", msg.Kind, "sender_id", msg.SenderID,
		"conversation_id", msg.ConversationID, "message_id", msg.MessageID)

	switch msg.Kind {
	case domain.KindText:
		err = h.relay.HandleText(ctx, msg)
	case domain.KindImage:
		err = h.relay.HandleImage(ctx, msg)
	case domain.KindAudio:
		err = h.relay.HandleAudio(ctx, msg)
	case domain.KindFile:
		err = h.relay.HandleFile(ctx, msg)
	default:
		err = h.relay.HandleUnsupported(ctx, msg)
	}
	if err != nil {
		slog.Error("turn failed",
			"kind", msg.Kind, "sender_id", msg.SenderID,
			"conversation_id", msg.ConversationID, "message_id", msg.MessageID, "err", err)
		return ackForError(err)
	}
	return domain.Ack{Status: domain.AckOK, Detail: "OK"}
}

// ackForError maps the error taxonomy onto gateway acknowledgement statuses.
// Auth and transport failures may succeed on redelivery and ask for a retry;
// everything else is a system error. The detail never carries internal error
// text.
func ackForError(err error) domain.Ack {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		switch ucErr.Code {
		case usecase.ErrorAuth, usecase.ErrorTransport:
			return domain.Ack{Status: domain.AckRetry, Detail: string(ucErr.Code)}
		default:
			return domain.Ack{Status: domain.AckSystemError, Detail: string(ucErr.Code)}
		}
	}
	return domain.Ack{Status: domain.AckSystemError, Detail: "internal error"}
}

// chatbotMessage is the raw callback shape sent by the gateway for the
// bot-message topic.
type chatbotMessage struct {
	ConversationID string `json:"conversationId"`
	MsgID          string `json:"msgId"`
	MsgType        string `json:"msgtype"`
	SenderStaffID  string `json:"senderStaffId"`
	SenderNick     string `json:"senderNick"`
	Text           *struct {
		Content string `json:"content"`
	} `json:"text"`
	Content *struct {
		DownloadCode string `json:"downloadCode"`
		FileName     string `json:"fileName"`
		FileSize     int64  `json:"fileSize"`
		Duration     int64  `json:"duration"`
	} `json:"content"`
}

// DecodeIncomingMessage decodes the raw payload into the fixed tagged schema.
// Missing identity or, for text messages, empty content is an explicit error.
func DecodeIncomingMessage(payload []byte) (domain.IncomingMessage, error) {
	var raw chatbotMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.IncomingMessage{}, fmt.Errorf("handler: decode message: %w", err)
	}
	if strings.TrimSpace(raw.SenderStaffID) == "" {
		return domain.IncomingMessage{}, errors.New("handler: message missing senderStaffId")
	}

	msg := domain.IncomingMessage{
		SenderID:       raw.SenderStaffID,
		SenderNick:     raw.SenderNick,
		ConversationID: raw.ConversationID,
		MessageID:      raw.MsgID,
		Kind:           messageKind(raw.MsgType),
	}

	switch msg.Kind {
	case domain.KindText:
		if raw.Text == nil || strings.TrimSpace(raw.Text.Content) == "" {
			return domain.IncomingMessage{}, errors.New("handler: text message missing content")
		}
		msg.Content = strings.TrimSpace(raw.Text.Content)
	case domain.KindImage, domain.KindAudio, domain.KindFile:
		if raw.Content != nil {
			msg.DownloadCode = raw.Content.DownloadCode
			msg.FileName = raw.Content.FileName
			msg.FileSize = raw.Content.FileSize
			msg.DurationMS = raw.Content.Duration
		}
	}
	return msg, nil
}

// messageKind maps the transport's msgtype tag onto the internal enum.
// Unknown tags are the "other" variant, handled with a fixed notice.
func messageKind(msgType string) domain.MessageKind {
	switch msgType {
	case "text":
		return domain.KindText
	case "picture":
		return domain.KindImage
	case "audio":
		return domain.KindAudio
	case "file":
		return domain.KindFile
	default:
		return domain.KindOther
	}
}
