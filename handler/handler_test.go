package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"dingtalk-dify-relay/internal/domain"
	"dingtalk-dify-relay/internal/usecase"
)

type stubRelay struct {
	lastKind domain.MessageKind
	lastMsg  domain.IncomingMessage
	err      error
}

func (s *stubRelay) handle(kind domain.MessageKind, msg domain.IncomingMessage) error {
	s.lastKind = kind
	s.lastMsg = msg
	return s.err
}

func (s *stubRelay) HandleText(_ context.Context, msg domain.IncomingMessage) error {
	return s.handle(domain.KindText, msg)
}

func (s *stubRelay) HandleImage(_ context.Context, msg domain.IncomingMessage) error {
	return s.handle(domain.KindImage, msg)
}

func (s *stubRelay) HandleAudio(_ context.Context, msg domain.IncomingMessage) error {
	return s.handle(domain.KindAudio, msg)
}

func (s *stubRelay) HandleFile(_ context.Context, msg domain.IncomingMessage) error {
	return s.handle(domain.KindFile, msg)
}

func (s *stubRelay) HandleUnsupported(_ context.Context, msg domain.IncomingMessage) error {
	return s.handle(domain.KindOther, msg)
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_TextDispatch(t *testing.T) {
	relay := &stubRelay{}
	h, err := NewHandler(relay)
	require.NoError(t, err)

	payload := `{
		"conversationId": "cid-1",
		"msgId": "msg-1",
		"msgtype": "text",
		"senderStaffId": "user-1",
		"senderNick": "Ada",
		"text": {"content": "  hello  "}
	}`
	ack := h.Handle(context.Background(), []byte(payload))
	require.Equal(t, domain.AckOK, ack.Status)
	require.Equal(t, domain.KindText, relay.lastKind)
	require.Equal(t, "hello", relay.lastMsg.Content, "content is trimmed at the boundary")
	require.Equal(t, "user-1", relay.lastMsg.SenderID)
	require.Equal(t, "cid-1", relay.lastMsg.ConversationID)
	require.Equal(t, "msg-1", relay.lastMsg.MessageID)
}

func TestHandle_KindDispatch(t *testing.T) {
	cases := []struct {
		msgtype string
		want    domain.MessageKind
	}{
		{"picture", domain.KindImage},
		{"audio", domain.KindAudio},
		{"file", domain.KindFile},
		{"richText", domain.KindOther},
		{"video", domain.KindOther},
	}
	for _, tc := range cases {
		relay := &stubRelay{}
		h, err := NewHandler(relay)
		require.NoError(t, err)

		payload := `{"msgtype":"` + tc.msgtype + `","senderStaffId":"user-1"}`
		ack := h.Handle(context.Background(), []byte(payload))
		require.Equal(t, domain.AckOK, ack.Status, "msgtype=%s", tc.msgtype)
		require.Equal(t, tc.want, relay.lastKind, "msgtype=%s", tc.msgtype)
	}
}

func TestHandle_FileMetadataDecoded(t *testing.T) {
	relay := &stubRelay{}
	h, err := NewHandler(relay)
	require.NoError(t, err)

	payload := `{
		"msgtype": "file",
		"senderStaffId": "user-1",
		"content": {"downloadCode": "dl-9", "fileName": "notes.txt", "fileSize": 512}
	}`
	ack := h.Handle(context.Background(), []byte(payload))
	require.Equal(t, domain.AckOK, ack.Status)
	require.Equal(t, "dl-9", relay.lastMsg.DownloadCode)
	require.Equal(t, "notes.txt", relay.lastMsg.FileName)
	require.EqualValues(t, 512, relay.lastMsg.FileSize)
}

func TestHandle_DecodeErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"msgtype":`},
		{"missing sender", `{"msgtype":"text","text":{"content":"hi"}}`},
		{"text without content", `{"msgtype":"text","senderStaffId":"user-1"}`},
		{"text with blank content", `{"msgtype":"text","senderStaffId":"user-1","text":{"content":"   "}}`},
	}
	for _, tc := range cases {
		relay := &stubRelay{}
		h, err := NewHandler(relay)
		require.NoError(t, err)

		ack := h.Handle(context.Background(), []byte(tc.payload))
		require.Equal(t, domain.AckSystemError, ack.Status, tc.name)
		require.Empty(t, relay.lastKind, "no dispatch on decode error: %s", tc.name)
	}
}

func TestHandle_AckMapping(t *testing.T) {
	payload := `{"msgtype":"text","senderStaffId":"user-1","text":{"content":"hi"}}`

	cases := []struct {
		name string
		err  error
		want domain.AckStatus
	}{
		{"auth error retries", &usecase.Error{Code: usecase.ErrorAuth, Reason: "token"}, domain.AckRetry},
		{"transport error retries", &usecase.Error{Code: usecase.ErrorTransport, Reason: "send"}, domain.AckRetry},
		{"upstream error is terminal", &usecase.Error{Code: usecase.ErrorUpstream, Reason: "stream"}, domain.AckSystemError},
		{"card creation error is terminal", &usecase.Error{Code: usecase.ErrorCardCreation, Reason: "create"}, domain.AckSystemError},
		{"plain error is terminal", errors.New("boom"), domain.AckSystemError},
	}
	for _, tc := range cases {
		relay := &stubRelay{err: tc.err}
		h, err := NewHandler(relay)
		require.NoError(t, err)

		ack := h.Handle(context.Background(), []byte(payload))
		require.Equal(t, tc.want, ack.Status, tc.name)
	}
}

func TestHandle_AckDetailNeverLeaksInternalError(t *testing.T) {
	payload := `{"msgtype":"text","senderStaffId":"user-1","text":{"content":"hi"}}`
	relay := &stubRelay{err: errors.New("secret dsn: postgres://u:p@host")}
	h, err := NewHandler(relay)
	require.NoError(t, err)

	ack := h.Handle(context.Background(), []byte(payload))
	require.Equal(t, domain.AckSystemError, ack.Status)
	require.NotContains(t, ack.Detail, "postgres://")
}
