package domain

// MessageKind tags the decoded inbound message variant.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
	KindOther MessageKind = "other"
)

// IncomingMessage is the fixed schema an inbound chatbot callback is decoded
// into. The transport decodes exactly once; downstream code never touches the
// raw payload again.
type IncomingMessage struct {
	SenderID       string
	SenderNick     string
	ConversationID string // transport-side conversation, not the session conversation id
	MessageID      string
	Kind           MessageKind

	// Text content, set only for KindText.
	Content string

	// Attachment metadata, set for image/audio/file kinds where present.
	FileName     string
	FileSize     int64
	DurationMS   int64
	DownloadCode string
}

// AckStatus is the result the transport reports back to the gateway after a
// message has been processed.
type AckStatus string

const (
	AckOK          AckStatus = "OK"
	AckRetry       AckStatus = "RETRY"
	AckSystemError AckStatus = "SYSTEM_ERROR"
)

// Ack pairs an acknowledgement status with a short human-readable detail.
type Ack struct {
	Status AckStatus
	Detail string
}

// StreamEvent is one decoded chunk from the upstream answer stream. Answer is
// nil when the chunk carried no answer fragment (such chunks are skipped, not
// treated as errors).
type StreamEvent struct {
	Event  string
	Answer *string
}
