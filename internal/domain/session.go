package domain

import "time"

// Session binds a user to an ongoing conversation. The conversation id is
// generated once and stays stable for the life of the session; the registry
// replaces the whole record once the session has idled past its timeout.
type Session struct {
	UserID           string
	ConversationID   string
	LastActivity     time.Time
	ActiveRendererID string
}
