package messaging

import (
	"chatsync/internal/chat"
)

// ---------------------------------------------
// API responses
// ---------------------------------------------

type sendResponse struct {
	Message chat.Message `json:"message"`
}

type historyResponse struct {
	Messages []chat.Message `json:"messages"`
	Partner  chat.Profile   `json:"partner"`
}

type conversationsResponse struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
}

type ackResponse struct {
	OK      bool  `json:"ok"`
	Updated int64 `json:"updated,omitempty"`
}

// ---------------------------------------------
// Internal hub models
// ---------------------------------------------

// roomFrame is one encoded push event bound for every connection of a user.
type roomFrame struct {
	UserID  int
	Payload []byte
}
