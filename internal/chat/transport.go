package chat

import "context"

// Transport opens push channels. Implementations live outside this package
// and are handed to the Engine, so no process-wide connection exists.
type Transport interface {
	Connect(ctx context.Context, token string) (Channel, error)
}

// Channel is one live push connection. Events is closed when the channel
// goes away, either through Close or a transport failure.
type Channel interface {
	JoinRoom(ctx context.Context, selfID string) error
	Events() <-chan Event
	Close() error
}

// Sender delivers an outgoing message and returns the stored copy.
type Sender interface {
	SendMessage(ctx context.Context, out OutgoingMessage) (Message, error)
}

// ReceiptSender tells the backend everything from peerID has been read.
type ReceiptSender interface {
	MarkRead(ctx context.Context, peerID string) error
}

// History loads conversations and timelines from the backend.
type History interface {
	FetchConversations(ctx context.Context) ([]ConversationSummary, error)
	FetchTimeline(ctx context.Context, peerID string) ([]Message, *Profile, error)
}

// Deleter removes a stored message.
type Deleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// Backend is the REST side of the message store.
type Backend interface {
	Sender
	ReceiptSender
	History
	Deleter
}
