package chat

import "time"

// DeliveryState tracks where a message is in its send lifecycle.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateConfirmed DeliveryState = "CONFIRMED"
	StateFailed    DeliveryState = "FAILED"
)

// Profile is the identity and display attributes of a user.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is one entry of a peer timeline. ID is either a temporary client
// token (while PENDING) or the server-assigned identifier.
type Message struct {
	ID          string        `json:"id"`
	PeerID      string        `json:"conversationPeerId,omitempty"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Content     string        `json:"content,omitempty"`
	Media       string        `json:"media,omitempty"`
	ParentID    string        `json:"parentId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	State       DeliveryState `json:"deliveryState,omitempty"`
	IsTemp      bool          `json:"isTemp,omitempty"`
	ClientToken string        `json:"clientToken,omitempty"`

	// Identity embedded by the server, when it has it.
	Sender   *Profile `json:"sender,omitempty"`
	Receiver *Profile `json:"receiver,omitempty"`
}

// HasMedia reports whether the message carries a media reference.
func (m Message) HasMedia() bool { return m.Media != "" }

// PeerFor returns the other participant of m from selfID's point of view.
func (m Message) PeerFor(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ProfileOf returns the embedded identity for userID, or nil.
func (m Message) ProfileOf(userID string) *Profile {
	if m.Sender != nil && m.Sender.ID == userID {
		return m.Sender
	}
	if m.Receiver != nil && m.Receiver.ID == userID {
		return m.Receiver
	}
	return nil
}

// confirmed returns a copy of m promoted to CONFIRMED.
func (m Message) confirmed() Message {
	m.State = StateConfirmed
	m.IsTemp = false
	return m
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Peer        Profile   `json:"partner"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// sortTime is the recency key used to order the directory.
func (s ConversationSummary) sortTime() time.Time {
	if s.LastMessage != nil && !s.LastMessage.CreatedAt.IsZero() {
		return s.LastMessage.CreatedAt
	}
	return s.UpdatedAt
}

// ComposePayload is what the user typed. It is handed back unmodified when a
// send fails so the compose field can be repopulated.
type ComposePayload struct {
	PeerID   string `json:"peerId"`
	Content  string `json:"content,omitempty"`
	Media    string `json:"media,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// OutgoingMessage is the body of a send request to the message store.
type OutgoingMessage struct {
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content,omitempty"`
	ParentID    string `json:"parentId,omitempty"`
	Media       string `json:"media,omitempty"`
	ClientToken string `json:"clientToken,omitempty"`
}

// Notice is a user-visible, dismissible report of a failed send.
type Notice struct {
	TempID  string
	Err     error
	Payload ComposePayload
}

// EventKind names an inbound push event.
type EventKind string

const (
	EventNewMessage     EventKind = "newMessage"
	EventMessageSent    EventKind = "messageSent"
	EventMessageDeleted EventKind = "messageDeleted"
)

// Event is one inbound push from the transport.
type Event struct {
	Kind      EventKind
	Message   *Message
	MessageID string
}
