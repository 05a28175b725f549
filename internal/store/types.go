package store

import "time"

// Conversation is a two-party thread. UserA < UserB always holds.
type Conversation struct {
	ID            string
	UserA         string
	UserB         string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// HasParticipant reports whether userID is one of the two parties.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ConversationID  string    `json:"conversation_id"`
	OtherUserID     string    `json:"other_user_id"`
	OtherName       string    `json:"other_name"`
	OtherAvatar     string    `json:"other_avatar"`
	OtherUniversity string    `json:"other_university"`
	LastMessage     string    `json:"last_message"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
}

// Message is an immutable entry of a conversation's log.
type Message struct {
	Seq            int64     `json:"seq,omitempty"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecentChat is an entry of a user's recent-chats listing.
type RecentChat struct {
	UserID         string    `json:"user_id"`
	OtherUserID    string    `json:"other_user_id"`
	ConversationID string    `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PendingNotification is a queued push for the receiver of a message.
type PendingNotification struct {
	ID               string
	MessageID        string
	SenderID         string
	ReceiverID       string
	ConversationID   string
	Delivered        bool
	DeliveryAttempts int
	ErrorMessage     string
	LastAttemptAt    time.Time
	CreatedAt        time.Time
}

// Push token types understood by the dispatch worker.
const (
	TokenTypeWeb  = "web"
	TokenTypeExpo = "expo"
)

// Profile is the slice of a user profile the chat core reads.
type Profile struct {
	UserID        string
	DisplayName   string
	AvatarURL     string
	University    string
	PushToken     string
	PushTokenType string
}
