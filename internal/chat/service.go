package chat

import (
	"context"
	"strings"
	"time"

	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/realtime"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Service exposes the chat operations on top of the store. Every write
// that changes the message log is published on the realtime feed after it
// commits.
type Service struct {
	db   *store.DB
	feed *realtime.Feed
	bus  *bus.Bus
	log  *zap.Logger
	now  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for message, clear and delete
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a chat service.
func NewService(db *store.DB, feed *realtime.Feed, b *bus.Bus, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:   db,
		feed: feed,
		bus:  b,
		log:  log,
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartConversation returns the conversation between userID and
// otherUserID, creating it on first contact. Re-opening a conversation
// userID had deleted brings it back into their list.
func (s *Service) StartConversation(ctx context.Context, userID, otherUserID string) (string, error) {
	if userID == "" || otherUserID == "" {
		return "", ErrMissingUser
	}
	if userID == otherUserID {
		return "", ErrSelfConversation
	}

	id, err := s.db.GetOrCreateConversation(ctx, userID, otherUserID, s.now())
	if err != nil {
		return "", fromStore("get or create conversation", err)
	}
	if err := s.db.RestoreChat(ctx, userID, id); err != nil {
		return "", unavailable("restore conversation", err)
	}
	return id, nil
}

// ListConversations returns userID's conversation list. On failure the
// error is classified unavailable; callers show an empty list.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	list, err := s.db.ListConversations(ctx, userID)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	if list == nil {
		list = []store.ConversationSummary{}
	}
	return list, nil
}

// Conversation loads a conversation and checks that viewerID takes part in it.
func (s *Service) Conversation(ctx context.Context, conversationID, viewerID string) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	if viewerID == "" {
		return nil, ErrMissingUser
	}
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fromStore("load conversation", err)
	}
	if !c.HasParticipant(viewerID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// FetchMessages returns one page of the conversation as the viewer sees
// it, oldest first.
func (s *Service) FetchMessages(ctx context.Context, in store.FetchMessagesInput) ([]store.Message, error) {
	if _, err := s.Conversation(ctx, in.ConversationID, in.ViewerID); err != nil {
		return nil, err
	}
	if in.Offset < 0 {
		in.Offset = 0
	}
	if in.Limit <= 0 {
		in.Limit = DefaultPageSize
	}
	if in.Limit > MaxPageSize {
		in.Limit = MaxPageSize
	}

	msgs, err := s.db.FetchMessages(ctx, in)
	if err != nil {
		return nil, unavailable("fetch messages", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// ClearedAt returns the viewer's clear cutoff for the conversation.
func (s *Service) ClearedAt(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	at, ok, err := s.db.ClearedAt(ctx, userID, conversationID)
	if err != nil {
		return time.Time{}, false, unavailable("load clear cutoff", err)
	}
	return at, ok, nil
}

// SendMessage appends a message and publishes the INSERT change. The
// message is not returned to any view directly; subscribers pick it up
// from the feed.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	if senderID == "" {
		return nil, ErrMissingUser
	}
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	msg, pn, err := s.db.AppendMessage(ctx, store.AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Now:            s.now(),
	})
	if err != nil {
		return nil, fromStore("append message", err)
	}

	s.feed.Publish(realtime.Change{
		Type:         realtime.Insert,
		New:          msg,
		Participants: [2]string{pn.SenderID, pn.ReceiverID},
	})
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindNotificationQueued, Timestamp: msg.CreatedAt, Payload: *pn})
	}

	s.log.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.String("sender_id", senderID))
	return msg, nil
}

// ClearChat hides everything currently in the conversation from userID and
// returns the new cutoff.
func (s *Service) ClearChat(ctx context.Context, userID, conversationID string) (time.Time, error) {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return time.Time{}, err
	}
	at := s.now()
	if err := s.db.ClearChat(ctx, userID, conversationID, at); err != nil {
		return time.Time{}, unavailable("clear chat", err)
	}
	s.log.Info("chat cleared", zap.String("user_id", userID), zap.String("conversation_id", conversationID))
	return at, nil
}

// DeleteChat hides the conversation from userID's list and recent chats.
// The other participant keeps everything.
func (s *Service) DeleteChat(ctx context.Context, userID, conversationID string) error {
	c, err := s.Conversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteChat(ctx, userID, conversationID, c.Other(userID), s.now()); err != nil {
		return unavailable("delete chat", err)
	}
	s.log.Info("chat deleted", zap.String("user_id", userID), zap.String("conversation_id", conversationID))
	return nil
}

// MarkRead records that userID has read the conversation up to now.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) error {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.db.MarkRead(ctx, userID, conversationID, s.now()); err != nil {
		return unavailable("mark read", err)
	}
	return nil
}

// RecentChats returns userID's recent chat partners.
func (s *Service) RecentChats(ctx context.Context, userID string, limit int) ([]store.RecentChat, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	list, err := s.db.ListRecentChats(ctx, userID, limit)
	if err != nil {
		return nil, unavailable("list recent chats", err)
	}
	if list == nil {
		list = []store.RecentChat{}
	}
	return list, nil
}
