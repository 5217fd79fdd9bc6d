// Package chat maintains the local view of one-on-one conversations:
// the conversation list with unread counts, and the message thread of
// the currently open chat. State is refreshed wholesale from the store
// whenever the change feed reports message activity.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/session"
)

// MessageStore is the slice of the store layer the chat view needs
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *db.Message) error
	GetMessagesBetween(ctx context.Context, a, b uuid.UUID) ([]*db.Message, error)
	GetLastMessageBetween(ctx context.Context, a, b uuid.UUID) (*db.Message, error)
	CountUnseenFrom(ctx context.Context, receiverID, senderID uuid.UUID) (int, error)
	AdvanceMessageStatus(ctx context.Context, id uuid.UUID, status string) error
}

type UserStore interface {
	GetOtherUsers(ctx context.Context, selfID uuid.UUID) ([]*db.User, error)
}

// Conversation is one row of the conversation list: the counterpart,
// the latest message exchanged with them (nil when none), and how many
// of their messages we have not seen yet.
type Conversation struct {
	User        *db.User
	LastMessage *db.Message
	UnreadCount int
}

// Store holds the conversation list and the open thread. All state
// transitions are whole-sale replacements computed from fresh store
// reads; a failed refresh leaves the previous state intact.
type Store struct {
	messages MessageStore
	users    UserStore
	session  *session.Session
	logger   *log.Logger

	mu            sync.RWMutex
	conversations []Conversation
	thread        []*db.Message
	currentChat   uuid.UUID
	typing        map[uuid.UUID]bool
}

func NewStore(messages MessageStore, users UserStore, sess *session.Session, logger *log.Logger) *Store {
	return &Store{
		messages: messages,
		users:    users,
		session:  sess,
		logger:   logger,
		typing:   make(map[uuid.UUID]bool),
	}
}

// FetchConversations rebuilds the conversation list: every other user,
// their last message with us and the unread count, sorted by recency
// with never-messaged users at the bottom. A no-op when signed out.
func (s *Store) FetchConversations(ctx context.Context) error {
	selfID, ok := s.session.UserID()
	if !ok {
		return nil
	}

	users, err := s.users.GetOtherUsers(ctx, selfID)
	if err != nil {
		return fmt.Errorf("failed to fetch users: %w", err)
	}

	conversations := make([]Conversation, 0, len(users))
	for _, u := range users {
		last, err := s.messages.GetLastMessageBetween(ctx, selfID, u.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch last message: %w", err)
		}

		unread, err := s.messages.CountUnseenFrom(ctx, selfID, u.ID)
		if err != nil {
			return fmt.Errorf("failed to count unread messages: %w", err)
		}

		conversations = append(conversations, Conversation{
			User:        u,
			LastMessage: last,
			UnreadCount: unread,
		})
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i].LastMessage, conversations[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})

	s.mu.Lock()
	s.conversations = conversations
	s.mu.Unlock()

	return nil
}

// FetchMessages reloads the thread of the currently open chat.
// A no-op when signed out or no chat is open.
func (s *Store) FetchMessages(ctx context.Context) error {
	selfID, ok := s.session.UserID()
	if !ok {
		return nil
	}

	s.mu.RLock()
	other := s.currentChat
	s.mu.RUnlock()

	if other == uuid.Nil {
		return nil
	}

	thread, err := s.messages.GetMessagesBetween(ctx, selfID, other)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	s.mu.Lock()
	s.thread = thread
	s.mu.Unlock()

	return nil
}

// SendMessage writes a new message to the store. Text messages require
// content, file messages require a file URL and carry no text; exactly
// one of the two payloads is ever set. The local thread is not
// touched; the change feed triggers the refresh that makes it visible.
func (s *Store) SendMessage(ctx context.Context, receiverID uuid.UUID, content, msgType, fileURL string) (*db.Message, error) {
	selfID, ok := s.session.UserID()
	if !ok {
		return nil, session.ErrNotAuthenticated
	}

	msg := &db.Message{
		SenderID:    selfID,
		ReceiverID:  receiverID,
		MessageType: msgType,
	}

	switch msgType {
	case db.MessageTypeText:
		if content == "" {
			return nil, fmt.Errorf("text message requires content")
		}
		msg.TextContent = &content
	case db.MessageTypeImage, db.MessageTypeDocument:
		if fileURL == "" {
			return nil, fmt.Errorf("%s message requires a file URL", msgType)
		}
		if content != "" {
			return nil, fmt.Errorf("%s message cannot carry text content", msgType)
		}
		msg.FileURL = &fileURL
	default:
		return nil, fmt.Errorf("unknown message type: %s", msgType)
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// MarkAsSeen advances a message to `seen`. Safe to repeat: a message
// already seen stays seen.
func (s *Store) MarkAsSeen(ctx context.Context, messageID uuid.UUID) error {
	if _, ok := s.session.UserID(); !ok {
		return session.ErrNotAuthenticated
	}

	return s.messages.AdvanceMessageStatus(ctx, messageID, db.MessageStatusSeen)
}

// SetCurrentChat opens the chat with the given user. uuid.Nil closes
// the open chat and drops its thread.
func (s *Store) SetCurrentChat(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentChat = userID
	if userID == uuid.Nil {
		s.thread = nil
	}
}

func (s *Store) CurrentChat() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.currentChat
}

// SetTyping records the local typing indicator for a counterpart
func (s *Store) SetTyping(userID uuid.UUID, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if typing {
		s.typing[userID] = true
	} else {
		delete(s.typing, userID)
	}
}

func (s *Store) IsTyping(userID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.typing[userID]
}

// Conversations returns a copy of the current conversation list
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Messages returns a copy of the open thread
func (s *Store) Messages() []*db.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*db.Message, len(s.thread))
	copy(out, s.thread)
	return out
}

// Bind subscribes the store to message change events. Any event on the
// messages table refreshes the conversation list, and the open thread
// if there is one. Returns the unsubscribe function.
func (s *Store) Bind(ctx context.Context, src feed.Source) func() {
	return src.Subscribe(feed.TableMessages, nil, func(ev feed.Event) {
		if err := s.FetchConversations(ctx); err != nil {
			s.logger.Warn("Failed to refresh conversations", "error", err)
		}
		if err := s.FetchMessages(ctx); err != nil {
			s.logger.Warn("Failed to refresh open chat", "error", err)
		}
	})
}
