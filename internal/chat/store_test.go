package chat

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

// fakeStore is an in-memory MessageStore + UserStore. When a notifier
// is attached it announces mutations like the real store does.
type fakeStore struct {
	mu       sync.Mutex
	users    []*db.User
	messages []*db.Message
	notifier feed.Notifier
	clock    time.Time
}

func newFakeStore(users ...*db.User) *fakeStore {
	return &fakeStore{
		users: users,
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) notify(table string, kind feed.EventKind, id uuid.UUID) {
	if f.notifier != nil {
		_ = f.notifier.Notify(context.Background(), feed.Event{Table: table, Kind: kind, RowID: id})
	}
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg *db.Message) error {
	f.mu.Lock()
	msg.ID = uuid.New()
	msg.CreatedAt = f.tick()
	if msg.Status == "" {
		msg.Status = db.MessageStatusSent
	}
	clone := *msg
	f.messages = append(f.messages, &clone)
	f.mu.Unlock()

	f.notify(feed.TableMessages, feed.EventInsert, msg.ID)
	return nil
}

func (f *fakeStore) between(a, b uuid.UUID) []*db.Message {
	out := []*db.Message{}
	for _, m := range f.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeStore) GetMessagesBetween(ctx context.Context, a, b uuid.UUID) ([]*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.between(a, b), nil
}

func (f *fakeStore) GetLastMessageBetween(ctx context.Context, a, b uuid.UUID) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := f.between(a, b)
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1], nil
}

func (f *fakeStore) CountUnseenFrom(ctx context.Context, receiverID, senderID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, m := range f.messages {
		if m.ReceiverID == receiverID && m.SenderID == senderID && m.Status == db.MessageStatusSent {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) AdvanceMessageStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	var advanced bool
	for _, m := range f.messages {
		if m.ID == id && db.StatusRank(status) > db.StatusRank(m.Status) {
			m.Status = status
			advanced = true
		}
	}
	f.mu.Unlock()

	if advanced {
		f.notify(feed.TableMessages, feed.EventUpdate, id)
	}
	return nil
}

func (f *fakeStore) GetOtherUsers(ctx context.Context, selfID uuid.UUID) ([]*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []*db.User{}
	for _, u := range f.users {
		if u.ID != selfID {
			out = append(out, u)
		}
	}
	return out, nil
}

func testUser(name string) *db.User {
	return &db.User{ID: uuid.New(), Username: name}
}

func signedInStore(t *testing.T, self *db.User, others ...*db.User) (*Store, *fakeStore) {
	t.Helper()

	store := newFakeStore(append([]*db.User{self}, others...)...)
	sess := session.New()
	sess.SignIn(self.ID, self.Username, "access", "refresh")

	return NewStore(store, store, sess, testLogger()), store
}

func TestSendAndFetchConversation(t *testing.T) {
	ctx := context.Background()
	alice := testUser("alice")
	bob := testUser("bob")

	chat, _ := signedInStore(t, alice, bob)

	msg, err := chat.SendMessage(ctx, bob.ID, "hi", db.MessageTypeText, "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.Status != db.MessageStatusSent {
		t.Errorf("new message status = %q, want %q", msg.Status, db.MessageStatusSent)
	}

	if err := chat.FetchConversations(ctx); err != nil {
		t.Fatalf("FetchConversations() error = %v", err)
	}

	conversations := chat.Conversations()
	if len(conversations) != 1 {
		t.Fatalf("got %d conversations, want 1", len(conversations))
	}
	conv := conversations[0]
	if conv.User.ID != bob.ID {
		t.Errorf("conversation user = %s, want bob", conv.User.Username)
	}
	if conv.LastMessage == nil || *conv.LastMessage.TextContent != "hi" {
		t.Errorf("last message = %v, want \"hi\"", conv.LastMessage)
	}
	// Our own outgoing message is not unread for us
	if conv.UnreadCount != 0 {
		t.Errorf("unread count = %d, want 0", conv.UnreadCount)
	}
}

func TestConversationsSortedByRecency(t *testing.T) {
	ctx := context.Background()
	alice := testUser("alice")
	bob := testUser("bob")
	carol := testUser("carol")
	dave := testUser("dave")

	chat, _ := signedInStore(t, alice, bob, carol, dave)

	// Message carol first, then bob; dave never
	if _, err := chat.SendMessage(ctx, carol.ID, "first", db.MessageTypeText, ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if _, err := chat.SendMessage(ctx, bob.ID, "second", db.MessageTypeText, ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if err := chat.FetchConversations(ctx); err != nil {
		t.Fatalf("FetchConversations() error = %v", err)
	}

	conversations := chat.Conversations()
	if len(conversations) != 3 {
		t.Fatalf("got %d conversations, want 3", len(conversations))
	}

	want := []uuid.UUID{bob.ID, carol.ID, dave.ID}
	for i, id := range want {
		if conversations[i].User.ID != id {
			t.Errorf("position %d = %s, want user %s", i, conversations[i].User.Username, id)
		}
	}
	if conversations[2].LastMessage != nil {
		t.Error("never-messaged user has a last message")
	}
}

func TestUnreadCountAndMarkAsSeen(t *testing.T) {
	ctx := context.Background()
	alice := testUser("alice")
	bob := testUser("bob")

	// Bob sends two messages to alice
	bobChat, store := signedInStore(t, bob, alice)
	if _, err := bobChat.SendMessage(ctx, alice.ID, "one", db.MessageTypeText, ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	msg2, err := bobChat.SendMessage(ctx, alice.ID, "two", db.MessageTypeText, "")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	// Alice sees two unread
	aliceSession := session.New()
	aliceSession.SignIn(alice.ID, alice.Username, "access", "refresh")
	aliceChat := NewStore(store, store, aliceSession, testLogger())

	if err := aliceChat.FetchConversations(ctx); err != nil {
		t.Fatalf("FetchConversations() error = %v", err)
	}
	if got := aliceChat.Conversations()[0].UnreadCount; got != 2 {
		t.Fatalf("unread count = %d, want 2", got)
	}

	// Marking one as seen drops the count; repeating is harmless
	if err := aliceChat.MarkAsSeen(ctx, msg2.ID); err != nil {
		t.Fatalf("MarkAsSeen() error = %v", err)
	}
	if err := aliceChat.MarkAsSeen(ctx, msg2.ID); err != nil {
		t.Fatalf("repeated MarkAsSeen() error = %v", err)
	}

	if err := aliceChat.FetchConversations(ctx); err != nil {
		t.Fatalf("FetchConversations() error = %v", err)
	}
	if got := aliceChat.Conversations()[0].UnreadCount; got != 1 {
		t.Fatalf("unread count after seen = %d, want 1", got)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	alice := testUser("alice")
	bob := testUser("bob")

	chat, _ := signedInStore(t, alice, bob)

	if _, err := chat.SendMessage(ctx, bob.ID, "", db.MessageTypeText, ""); err == nil {
		t.Error("empty text message accepted")
	}
	if _, err := chat.SendMessage(ctx, bob.ID, "", db.MessageTypeImage, ""); err == nil {
		t.Error("image message without file URL accepted")
	}
	if _, err := chat.SendMessage(ctx, bob.ID, "hi", "carrier-pigeon", ""); err == nil {
		t.Error("unknown message type accepted")
	}
	// A file message carries exactly the file payload, never text
	if _, err := chat.SendMessage(ctx, bob.ID, "a caption", db.MessageTypeImage, "http://blobs/x.png"); err == nil {
		t.Error("image message with text content accepted")
	}

	msg, err := chat.SendMessage(ctx, bob.ID, "", db.MessageTypeImage, "http://blobs/x.png")
	if err != nil {
		t.Fatalf("image message with URL rejected: %v", err)
	}
	if msg.FileURL == nil {
		t.Error("image message lost its URL")
	}
	if msg.TextContent != nil {
		t.Errorf("image message carries text content %q", *msg.TextContent)
	}
}

func TestSignedOutDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(testUser("alice"))
	chat := NewStore(store, store, session.New(), testLogger())

	if err := chat.FetchConversations(ctx); err != nil {
		t.Fatalf("FetchConversations() signed out error = %v", err)
	}
	if len(chat.Conversations()) != 0 {
		t.Error("signed-out fetch produced conversations")
	}

	if _, err := chat.SendMessage(ctx, uuid.New(), "hi", db.MessageTypeText, ""); err != session.ErrNotAuthenticated {
		t.Fatalf("SendMessage() signed out error = %v, want ErrNotAuthenticated", err)
	}
}

func TestBindRefreshesOnFeedEvents(t *testing.T) {
	ctx := context.Background()
	alice := testUser("alice")
	bob := testUser("bob")

	aliceChat, store := signedInStore(t, alice, bob)

	bus := feed.NewBus()
	store.notifier = bus

	unsubscribe := aliceChat.Bind(ctx, bus)
	defer unsubscribe()

	aliceChat.SetCurrentChat(bob.ID)

	// Bob's write lands through the feed without an explicit fetch
	bobSession := session.New()
	bobSession.SignIn(bob.ID, bob.Username, "access", "refresh")
	bobChat := NewStore(store, store, bobSession, testLogger())

	if _, err := bobChat.SendMessage(ctx, alice.ID, "ping", db.MessageTypeText, ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	conversations := aliceChat.Conversations()
	if len(conversations) != 1 || conversations[0].UnreadCount != 1 {
		t.Fatalf("conversations after feed event = %+v, want one with 1 unread", conversations)
	}

	thread := aliceChat.Messages()
	if len(thread) != 1 || *thread[0].TextContent != "ping" {
		t.Fatalf("thread after feed event = %v, want [ping]", thread)
	}
}
