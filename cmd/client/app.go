package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/call"
	"github.com/rx3lixir/boltalka/internal/chat"
	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/presence"
	"github.com/rx3lixir/boltalka/internal/session"
	"github.com/rx3lixir/boltalka/internal/story"
	"github.com/rx3lixir/boltalka/pkg/s3storage"
)

// App is the interactive command loop tying the coordination
// components to stdin
type App struct {
	logger      *log.Logger
	session     *session.Session
	chat        *chat.Store
	presence    *presence.Tracker
	coordinator *call.Coordinator
	stories     *story.Service
	blobs       *s3storage.MinIOClient
}

func (a *App) Run(ctx context.Context) {
	fmt.Println("\nCommands:")
	fmt.Println("  users                     - list conversations")
	fmt.Println("  open <n>                  - open chat with user n")
	fmt.Println("  send <text>               - send a message to the open chat")
	fmt.Println("  sendfile <path>           - send a file to the open chat")
	fmt.Println("  seen                      - mark incoming messages as seen")
	fmt.Println("  story <text|path>         - publish a story")
	fmt.Println("  stories                   - list active stories")
	fmt.Println("  view <n>                  - view story n")
	fmt.Println("  call <n>                  - call user n")
	fmt.Println("  accept / reject / hangup  - call controls")
	fmt.Println("  status                    - show call and presence status")
	fmt.Println("  quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		cmd := parts[0]
		arg := ""
		if len(parts) > 1 {
			arg = strings.TrimSpace(parts[1])
		}

		switch cmd {
		case "users":
			a.listUsers()
		case "open":
			a.openChat(ctx, arg)
		case "send":
			a.sendText(ctx, arg)
		case "sendfile":
			a.sendFile(ctx, arg)
		case "seen":
			a.markSeen(ctx)
		case "story":
			a.publishStory(ctx, arg)
		case "stories":
			a.listStories(ctx)
		case "view":
			a.viewStory(ctx, arg)
		case "call":
			a.startCall(ctx, arg)
		case "accept":
			a.acceptCall(ctx)
		case "reject":
			a.rejectCall(ctx)
		case "hangup":
			a.hangup(ctx)
		case "status":
			a.showStatus()
		case "quit", "exit":
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}
}

func (a *App) listUsers() {
	conversations := a.chat.Conversations()
	if len(conversations) == 0 {
		fmt.Println("No other users yet")
		return
	}

	for i, conv := range conversations {
		marker := " "
		if a.presence.IsOnline(conv.User.ID) {
			marker = "*"
		}

		preview := ""
		if conv.LastMessage != nil {
			if conv.LastMessage.TextContent != nil {
				preview = *conv.LastMessage.TextContent
			} else {
				preview = "[" + conv.LastMessage.MessageType + "]"
			}
		}

		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
		}

		fmt.Printf("%d. %s %s%s  %s\n", i+1, marker, conv.User.Username, unread, preview)
	}
}

// conversationAt resolves a 1-based index from the users list
func (a *App) conversationAt(arg string) (*chat.Conversation, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("expected a user number, got %q", arg)
	}

	conversations := a.chat.Conversations()
	if n < 1 || n > len(conversations) {
		return nil, fmt.Errorf("no user %d, run `users` first", n)
	}

	return &conversations[n-1], nil
}

func (a *App) openChat(ctx context.Context, arg string) {
	conv, err := a.conversationAt(arg)
	if err != nil {
		fmt.Println(err)
		return
	}

	a.chat.SetCurrentChat(conv.User.ID)
	if err := a.chat.FetchMessages(ctx); err != nil {
		a.logger.Error("Failed to load messages", "error", err)
		return
	}

	selfID, _ := a.session.UserID()
	for _, msg := range a.chat.Messages() {
		who := conv.User.Username
		if msg.SenderID == selfID {
			who = "me"
		}
		text := ""
		if msg.TextContent != nil {
			text = *msg.TextContent
		}
		if msg.FileURL != nil {
			text = strings.TrimSpace(text + " [" + *msg.FileURL + "]")
		}
		fmt.Printf("[%s] %s: %s (%s)\n", msg.CreatedAt.Format("15:04"), who, text, msg.Status)
	}
}

func (a *App) sendText(ctx context.Context, text string) {
	other := a.chat.CurrentChat()
	if other == uuid.Nil {
		fmt.Println("Open a chat first")
		return
	}
	if text == "" {
		fmt.Println("Nothing to send")
		return
	}

	if _, err := a.chat.SendMessage(ctx, other, text, db.MessageTypeText, ""); err != nil {
		a.logger.Error("Failed to send message", "error", err)
	}
}

func (a *App) sendFile(ctx context.Context, arg string) {
	other := a.chat.CurrentChat()
	if other == uuid.Nil {
		fmt.Println("Open a chat first")
		return
	}

	path := arg
	if path == "" {
		fmt.Println("Usage: sendfile <path>")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("Failed to read file:", err)
		return
	}

	objectName, err := a.blobs.Upload(ctx, s3storage.PrefixAttachments, filepath.Base(path), data)
	if err != nil {
		a.logger.Error("Failed to upload file", "error", err)
		return
	}

	url := a.blobs.PublicURL(objectName)

	msgType := db.MessageTypeDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		msgType = db.MessageTypeImage
	}

	if _, err := a.chat.SendMessage(ctx, other, "", msgType, url); err != nil {
		a.logger.Error("Failed to send file message", "error", err)
		return
	}

	fmt.Println("Sent", url)
}

// markSeen advances every incoming message of the open chat to seen
func (a *App) markSeen(ctx context.Context) {
	selfID, _ := a.session.UserID()

	for _, msg := range a.chat.Messages() {
		if msg.ReceiverID != selfID || msg.Status == db.MessageStatusSeen {
			continue
		}
		if err := a.chat.MarkAsSeen(ctx, msg.ID); err != nil {
			a.logger.Error("Failed to mark message as seen", "id", msg.ID, "error", err)
		}
	}
}

func (a *App) publishStory(ctx context.Context, arg string) {
	if arg == "" {
		fmt.Println("Usage: story <text or file path>")
		return
	}

	// A readable file becomes a media story, anything else is text
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, err := os.ReadFile(arg)
		if err != nil {
			fmt.Println("Failed to read file:", err)
			return
		}

		objectName, err := a.blobs.Upload(ctx, s3storage.PrefixStories, filepath.Base(arg), data)
		if err != nil {
			a.logger.Error("Failed to upload story media", "error", err)
			return
		}

		if _, err := a.stories.Create(ctx, a.blobs.PublicURL(objectName), "", ""); err != nil {
			a.logger.Error("Failed to publish story", "error", err)
		}
		return
	}

	if _, err := a.stories.Create(ctx, "", arg, ""); err != nil {
		a.logger.Error("Failed to publish story", "error", err)
	}
}

func (a *App) listStories(ctx context.Context) {
	if err := a.stories.Refresh(ctx); err != nil {
		a.logger.Error("Failed to refresh stories", "error", err)
		return
	}

	active := a.stories.Active()
	if len(active) == 0 {
		fmt.Println("No active stories")
		return
	}

	for i, st := range active {
		seen := " "
		if a.stories.HasViewed(st.ID) {
			seen = "✓"
		}

		content := "[media]"
		if st.TextContent != nil {
			content = *st.TextContent
		}

		viewers, err := a.stories.ViewerCount(ctx, st.ID)
		if err != nil {
			viewers = 0
		}

		fmt.Printf("%d. %s %s (expires %s, %d viewers)\n",
			i+1, seen, content, st.ExpiresAt.Format("15:04"), viewers)
	}
}

func (a *App) viewStory(ctx context.Context, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Usage: view <n>")
		return
	}

	active := a.stories.Active()
	if n < 1 || n > len(active) {
		fmt.Printf("No story %d, run `stories` first\n", n)
		return
	}

	st := active[n-1]

	if st.TextContent != nil {
		fmt.Println(*st.TextContent)
	}
	if st.MediaURL != nil {
		fmt.Println(*st.MediaURL)
	}
	if st.Caption != nil {
		fmt.Println(*st.Caption)
	}

	if err := a.stories.RecordView(ctx, st.ID); err != nil {
		a.logger.Error("Failed to record story view", "error", err)
	}
}

func (a *App) startCall(ctx context.Context, arg string) {
	conv, err := a.conversationAt(arg)
	if err != nil {
		fmt.Println(err)
		return
	}

	if _, err := a.coordinator.Initiate(ctx, conv.User.ID); err != nil {
		a.logger.Error("Failed to start call", "error", err)
		return
	}

	fmt.Println("Calling", conv.User.Username, "...")
}

func (a *App) acceptCall(ctx context.Context) {
	incoming := a.coordinator.Incoming()
	if incoming == nil {
		fmt.Println("No incoming call")
		return
	}

	if err := a.coordinator.Accept(ctx, incoming.Call.ID); err != nil {
		a.logger.Error("Failed to accept call", "error", err)
		return
	}

	fmt.Println("In call with", incoming.Caller.Username)
}

func (a *App) rejectCall(ctx context.Context) {
	incoming := a.coordinator.Incoming()
	if incoming == nil {
		fmt.Println("No incoming call")
		return
	}

	if err := a.coordinator.Reject(ctx, incoming.Call.ID); err != nil {
		a.logger.Error("Failed to reject call", "error", err)
	}
}

func (a *App) hangup(ctx context.Context) {
	if err := a.coordinator.End(ctx); err != nil {
		fmt.Println(err)
	}
}

func (a *App) showStatus() {
	fmt.Println("Call state:", a.coordinator.State())

	if incoming := a.coordinator.Incoming(); incoming != nil {
		fmt.Println("Incoming call from", incoming.Caller.Username)
	}

	online := a.presence.OnlineUsers()
	fmt.Printf("%d users online\n", len(online))

	if a.stories.HasUnseen() {
		fmt.Println("You have unseen stories")
	}
}
