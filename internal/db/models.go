package db

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID               uuid.UUID  `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	AvatarURL        *string    `json:"avatar_url,omitempty"`
	Status           string     `json:"status"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Message struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"sender_id"`
	ReceiverID  uuid.UUID `json:"receiver_id"`
	MessageType string    `json:"message_type"`
	TextContent *string   `json:"text_content,omitempty"`
	FileURL     *string   `json:"file_url,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeDocument = "document"
)

// Message delivery statuses, strictly ordered. A message only ever
// moves forward: sent -> delivered -> seen.
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusSeen      = "seen"
)

// StatusRank maps a delivery status to its position in the
// sent -> delivered -> seen progression. Unknown statuses rank lowest.
func StatusRank(status string) int {
	switch status {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusSeen:
		return 3
	default:
		return 0
	}
}

type Story struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	MediaURL    *string   `json:"media_url,omitempty"`
	TextContent *string   `json:"text_content,omitempty"`
	Caption     *string   `json:"caption,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type StoryView struct {
	ID       uuid.UUID `json:"id"`
	StoryID  uuid.UUID `json:"story_id"`
	ViewerID uuid.UUID `json:"viewer_id"`
	ViewedAt time.Time `json:"viewed_at"`
}

type ActiveCall struct {
	ID         uuid.UUID `json:"id"`
	CallerID   uuid.UUID `json:"caller_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Call lifecycle statuses. rejected and ended are terminal.
const (
	CallStatusRinging  = "ringing"
	CallStatusAccepted = "accepted"
	CallStatusRejected = "rejected"
	CallStatusEnded    = "ended"
)

// CallSignal relays offer/answer/candidate payloads between the two
// parties of a call, keyed by call id.
type CallSignal struct {
	ID        uuid.UUID `json:"id"`
	CallID    uuid.UUID `json:"call_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SignalKindOffer     = "offer"
	SignalKindAnswer    = "answer"
	SignalKindCandidate = "candidate"
)
