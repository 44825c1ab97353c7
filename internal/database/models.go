package database

import (
	"time"
)

// State is the delivery state of a Message. States only move forward.
type State int

const (
	StateQueued State = iota
	StateDelivered
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDelivered:
		return "delivered"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanAdvance reports whether a message in state s may move to next.
// Acked and Failed are terminal.
func (s State) CanAdvance(next State) bool {
	return s < StateAcked && next > s
}

// User holds credentials and display metadata. Profile data is owned by the
// profile collaborator; the core only reads it.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash []byte `gorm:"not null"`
	DisplayName  string
	AvatarURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is the durable half of an issued session credential. ID is the
// token's jti claim.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;not null"`
	IssuedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	RevokedAt *time.Time
}

// KeyRecord is the single current public key of a user.
type KeyRecord struct {
	UserID     string    `gorm:"primaryKey;size:36"`
	PublicKey  []byte    `gorm:"not null"`
	Version    uint64    `gorm:"not null"`
	UploadedAt time.Time `gorm:"not null"`
}

// Message is an opaque ciphertext routed from sender to recipient.
// Sequence is gapless per (SenderID, RecipientID).
type Message struct {
	ID          string     `gorm:"primaryKey;size:36" json:"messageId"`
	SenderID    string     `gorm:"not null;uniqueIndex:idx_pair_seq,priority:1" json:"senderId"`
	RecipientID string     `gorm:"not null;uniqueIndex:idx_pair_seq,priority:2;index" json:"recipientId"`
	Sequence    uint64     `gorm:"not null;uniqueIndex:idx_pair_seq,priority:3" json:"sequence"`
	Ciphertext  []byte     `gorm:"not null" json:"ciphertext"`
	Nonce       []byte     `gorm:"not null" json:"nonce"`
	State       State      `gorm:"not null;default:0" json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	AckedAt     *time.Time `json:"ackedAt,omitempty"`
}

// QueueEntry is one undelivered message in a recipient's offline queue.
// ID is the enqueue position.
type QueueEntry struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	RecipientID string    `gorm:"not null;uniqueIndex:idx_queue_recipient_message,priority:1"`
	MessageID   string    `gorm:"not null;uniqueIndex:idx_queue_recipient_message,priority:2"`
	Message     Message   `gorm:"foreignKey:MessageID"`
	Acked       bool      `gorm:"not null;default:false"`
	Attempts    int       `gorm:"not null;default:0"`
	EnqueuedAt  time.Time `gorm:"not null"`
}
