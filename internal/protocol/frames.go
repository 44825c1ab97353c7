// Package protocol defines the JSON frames exchanged over the duplex
// connection. Every frame is {"type": ..., "payload": {...}}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"mensageria/internal/database"
)

// Frame types.
const (
	TypeAuth            = "auth"
	TypeAuthOK          = "auth-ok"
	TypeAuthFail        = "auth-fail"
	TypeKeyUpload       = "key-upload"
	TypeKeyAck          = "key-ack"
	TypeKeyLookup       = "key-lookup"
	TypeKeyResult       = "key-result"
	TypeKeyNotFound     = "key-not-found"
	TypeMessage         = "message"
	TypeMessageAccepted = "message-accepted"
	TypeMessageAck      = "message-ack"
	TypePresence        = "presence"
	TypeHistory         = "history"
	TypeHistoryResult   = "history-result"
	TypeResync          = "resync"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

// Error codes carried by error frames.
const (
	CodeBadFrame  = "bad-frame"
	CodeMalformed = "malformed"
	CodeNotFound  = "not-found"
	CodeRejected  = "rejected"
	CodeInternal  = "internal"
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Auth struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
}

type AuthOK struct {
	UserID string `json:"userId"`
}

type AuthFail struct {
	Reason string `json:"reason"`
}

type KeyUpload struct {
	PublicKey []byte `json:"publicKey"`
}

type KeyAck struct {
	Version    uint64    `json:"version"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type KeyLookup struct {
	UserID string `json:"userId"`
}

type KeyResult struct {
	UserID     string    `json:"userId"`
	PublicKey  []byte    `json:"publicKey"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type KeyNotFound struct {
	UserID string `json:"userId"`
}

// SendMessage is the client → server message frame.
type SendMessage struct {
	RecipientID string `json:"recipientId"`
	Ciphertext  []byte `json:"ciphertext"`
	Nonce       []byte `json:"nonce"`
	// ClientRef is echoed in message-accepted so clients can match replies.
	ClientRef string `json:"clientRef,omitempty"`
}

type MessageAccepted struct {
	MessageID string `json:"messageId"`
	Sequence  uint64 `json:"sequence"`
	ClientRef string `json:"clientRef,omitempty"`
}

// Message is the server → client delivery frame.
type Message struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Sequence    uint64    `json:"sequence"`
	Ciphertext  []byte    `json:"ciphertext"`
	Nonce       []byte    `json:"nonce"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MessageAck struct {
	MessageID string `json:"messageId"`
}

type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type History struct {
	PeerID        string `json:"peerId"`
	AfterSequence uint64 `json:"afterSequence"`
	Limit         int    `json:"limit,omitempty"`
}

type HistoryResult struct {
	PeerID   string    `json:"peerId"`
	Messages []Message `json:"messages"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref echoes the clientRef or messageId of the rejected frame.
	Ref string `json:"ref,omitempty"`
}

// FromMessage converts a stored message into its delivery frame payload.
func FromMessage(m database.Message) Message {
	return Message{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Sequence:    m.Sequence,
		Ciphertext:  m.Ciphertext,
		Nonce:       m.Nonce,
		CreatedAt:   m.CreatedAt,
	}
}

// Encode marshals payload into a frame of the given type. A nil payload
// yields a frame without one.
func Encode(typ string, payload any) ([]byte, error) {
	f := Frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// EncodeMessage builds the delivery frame for m.
func EncodeMessage(m database.Message) ([]byte, error) {
	return Encode(TypeMessage, FromMessage(m))
}

// Decode parses the frame envelope.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
