package main

import (
	"time"

	"mensageria/internal/database"
)

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// KeyUploadRequest carries the raw public key, base64 encoded on the wire.
type KeyUploadRequest struct {
	PublicKey []byte `json:"publicKey"`
}

type KeyResponse struct {
	UserID     string    `json:"userId"`
	PublicKey  []byte    `json:"publicKey"`
	Version    uint64    `json:"version"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func newKeyResponse(rec database.KeyRecord) KeyResponse {
	return KeyResponse{
		UserID:     rec.UserID,
		PublicKey:  rec.PublicKey,
		Version:    rec.Version,
		UploadedAt: rec.UploadedAt,
	}
}

type ConversationResponse struct {
	PeerID   string             `json:"peerId"`
	Messages []database.Message `json:"messages"`
}

type AttachmentResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
