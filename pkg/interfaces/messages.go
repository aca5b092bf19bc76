package interfaces

import (
	"strings"
	"time"
)

// ContentType describes what a stored message carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// ContentTypeForMIME maps a MIME type onto the stored content type.
func ContentTypeForMIME(mimeType string) ContentType {
	if strings.HasPrefix(mimeType, "image") {
		return ContentImage
	}
	return ContentFile
}

// Identity is the local user. It is generated once and never changes afterwards.
type Identity struct {
	UUID       string `json:"uuid"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
}

// Contact is a peer we can talk to. PublicKey stays empty until the relay
// answers a key request.
type Contact struct {
	UUID      string `json:"uuid"`
	PublicKey string `json:"public_key"`
	Nickname  string `json:"nickname"`
}

// HasKey reports whether the contact's public key has been resolved.
func (c Contact) HasKey() bool {
	return c.PublicKey != ""
}

// DisplayName returns the nickname or a shortened uuid.
func (c Contact) DisplayName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return ShortID(c.UUID)
}

// ShortID shortens a uuid for display.
func ShortID(uuid string) string {
	if len(uuid) <= 12 {
		return uuid
	}
	return uuid[:12] + "…"
}

// Message is a stored conversation entry. ConversationID is always the peer uuid.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	FromUUID       string      `json:"from_uuid"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type"`
	FilePath       string      `json:"file_path,omitempty"`
	IsSent         bool        `json:"is_sent"`
	IsDelivered    bool        `json:"is_delivered"`
	IsRead         bool        `json:"is_read"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Incoming reports whether the message was authored by the peer.
func (m Message) Incoming() bool {
	return m.FromUUID == m.ConversationID
}

// Status is an ephemeral broadcast post.
type Status struct {
	ID        int64     `json:"id"`
	FromUUID  string    `json:"from_uuid"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
