package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// Change names the entity set that was modified.
type Change string

const (
	ChangeContacts Change = "contacts"
	ChangeMessages Change = "messages"
	ChangeStatuses Change = "statuses"
)

// IdentityRepository persists the local identity.
type IdentityRepository interface {
	LoadIdentity(ctx context.Context) (Identity, error)
	SaveIdentity(ctx context.Context, id Identity) error
}

// ContactRepository stores contacts.
type ContactRepository interface {
	UpsertContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, uuid string) (Contact, error)
	ListContacts(ctx context.Context) ([]Contact, error)
	UpdateNickname(ctx context.Context, uuid, nickname string) error
	// DeleteContact removes the contact together with its conversation.
	DeleteContact(ctx context.Context, uuid string) error
}

// MessageRepository stores conversation messages.
type MessageRepository interface {
	InsertMessage(ctx context.Context, m Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	MarkSent(ctx context.Context, id int64) error
	// MarkDelivered reports whether a row changed.
	MarkDelivered(ctx context.Context, id int64) (bool, error)
	// MarkAllRead marks every delivered outbound message of the conversation as read.
	MarkAllRead(ctx context.Context, conversationID string) (int64, error)
	// MarkIncomingRead marks every peer-authored message of the conversation as read.
	MarkIncomingRead(ctx context.Context, conversationID string) (int64, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteConversation(ctx context.Context, conversationID string) error
	ConversationPreviews(ctx context.Context) (map[string]Message, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// StatusRepository stores status posts.
type StatusRepository interface {
	InsertStatus(ctx context.Context, s Status) (int64, error)
	ListActiveStatuses(ctx context.Context, now time.Time) ([]Status, error)
	DeleteExpiredStatuses(ctx context.Context, now time.Time) (int64, error)
}

// Repository is the keyed-record store consumed by the session core.
type Repository interface {
	IdentityRepository
	ContactRepository
	MessageRepository
	StatusRepository

	// Watch delivers the name of every entity set that changed until ctx is done.
	Watch(ctx context.Context) <-chan Change
	Close() error
}
