// Package storage persists identity, contacts, messages and statuses.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"Krypt/internal/storage/migrations"
	"Krypt/pkg/interfaces"
)

// SQLiteRepository implements interfaces.Repository on SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	hub *hub
}

var _ interfaces.Repository = (*SQLiteRepository)(nil)

// Open opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return New(db), nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// New wraps an already migrated database.
func New(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, hub: newHub()}
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Watch reports modified entity sets until ctx is done.
func (r *SQLiteRepository) Watch(ctx context.Context) <-chan interfaces.Change {
	return r.hub.watch(ctx)
}

// LoadIdentity returns interfaces.ErrNotFound before the first SaveIdentity.
func (r *SQLiteRepository) LoadIdentity(ctx context.Context) (interfaces.Identity, error) {
	var id interfaces.Identity
	err := r.db.QueryRowContext(ctx,
		`SELECT uuid, public_key, private_key FROM identity WHERE id = 1`,
	).Scan(&id.UUID, &id.PublicKey, &id.PrivateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Identity{}, interfaces.ErrNotFound
	}
	if err != nil {
		return interfaces.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, nil
}

// SaveIdentity stores the identity once. A second call with a different
// identity is rejected.
func (r *SQLiteRepository) SaveIdentity(ctx context.Context, id interfaces.Identity) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO identity (id, uuid, public_key, private_key) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id.UUID, id.PublicKey, id.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.LoadIdentity(ctx)
		if err != nil {
			return err
		}
		if existing != id {
			return fmt.Errorf("identity already exists")
		}
	}
	return nil
}

// UpsertContact inserts the contact or overwrites its key and nickname.
func (r *SQLiteRepository) UpsertContact(ctx context.Context, c interfaces.Contact) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (uuid, public_key, nickname) VALUES (?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET public_key = excluded.public_key, nickname = excluded.nickname`,
		c.UUID, c.PublicKey, c.Nickname)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	r.hub.notify(interfaces.ChangeContacts)
	return nil
}

func (r *SQLiteRepository) GetContact(ctx context.Context, uuid string) (interfaces.Contact, error) {
	c := interfaces.Contact{UUID: uuid}
	err := r.db.QueryRowContext(ctx,
		`SELECT public_key, nickname FROM contacts WHERE uuid = ?`, uuid,
	).Scan(&c.PublicKey, &c.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Contact{}, interfaces.ErrNotFound
	}
	if err != nil {
		return interfaces.Contact{}, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListContacts(ctx context.Context) ([]interfaces.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uuid, public_key, nickname FROM contacts ORDER BY nickname, uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []interfaces.Contact
	for rows.Next() {
		var c interfaces.Contact
		if err := rows.Scan(&c.UUID, &c.PublicKey, &c.Nickname); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *SQLiteRepository) UpdateNickname(ctx context.Context, uuid, nickname string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE contacts SET nickname = ? WHERE uuid = ?`, nickname, uuid)
	if err != nil {
		return fmt.Errorf("failed to update nickname: %w", err)
	}
	if err := affected(res); err != nil {
		return err
	}
	r.hub.notify(interfaces.ChangeContacts)
	return nil
}

// DeleteContact removes the contact and its whole conversation in one transaction.
func (r *SQLiteRepository) DeleteContact(ctx context.Context, uuid string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	if err := affected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	r.hub.notify(interfaces.ChangeContacts)
	r.hub.notify(interfaces.ChangeMessages)
	return nil
}

const messageColumns = `id, conversation_id, from_uuid, content, content_type, file_path,
	is_sent, is_delivered, is_read, created_at`

func (r *SQLiteRepository) InsertMessage(ctx context.Context, m interfaces.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, from_uuid, content, content_type, file_path,
			is_sent, is_delivered, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.FromUUID, m.Content, string(m.ContentType), m.FilePath,
		m.IsSent, m.IsDelivered, m.IsRead, m.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}
	r.hub.notify(interfaces.ChangeMessages)
	return id, nil
}

func (r *SQLiteRepository) GetMessage(ctx context.Context, id int64) (interfaces.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Message{}, interfaces.ErrNotFound
	}
	if err != nil {
		return interfaces.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListMessages returns the conversation oldest first.
func (r *SQLiteRepository) ListMessages(ctx context.Context, conversationID string) ([]interfaces.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *SQLiteRepository) MarkSent(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	if err := affected(res); err != nil {
		return err
	}
	r.hub.notify(interfaces.ChangeMessages)
	return nil
}

func (r *SQLiteRepository) MarkDelivered(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_sent = 1, is_delivered = 1 WHERE id = ? AND is_delivered = 0`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.hub.notify(interfaces.ChangeMessages)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkAllRead(ctx context.Context, conversationID string) (int64, error) {
	return r.markRead(ctx,
		`UPDATE messages SET is_read = 1
		 WHERE conversation_id = ? AND from_uuid <> conversation_id
		   AND is_sent = 1 AND is_delivered = 1 AND is_read = 0`, conversationID)
}

func (r *SQLiteRepository) MarkIncomingRead(ctx context.Context, conversationID string) (int64, error) {
	return r.markRead(ctx,
		`UPDATE messages SET is_read = 1
		 WHERE conversation_id = ? AND from_uuid = conversation_id AND is_read = 0`, conversationID)
}

func (r *SQLiteRepository) markRead(ctx context.Context, query, conversationID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.hub.notify(interfaces.ChangeMessages)
	}
	return n, nil
}

func (r *SQLiteRepository) DeleteMessage(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if err := affected(res); err != nil {
		return err
	}
	r.hub.notify(interfaces.ChangeMessages)
	return nil
}

func (r *SQLiteRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	r.hub.notify(interfaces.ChangeMessages)
	return nil
}

// ConversationPreviews returns the newest message of every conversation.
func (r *SQLiteRepository) ConversationPreviews(ctx context.Context) (map[string]interfaces.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE id IN (SELECT MAX(id) FROM messages GROUP BY conversation_id)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query previews: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	previews := make(map[string]interfaces.Message, len(msgs))
	for _, m := range msgs {
		previews[m.ConversationID] = m
	}
	return previews, nil
}

// UnreadCounts returns the number of unread peer-authored messages per conversation.
func (r *SQLiteRepository) UnreadCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, COUNT(*) FROM messages
		 WHERE from_uuid = conversation_id AND is_read = 0
		 GROUP BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			peer string
			n    int
		)
		if err := rows.Scan(&peer, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[peer] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) InsertStatus(ctx context.Context, s interfaces.Status) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO statuses (from_uuid, content, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		s.FromUUID, s.Content, s.CreatedAt.UnixNano(), s.ExpiresAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to insert status: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get status id: %w", err)
	}
	r.hub.notify(interfaces.ChangeStatuses)
	return id, nil
}

// ListActiveStatuses returns statuses not yet expired at now, newest first.
func (r *SQLiteRepository) ListActiveStatuses(ctx context.Context, now time.Time) ([]interfaces.Status, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, from_uuid, content, created_at, expires_at FROM statuses
		 WHERE expires_at > ? ORDER BY created_at DESC, id DESC`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	var statuses []interfaces.Status
	for rows.Next() {
		var (
			s                  interfaces.Status
			created, expiresAt int64
		)
		if err := rows.Scan(&s.ID, &s.FromUUID, &s.Content, &created, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		s.CreatedAt = time.Unix(0, created)
		s.ExpiresAt = time.Unix(0, expiresAt)
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

func (r *SQLiteRepository) DeleteExpiredStatuses(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM statuses WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.hub.notify(interfaces.ChangeStatuses)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (interfaces.Message, error) {
	var (
		m           interfaces.Message
		contentType string
		created     int64
	)
	err := s.Scan(&m.ID, &m.ConversationID, &m.FromUUID, &m.Content, &contentType, &m.FilePath,
		&m.IsSent, &m.IsDelivered, &m.IsRead, &created)
	if err != nil {
		return interfaces.Message{}, err
	}
	m.ContentType = interfaces.ContentType(contentType)
	m.CreatedAt = time.Unix(0, created)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]interfaces.Message, error) {
	var msgs []interfaces.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
