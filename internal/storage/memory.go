package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Krypt/pkg/interfaces"
)

// Memory is a non-persistent interfaces.Repository with the same semantics
// as SQLiteRepository. It backs throwaway sessions and tests.
type Memory struct {
	mu       sync.RWMutex
	identity *interfaces.Identity
	contacts map[string]interfaces.Contact
	messages map[int64]interfaces.Message
	statuses map[int64]interfaces.Status
	nextMsg  int64
	nextStat int64
	hub      *hub
}

var _ interfaces.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		contacts: make(map[string]interfaces.Contact),
		messages: make(map[int64]interfaces.Message),
		statuses: make(map[int64]interfaces.Status),
		hub:      newHub(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Watch(ctx context.Context) <-chan interfaces.Change {
	return m.hub.watch(ctx)
}

func (m *Memory) LoadIdentity(context.Context) (interfaces.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return interfaces.Identity{}, interfaces.ErrNotFound
	}
	return *m.identity, nil
}

func (m *Memory) SaveIdentity(_ context.Context, id interfaces.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil && *m.identity != id {
		return fmt.Errorf("identity already exists")
	}
	m.identity = &id
	return nil
}

func (m *Memory) UpsertContact(_ context.Context, c interfaces.Contact) error {
	m.mu.Lock()
	m.contacts[c.UUID] = c
	m.mu.Unlock()
	m.hub.notify(interfaces.ChangeContacts)
	return nil
}

func (m *Memory) GetContact(_ context.Context, uuid string) (interfaces.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[uuid]
	if !ok {
		return interfaces.Contact{}, interfaces.ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListContacts(context.Context) ([]interfaces.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]interfaces.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].UUID < out[j].UUID
	})
	return out, nil
}

func (m *Memory) UpdateNickname(_ context.Context, uuid, nickname string) error {
	m.mu.Lock()
	c, ok := m.contacts[uuid]
	if ok {
		c.Nickname = nickname
		m.contacts[uuid] = c
	}
	m.mu.Unlock()
	if !ok {
		return interfaces.ErrNotFound
	}
	m.hub.notify(interfaces.ChangeContacts)
	return nil
}

func (m *Memory) DeleteContact(_ context.Context, uuid string) error {
	m.mu.Lock()
	_, ok := m.contacts[uuid]
	if ok {
		delete(m.contacts, uuid)
		m.deleteConversationLocked(uuid)
	}
	m.mu.Unlock()
	if !ok {
		return interfaces.ErrNotFound
	}
	m.hub.notify(interfaces.ChangeContacts)
	m.hub.notify(interfaces.ChangeMessages)
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg interfaces.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.nextMsg++
	msg.ID = m.nextMsg
	m.messages[msg.ID] = msg
	m.mu.Unlock()
	m.hub.notify(interfaces.ChangeMessages)
	return msg.ID, nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (interfaces.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return interfaces.Message{}, interfaces.ErrNotFound
	}
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]interfaces.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []interfaces.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id int64) error {
	if !m.update(id, func(msg *interfaces.Message) bool { msg.IsSent = true; return true }) {
		return interfaces.ErrNotFound
	}
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, id int64) (bool, error) {
	return m.update(id, func(msg *interfaces.Message) bool {
		if msg.IsDelivered {
			return false
		}
		msg.IsSent, msg.IsDelivered = true, true
		return true
	}), nil
}

func (m *Memory) MarkAllRead(_ context.Context, conversationID string) (int64, error) {
	return m.markReadWhere(func(msg *interfaces.Message) bool {
		return msg.ConversationID == conversationID && !msg.Incoming() &&
			msg.IsSent && msg.IsDelivered && !msg.IsRead
	}), nil
}

func (m *Memory) MarkIncomingRead(_ context.Context, conversationID string) (int64, error) {
	return m.markReadWhere(func(msg *interfaces.Message) bool {
		return msg.ConversationID == conversationID && msg.Incoming() && !msg.IsRead
	}), nil
}

func (m *Memory) DeleteMessage(_ context.Context, id int64) error {
	m.mu.Lock()
	_, ok := m.messages[id]
	delete(m.messages, id)
	m.mu.Unlock()
	if !ok {
		return interfaces.ErrNotFound
	}
	m.hub.notify(interfaces.ChangeMessages)
	return nil
}

func (m *Memory) DeleteConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	m.deleteConversationLocked(conversationID)
	m.mu.Unlock()
	m.hub.notify(interfaces.ChangeMessages)
	return nil
}

func (m *Memory) ConversationPreviews(context.Context) (map[string]interfaces.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interfaces.Message)
	for _, msg := range m.messages {
		if cur, ok := out[msg.ConversationID]; !ok || msg.ID > cur.ID {
			out[msg.ConversationID] = msg
		}
	}
	return out, nil
}

func (m *Memory) UnreadCounts(context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, msg := range m.messages {
		if msg.Incoming() && !msg.IsRead {
			out[msg.ConversationID]++
		}
	}
	return out, nil
}

func (m *Memory) InsertStatus(_ context.Context, s interfaces.Status) (int64, error) {
	m.mu.Lock()
	m.nextStat++
	s.ID = m.nextStat
	m.statuses[s.ID] = s
	m.mu.Unlock()
	m.hub.notify(interfaces.ChangeStatuses)
	return s.ID, nil
}

func (m *Memory) ListActiveStatuses(_ context.Context, now time.Time) ([]interfaces.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []interfaces.Status
	for _, s := range m.statuses {
		if s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteExpiredStatuses(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	var n int64
	for id, s := range m.statuses {
		if !s.ExpiresAt.After(now) {
			delete(m.statuses, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.hub.notify(interfaces.ChangeStatuses)
	}
	return n, nil
}

func (m *Memory) deleteConversationLocked(conversationID string) {
	for id, msg := range m.messages {
		if msg.ConversationID == conversationID {
			delete(m.messages, id)
		}
	}
}

func (m *Memory) update(id int64, fn func(*interfaces.Message) bool) bool {
	m.mu.Lock()
	msg, ok := m.messages[id]
	changed := ok && fn(&msg)
	if changed {
		m.messages[id] = msg
	}
	m.mu.Unlock()
	if changed {
		m.hub.notify(interfaces.ChangeMessages)
	}
	return changed
}

func (m *Memory) markReadWhere(match func(*interfaces.Message) bool) int64 {
	m.mu.Lock()
	var n int64
	for id, msg := range m.messages {
		if match(&msg) {
			msg.IsRead = true
			m.messages[id] = msg
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.hub.notify(interfaces.ChangeMessages)
	}
	return n
}
