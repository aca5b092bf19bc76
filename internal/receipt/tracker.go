// Package receipt tracks delivery and read acknowledgements.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"Krypt/internal/protocol"
	"Krypt/pkg/interfaces"
)

// SendFunc hands an envelope to the relay and reports whether it was accepted.
type SendFunc func(env protocol.Envelope) bool

// Tracker moves outbound messages through sent → delivered → read and emits
// the matching receipts for inbound messages.
type Tracker struct {
	self   string
	repo   interfaces.MessageRepository
	send   SendFunc
	logger *zap.Logger

	mu   sync.RWMutex
	open string
}

func NewTracker(self string, repo interfaces.MessageRepository, send SendFunc, logger *zap.Logger) *Tracker {
	return &Tracker{
		self:   self,
		repo:   repo,
		send:   send,
		logger: logger.Named("receipt"),
	}
}

// OpenConversation marks the peer's conversation as visible, marks its inbound
// messages read and tells the peer with read_all.
func (t *Tracker) OpenConversation(ctx context.Context, peer string) error {
	t.mu.Lock()
	t.open = peer
	t.mu.Unlock()
	return t.markRead(ctx, peer)
}

// CloseConversation clears the open conversation if it is peer's.
func (t *Tracker) CloseConversation(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == peer {
		t.open = ""
	}
}

// IsOpen reports whether peer's conversation is currently visible.
func (t *Tracker) IsOpen(peer string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return peer != "" && t.open == peer
}

// OpenPeer returns the visible conversation, empty when none is.
func (t *Tracker) OpenPeer() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// HandleReceipt applies an inbound receipt and reports whether any stored
// message changed. Receipts referencing unknown messages, or messages of a
// different conversation, change nothing.
func (t *Tracker) HandleReceipt(ctx context.Context, r protocol.Receipt) (bool, error) {
	switch r.Kind {
	case protocol.ReceiptDelivered:
		msg, err := t.repo.GetMessage(ctx, r.MessageRefID)
		if errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Debug("delivered receipt for unknown message",
				zap.String("from", r.From), zap.Int64("ref", r.MessageRefID))
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to load message %d: %w", r.MessageRefID, err)
		}
		if msg.ConversationID != r.From || msg.Incoming() {
			t.logger.Debug("delivered receipt for foreign message",
				zap.String("from", r.From), zap.Int64("ref", r.MessageRefID))
			return false, nil
		}
		changed, err := t.repo.MarkDelivered(ctx, r.MessageRefID)
		if err != nil {
			return false, fmt.Errorf("failed to mark delivered: %w", err)
		}
		return changed, nil

	case protocol.ReceiptReadAll:
		n, err := t.repo.MarkAllRead(ctx, r.From)
		if err != nil {
			return false, fmt.Errorf("failed to mark read: %w", err)
		}
		return n > 0, nil
	}
	return false, fmt.Errorf("unknown receipt kind %q", r.Kind)
}

// OnMessageReceived acknowledges an inbound message with delivered and, when
// the conversation is visible, with read_all as well. It reports whether the
// message should raise a notification.
func (t *Tracker) OnMessageReceived(ctx context.Context, from string, refID int64) (bool, error) {
	if !t.send(protocol.Receipt{From: t.self, To: from, Kind: protocol.ReceiptDelivered, MessageRefID: refID}) {
		t.logger.Debug("delivered receipt not sent", zap.String("to", from))
	}
	if !t.IsOpen(from) {
		return true, nil
	}
	return false, t.markRead(ctx, from)
}

func (t *Tracker) markRead(ctx context.Context, peer string) error {
	n, err := t.repo.MarkIncomingRead(ctx, peer)
	if err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	if !t.send(protocol.Receipt{From: t.self, To: peer, Kind: protocol.ReceiptReadAll}) {
		t.logger.Debug("read_all receipt not sent", zap.String("to", peer))
	}
	t.logger.Debug("conversation read", zap.String("peer", peer), zap.Int64("marked", n))
	return nil
}
