package core

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"Krypt/internal/protocol"
	"Krypt/internal/transfer"
	"Krypt/pkg/interfaces"
)

// AddContact stores peer with an unresolved key and asks the relay for it.
// Adding an existing contact renames it and re-requests a missing key.
func (s *Service) AddContact(ctx context.Context, peer, nickname string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return fmt.Errorf("contact uuid is required")
	}
	if peer == s.self.UUID {
		return fmt.Errorf("cannot add yourself as a contact")
	}

	contact, err := s.repo.GetContact(ctx, peer)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		contact = interfaces.Contact{UUID: peer}
	case err != nil:
		return fmt.Errorf("failed to load contact: %w", err)
	}
	contact.Nickname = nickname

	if err := s.repo.UpsertContact(ctx, contact); err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}
	if !contact.HasKey() {
		s.requestKey(peer)
	}
	return nil
}

func (s *Service) RenameContact(ctx context.Context, peer, nickname string) error {
	if err := s.repo.UpdateNickname(ctx, peer, nickname); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrUnknownContact
		}
		return fmt.Errorf("failed to rename contact: %w", err)
	}
	return nil
}

// DeleteContact removes the contact and its conversation.
func (s *Service) DeleteContact(ctx context.Context, peer string) error {
	if err := s.repo.DeleteContact(ctx, peer); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrUnknownContact
		}
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	s.pending.take(peer)
	s.tracker.CloseConversation(peer)
	return nil
}

// OpenConversation makes peer's conversation visible and marks it read.
func (s *Service) OpenConversation(ctx context.Context, peer string) error {
	if err := s.tracker.OpenConversation(ctx, peer); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

func (s *Service) CloseConversation(ctx context.Context, peer string) error {
	s.tracker.CloseConversation(peer)
	return s.Refresh(ctx)
}

// SendText encrypts text to peer and sends it. When the peer's key is unknown
// the text may be queued and ErrMissingContactKey is returned either way.
func (s *Service) SendText(ctx context.Context, peer, text string) error {
	contact, err := s.contact(ctx, peer)
	if err != nil {
		return err
	}
	if !contact.HasKey() {
		s.requestKey(peer)
		if s.cfg.Messaging.QueueOnMissingKey {
			if s.pending.add(peer, text) {
				s.logger.Debug("message queued until key arrives",
					zap.String("to", peer), zap.Int("queued", s.pending.size(peer)))
			} else {
				s.logger.Warn("pending queue full, message dropped", zap.String("to", peer))
			}
		}
		return fmt.Errorf("%s: %w", interfaces.ShortID(peer), ErrMissingContactKey)
	}
	return s.sendText(ctx, contact, text)
}

func (s *Service) sendText(ctx context.Context, contact interfaces.Contact, text string) error {
	payload, err := s.crypto.Encrypt([]byte(text), contact.PublicKey)
	if err != nil {
		// an unusable key is replaced by asking again
		s.requestKey(contact.UUID)
		s.emit(EventSendFailed, contact.UUID, err.Error())
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	id, err := s.repo.InsertMessage(ctx, interfaces.Message{
		ConversationID: contact.UUID,
		FromUUID:       s.self.UUID,
		Content:        text,
		ContentType:    interfaces.ContentText,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if !s.relay.Send(protocol.Message{From: s.self.UUID, To: contact.UUID, ID: id, Payload: payload}) {
		s.emit(EventSendFailed, contact.UUID, ErrNotSent.Error())
		return ErrNotSent
	}
	if err := s.repo.MarkSent(ctx, id); err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// SendFile sends the file at path, guessing its MIME type from the extension.
func (s *Service) SendFile(ctx context.Context, peer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return s.SendFileData(ctx, peer, filepath.Base(path), mimeType, data)
}

// SendFileData splits data into encrypted chunks and sends them paced. It
// returns once the last chunk was handed to the relay.
func (s *Service) SendFileData(ctx context.Context, peer, fileName, mimeType string, data []byte) error {
	contact, err := s.contact(ctx, peer)
	if err != nil {
		return err
	}
	if !contact.HasKey() {
		s.requestKey(peer)
		return fmt.Errorf("%s: %w", interfaces.ShortID(peer), ErrMissingContactKey)
	}
	if mimeType == "" {
		mimeType = transfer.DefaultMIME
	}
	if limit := s.cfg.Transfer.MaxFileSize; limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%s is %d bytes: %w", fileName, len(data), transfer.ErrTooLarge)
	}

	chunks, err := transfer.Split(data, fileName, mimeType, contact.PublicKey, s.cfg.Transfer.ChunkSize, s.crypto)
	if err != nil {
		s.emit(EventSendFailed, peer, err.Error())
		return fmt.Errorf("failed to prepare %s: %w", fileName, err)
	}

	for _, chunk := range chunks {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
		if !s.relay.Send(protocol.FileChunk{From: s.self.UUID, To: peer, Chunk: chunk}) {
			s.emit(EventSendFailed, peer, fileName)
			return fmt.Errorf("chunk %d of %s: %w", chunk.ChunkIndex, fileName, ErrNotSent)
		}
	}
	s.logger.Info("file sent", zap.String("to", peer), zap.String("file", fileName), zap.Int("chunks", len(chunks)))

	if _, err := s.repo.InsertMessage(ctx, interfaces.Message{
		ConversationID: peer,
		FromUUID:       s.self.UUID,
		Content:        "[sent: " + fileName + "]",
		ContentType:    interfaces.ContentTypeForMIME(mimeType),
		IsSent:         true,
		CreatedAt:      s.now(),
	}); err != nil {
		return fmt.Errorf("failed to store file message: %w", err)
	}
	return nil
}

func (s *Service) DeleteMessage(ctx context.Context, id int64) error {
	if err := s.repo.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// DeleteChat clears peer's conversation but keeps the contact.
func (s *Service) DeleteChat(ctx context.Context, peer string) error {
	if err := s.repo.DeleteConversation(ctx, peer); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// PostStatus broadcasts text sealed to our own key and keeps it until it expires.
func (s *Service) PostStatus(ctx context.Context, text string) error {
	payload, err := s.crypto.Encrypt([]byte(text), s.self.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt status: %w", err)
	}
	if !s.relay.Send(protocol.Status{From: s.self.UUID, Payload: payload}) {
		s.emit(EventSendFailed, "", ErrNotSent.Error())
		return ErrNotSent
	}

	now := s.now()
	if _, err := s.repo.InsertStatus(ctx, interfaces.Status{
		FromUUID:  s.self.UUID,
		Content:   text,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Messaging.StatusTTL),
	}); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

func (s *Service) StartCall(peer string) error {
	return s.calls.StartCall(peer)
}

func (s *Service) AcceptCall() error {
	return s.calls.AcceptCall()
}

func (s *Service) EndCall() error {
	return s.calls.EndCall()
}

func (s *Service) contact(ctx context.Context, peer string) (interfaces.Contact, error) {
	c, err := s.repo.GetContact(ctx, peer)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.Contact{}, fmt.Errorf("%s: %w", interfaces.ShortID(peer), ErrUnknownContact)
	}
	if err != nil {
		return interfaces.Contact{}, fmt.Errorf("failed to load contact: %w", err)
	}
	return c, nil
}
