package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"Krypt/internal/call"
	"Krypt/internal/metrics"
	"Krypt/internal/protocol"
	"Krypt/internal/transfer"
	"Krypt/pkg/interfaces"
)

// handle routes one inbound envelope. Failures are logged and contained.
func (s *Service) handle(ctx context.Context, env protocol.Envelope) {
	var err error
	switch e := env.(type) {
	case protocol.Message:
		err = s.onMessage(ctx, e)
	case protocol.Receipt:
		_, err = s.tracker.HandleReceipt(ctx, e)
	case protocol.FileChunk:
		err = s.onFileChunk(ctx, e)
	case protocol.PublicKeyResponse:
		err = s.onPublicKey(ctx, e)
	case protocol.Offer:
		err = s.onOffer(ctx, e)
	case protocol.Answer:
		err = s.calls.HandleAnswer(e.From, e.SDP)
	case protocol.ICE:
		s.calls.HandleICE(e.From, e.Candidate)
	default:
		// statuses are sealed to their author's own key; register and
		// get_public_key are for the relay
		s.logger.Debug("ignoring envelope", zap.String("type", protocol.Label(env)))
	}
	if err != nil {
		s.logger.Warn("handler failed",
			zap.String("type", protocol.Label(env)),
			zap.String("from", env.Sender()),
			zap.Error(err))
	}
}

func (s *Service) onMessage(ctx context.Context, m protocol.Message) error {
	plain, err := s.crypto.Decrypt(m.Payload, s.self.PrivateKey)
	if err != nil {
		// the message is lost; a fresh key lets the next one through
		metrics.DecryptFailures.WithLabelValues(string(protocol.TypeMessage)).Inc()
		s.logger.Warn("message decrypt failed", zap.String("from", m.From), zap.Error(err))
		s.emit(EventDecryptFailed, m.From, err.Error())
		s.requestKey(m.From)
		return nil
	}

	text := string(plain)
	id, err := s.repo.InsertMessage(ctx, interfaces.Message{
		ConversationID: m.From,
		FromUUID:       m.From,
		Content:        text,
		ContentType:    interfaces.ContentText,
		IsDelivered:    true,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	ref := m.ID
	if ref == 0 {
		ref = id
	}
	notify, err := s.tracker.OnMessageReceived(ctx, m.From, ref)
	if err != nil {
		return err
	}
	if notify {
		s.emit(EventMessageReceived, m.From, text)
		s.notify(ctx, m.From, text)
	}
	return nil
}

func (s *Service) onFileChunk(ctx context.Context, fc protocol.FileChunk) error {
	file, err := s.reassembler.Accept(fc.From, fc.Chunk)
	if err != nil {
		if errors.Is(err, transfer.ErrDiscarded) {
			metrics.DecryptFailures.WithLabelValues(string(protocol.TypeFileChunk)).Inc()
		}
		s.emit(EventTransferFailed, fc.From, fc.Chunk.FileName)
		return err
	}
	if file == nil {
		return nil
	}

	path, err := s.saveFile(file)
	if err != nil {
		s.emit(EventTransferFailed, fc.From, file.FileName)
		return err
	}

	name := filepath.Base(path)
	if _, err := s.repo.InsertMessage(ctx, interfaces.Message{
		ConversationID: file.From,
		FromUUID:       file.From,
		Content:        "[received: " + name + "]",
		ContentType:    interfaces.ContentTypeForMIME(file.MimeType),
		FilePath:       path,
		CreatedAt:      s.now(),
	}); err != nil {
		return fmt.Errorf("failed to store file message: %w", err)
	}
	s.logger.Info("file received",
		zap.String("from", file.From), zap.String("file", name), zap.Int("bytes", len(file.Data)))

	s.emit(EventFileReceived, file.From, path)
	if !s.tracker.IsOpen(file.From) {
		s.notify(ctx, file.From, "Sent you a file: "+name)
	}
	return nil
}

// saveFile writes a completed transfer into the download directory. The
// sender's file name is reduced to its base name.
func (s *Service) saveFile(file *interfaces.ReceivedFile) (string, error) {
	dir := s.cfg.Transfer.DownloadDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	name := filepath.Base(filepath.Clean("/" + file.FileName))
	if name == "/" || name == "." || name == ".." {
		name = "file_" + strconv.FormatInt(s.now().UnixNano(), 10)
	}

	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve download path: %w", err)
	}
	if err := os.WriteFile(path, file.Data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

// onPublicKey records a resolved key, keeping any nickname we already have,
// and flushes texts that were waiting for it.
func (s *Service) onPublicKey(ctx context.Context, r protocol.PublicKeyResponse) error {
	if r.Target == s.self.UUID {
		return nil
	}

	contact, err := s.repo.GetContact(ctx, r.Target)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		contact = interfaces.Contact{UUID: r.Target}
	case err != nil:
		return fmt.Errorf("failed to load contact: %w", err)
	}
	contact.PublicKey = r.PublicKey

	if err := s.repo.UpsertContact(ctx, contact); err != nil {
		return fmt.Errorf("failed to store contact key: %w", err)
	}
	s.emit(EventKeyResolved, r.Target, "")

	for _, text := range s.pending.take(r.Target) {
		if err := s.sendText(ctx, contact, text); err != nil {
			s.logger.Warn("queued message not sent", zap.String("to", r.Target), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) onOffer(ctx context.Context, o protocol.Offer) error {
	if err := s.calls.HandleOffer(o.From, o.SDP); err != nil {
		if errors.Is(err, call.ErrCallActive) {
			return nil
		}
		return err
	}
	s.emit(EventIncomingCall, o.From, "")
	s.notify(ctx, o.From, "Incoming call")
	return nil
}
