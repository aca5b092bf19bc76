// Package transfer splits outbound files into encrypted chunks and reassembles
// inbound ones.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"Krypt/pkg/interfaces"
)

// ErrTooLarge is returned when a blob exceeds the configured maximum size.
var ErrTooLarge = errors.New("file too large")

// ErrDiscarded is returned when a chunk failed to decrypt and took its whole
// transfer with it.
var ErrDiscarded = errors.New("transfer discarded")

// ErrTooManyTransfers is returned when a sender already has the maximum
// number of incomplete transfers open.
var ErrTooManyTransfers = errors.New("too many transfers in flight")

// DefaultMIME is used when a sender did not declare a type.
const DefaultMIME = "application/octet-stream"

// ChunkCount returns how many chunks a blob of size bytes needs. An empty blob
// still travels as one empty chunk.
func ChunkCount(size, chunkSize int) int {
	if size == 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split cuts blob into chunkSize ranges and encrypts each one independently
// for the recipient.
func Split(blob []byte, fileName, mimeType, recipientKey string, chunkSize int, cp interfaces.CryptoProvider) ([]interfaces.EncryptedFileChunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if fileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if mimeType == "" {
		mimeType = DefaultMIME
	}

	total := ChunkCount(len(blob), chunkSize)
	chunks := make([]interfaces.EncryptedFileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(blob))

		payload, err := cp.Encrypt(blob[start:end], recipientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk %d/%d: %w", i, total, err)
		}
		chunks = append(chunks, interfaces.EncryptedFileChunk{
			FileName:         fileName,
			MimeType:         mimeType,
			ChunkIndex:       i,
			TotalChunks:      total,
			EncryptedPayload: payload,
		})
	}
	return chunks, nil
}

// Pacer spaces outbound chunks so a transfer does not flood the relay.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer lets one chunk through immediately and then one per interval.
// A zero interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next chunk may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
