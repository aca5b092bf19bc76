package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"Krypt/internal/metrics"
	"Krypt/pkg/interfaces"
)

type transferKey struct {
	from     string
	fileName string
}

type inbound struct {
	mimeType string
	total    int
	chunks   map[int][]byte
	size     int64
	lastSeen time.Time
}

// Reassembler accumulates inbound chunks per (sender, fileName) until a file
// is complete. A chunk that fails to decrypt discards the whole transfer.
type Reassembler struct {
	crypto     interfaces.CryptoProvider
	privateKey string
	maxSize    int64
	perSender  int
	staleAfter time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	mu        sync.Mutex
	transfers map[transferKey]*inbound
}

// Option customizes a Reassembler.
type Option func(*Reassembler)

// WithClock replaces the wall clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(r *Reassembler) { r.clock = c }
}

// WithMaxSize bounds the decrypted size of a single transfer. Zero means unbounded.
func WithMaxSize(n int64) Option {
	return func(r *Reassembler) { r.maxSize = n }
}

// WithMaxPerSender bounds how many incomplete transfers one sender may have
// open at once. Zero means unbounded.
func WithMaxPerSender(n int) Option {
	return func(r *Reassembler) { r.perSender = n }
}

// WithStaleAfter sets how long an incomplete transfer may go without chunks.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reassembler) { r.staleAfter = d }
}

// NewReassembler decrypts chunks with privateKey.
func NewReassembler(cp interfaces.CryptoProvider, privateKey string, logger *zap.Logger, opts ...Option) *Reassembler {
	r := &Reassembler{
		crypto:     cp,
		privateKey: privateKey,
		clock:      clock.New(),
		logger:     logger.Named("transfer"),
		transfers:  make(map[transferKey]*inbound),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Accept stores one chunk. It returns the file when this chunk completed it,
// nil while chunks are still missing, and an error when the transfer was
// discarded.
func (r *Reassembler) Accept(from string, c interfaces.EncryptedFileChunk) (*interfaces.ReceivedFile, error) {
	if c.TotalChunks <= 0 || c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		return nil, fmt.Errorf("chunk %d of %d out of range", c.ChunkIndex, c.TotalChunks)
	}
	// every chunk of a non-empty file carries at least one byte
	if r.maxSize > 0 && int64(c.TotalChunks) > r.maxSize {
		metrics.TransfersDiscarded.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%s from %s announces %d chunks: %w", c.FileName, from, c.TotalChunks, ErrTooLarge)
	}
	key := transferKey{from: from, fileName: c.FileName}

	plain, err := r.crypto.Decrypt(c.EncryptedPayload, r.privateKey)
	if err != nil {
		r.discard(key, "decrypt")
		r.logger.Warn("chunk decrypt failed, transfer discarded",
			zap.String("from", from), zap.String("file", c.FileName), zap.Int("chunk", c.ChunkIndex))
		return nil, fmt.Errorf("%w: chunk %d of %s: %w", ErrDiscarded, c.ChunkIndex, c.FileName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[key]
	if ok && t.total != c.TotalChunks {
		// same name, different shape: a new transfer replaces the old one
		r.logger.Debug("transfer restarted", zap.String("from", from), zap.String("file", c.FileName))
		metrics.TransfersDiscarded.WithLabelValues("restarted").Inc()
		ok = false
	}
	if !ok {
		if r.perSender > 0 && r.openFromLocked(from, key) >= r.perSender {
			metrics.TransfersDiscarded.WithLabelValues("too_many").Inc()
			return nil, fmt.Errorf("%s from %s: %w", c.FileName, from, ErrTooManyTransfers)
		}
		t = &inbound{
			mimeType: c.MimeType,
			total:    c.TotalChunks,
			chunks:   make(map[int][]byte),
		}
		r.transfers[key] = t
	}

	if prev, dup := t.chunks[c.ChunkIndex]; dup {
		t.size -= int64(len(prev))
	}
	t.chunks[c.ChunkIndex] = plain
	t.size += int64(len(plain))
	t.lastSeen = r.clock.Now()

	if r.maxSize > 0 && t.size > r.maxSize {
		delete(r.transfers, key)
		metrics.TransfersDiscarded.WithLabelValues("too_large").Inc()
		metrics.TransfersInFlight.Set(float64(len(r.transfers)))
		return nil, fmt.Errorf("%s from %s: %w", c.FileName, from, ErrTooLarge)
	}

	if len(t.chunks) < t.total {
		metrics.TransfersInFlight.Set(float64(len(r.transfers)))
		return nil, nil
	}

	data := make([]byte, 0, t.size)
	for i := 0; i < t.total; i++ {
		part, present := t.chunks[i]
		if !present {
			return nil, nil
		}
		data = append(data, part...)
	}
	delete(r.transfers, key)
	metrics.TransfersCompleted.Inc()
	metrics.TransfersInFlight.Set(float64(len(r.transfers)))

	mimeType := t.mimeType
	if mimeType == "" {
		mimeType = DefaultMIME
	}
	return &interfaces.ReceivedFile{
		From:     from,
		FileName: c.FileName,
		MimeType: mimeType,
		Data:     data,
	}, nil
}

// openFromLocked counts from's incomplete transfers other than skip.
func (r *Reassembler) openFromLocked(from string, skip transferKey) int {
	n := 0
	for key := range r.transfers {
		if key.from == from && key != skip {
			n++
		}
	}
	return n
}

func (r *Reassembler) discard(key transferKey, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, key)
	metrics.TransfersDiscarded.WithLabelValues(reason).Inc()
	metrics.TransfersInFlight.Set(float64(len(r.transfers)))
}

// Pending returns the number of incomplete transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// Sweep drops transfers idle for at least the stale timeout and returns how
// many were dropped.
func (r *Reassembler) Sweep() int {
	if r.staleAfter <= 0 {
		return 0
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, t := range r.transfers {
		if now.Sub(t.lastSeen) >= r.staleAfter {
			delete(r.transfers, key)
			dropped++
			r.logger.Info("stale transfer dropped",
				zap.String("from", key.from), zap.String("file", key.fileName),
				zap.Int("received", len(t.chunks)), zap.Int("total", t.total))
		}
	}
	if dropped > 0 {
		metrics.TransfersDiscarded.WithLabelValues("stale").Add(float64(dropped))
		metrics.TransfersInFlight.Set(float64(len(r.transfers)))
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Reassembler) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || r.staleAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
