package core

import (
	"context"
	"hash/fnv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Krypt/internal/metrics"
	"Krypt/internal/protocol"
	"Krypt/pkg/config"
)

type handlerFunc func(ctx context.Context, env protocol.Envelope)

// workerPool runs envelope handlers off the receive loop. Envelopes from one
// peer always land on the same shard, so they are handled in arrival order.
type workerPool struct {
	shards []chan protocol.Envelope
	handle handlerFunc
	logger *zap.Logger
}

func newWorkerPool(cfg config.WorkersConfig, handle handlerFunc, logger *zap.Logger) *workerPool {
	size, depth := cfg.Size, cfg.QueueDepth
	if size <= 0 {
		size = 1
	}
	if depth <= 0 {
		depth = 1
	}
	p := &workerPool{
		shards: make([]chan protocol.Envelope, size),
		handle: handle,
		logger: logger,
	}
	for i := range p.shards {
		p.shards[i] = make(chan protocol.Envelope, depth)
	}
	return p
}

// submit queues env on its peer's shard, waiting while that shard is full.
func (p *workerPool) submit(ctx context.Context, env protocol.Envelope) error {
	shard := p.shards[shardFor(shardKey(env), len(p.shards))]
	select {
	case shard <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range p.shards {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case env := <-shard:
					p.safeHandle(ctx, env)
				}
			}
		})
	}
	return g.Wait()
}

func (p *workerPool) safeHandle(ctx context.Context, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			p.logger.Error("handler panicked",
				zap.String("type", protocol.Label(env)),
				zap.String("from", env.Sender()),
				zap.Any("panic", r))
		}
	}()
	p.handle(ctx, env)
}

func shardKey(env protocol.Envelope) string {
	if r, ok := env.(protocol.PublicKeyResponse); ok {
		return r.Target
	}
	return env.Sender()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
