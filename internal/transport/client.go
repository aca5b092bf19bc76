// Package transport owns the single WebSocket channel to the relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Krypt/internal/metrics"
	"Krypt/internal/protocol"
	"Krypt/pkg/config"
)

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock used for backoff and pings.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type subscriber struct {
	ch   chan protocol.Envelope
	done chan struct{}
}

// Client keeps one live relay connection, registering on every open and
// redialing after a fixed backoff for as long as Run's context lives.
type Client struct {
	cfg    config.RelayConfig
	logger *zap.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	running atomic.Bool

	mu   sync.RWMutex
	conn *websocket.Conn
	subs map[int]*subscriber
	next int

	writeMu sync.Mutex

	connected atomic.Bool
	states    chan bool
}

func NewClient(cfg config.RelayConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger.Named("relay"),
		clock:  clock.New(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		subs:   make(map[int]*subscriber),
		states: make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects as uuid and keeps reconnecting until ctx is done. It returns
// ctx.Err() and must not be called twice.
func (c *Client) Run(ctx context.Context, uuid, publicKey string) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("relay client already running")
	}
	register := protocol.Register{UUID: uuid, PublicKey: publicKey}

	for {
		err := c.session(ctx, register)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := c.backoff()
		c.logger.Info("relay connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))

		timer := c.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Send writes env to the relay. It reports whether the open channel accepted
// the write, not whether the peer received it.
func (c *Client) Send(env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Warn("refusing to send envelope", zap.String("type", protocol.Label(env)), zap.Error(err))
		metrics.SendFailures.Inc()
		return false
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		metrics.SendFailures.Inc()
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", zap.Error(err))
		metrics.SendFailures.Inc()
		// the reader notices the closed socket and the supervisor redials
		_ = conn.Close()
		return false
	}
	metrics.EnvelopesSent.WithLabelValues(protocol.Label(env)).Inc()
	return true
}

// Subscribe returns a channel receiving every decoded inbound envelope and a
// function cancelling the subscription. The channel is never closed.
func (c *Client) Subscribe() (<-chan protocol.Envelope, func()) {
	size := c.cfg.InboundBuffer
	if size <= 0 {
		size = 1
	}
	s := &subscriber{ch: make(chan protocol.Envelope, size), done: make(chan struct{})}

	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = s
	c.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(s.done)
		})
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// StateChanges yields the latest connectivity value. Intermediate values are
// dropped when the consumer lags.
func (c *Client) StateChanges() <-chan bool {
	return c.states
}

func (c *Client) session(ctx context.Context, register protocol.Register) error {
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close()

	// register goes out before the connection is visible to Send
	data, err := protocol.Encode(register)
	if err != nil {
		return fmt.Errorf("failed to encode register: %w", err)
	}
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	metrics.EnvelopesSent.WithLabelValues(string(protocol.TypeRegister)).Inc()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConn(conn)
	defer c.setConn(nil)
	metrics.Reconnects.Inc()
	c.logger.Info("connected to relay", zap.String("url", c.cfg.URL))

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(sessCtx, conn) }()

	var pings <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := c.clock.Ticker(c.cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return fmt.Errorf("ping failed: %w", <-readErr)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			metrics.DecodeErrors.Inc()
			c.logger.Debug("dropping inbound frame", zap.Error(err))
			continue
		}
		metrics.EnvelopesReceived.WithLabelValues(protocol.Label(env)).Inc()
		c.publish(ctx, env)
	}
}

func (c *Client) publish(ctx context.Context, env protocol.Envelope) {
	c.mu.RLock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	up := conn != nil
	c.connected.Store(up)
	if up {
		metrics.Connected.Set(1)
	} else {
		metrics.Connected.Set(0)
	}

	select {
	case <-c.states:
	default:
	}
	c.states <- up
}

func (c *Client) backoff() time.Duration {
	wait := c.cfg.Backoff
	if c.cfg.BackoffJitter > 0 {
		wait += time.Duration(rand.Int64N(int64(c.cfg.BackoffJitter)))
	}
	return wait
}
