// Package core is the session orchestrator: it routes relay envelopes to the
// transfer, receipt and call state machines, runs user intents, and keeps the
// application state snapshot.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Krypt/internal/call"
	"Krypt/internal/protocol"
	"Krypt/internal/receipt"
	"Krypt/internal/transfer"
	"Krypt/pkg/config"
	"Krypt/pkg/interfaces"
)

var (
	// ErrUnknownContact is returned for intents naming a peer that is not a contact.
	ErrUnknownContact = errors.New("unknown contact")
	// ErrMissingContactKey is returned when the peer's public key is not known
	// yet. A key request has been sent.
	ErrMissingContactKey = errors.New("contact public key not resolved")
	// ErrNotSent is returned when the relay channel did not accept the write.
	ErrNotSent = errors.New("relay did not accept the envelope")
)

const eventQueueSize = 64

// Relay is the connection manager as seen by the orchestrator.
type Relay interface {
	Send(env protocol.Envelope) bool
	Subscribe() (<-chan protocol.Envelope, func())
	Connected() bool
	StateChanges() <-chan bool
}

// Deps are the collaborators of a Service.
type Deps struct {
	Identity interfaces.Identity
	Repo     interfaces.Repository
	Crypto   interfaces.CryptoProvider
	Relay    Relay
	Media    interfaces.MediaEngineFactory
	Notifier interfaces.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Service is the session orchestrator.
type Service struct {
	cfg      *config.Config
	self     interfaces.Identity
	repo     interfaces.Repository
	crypto   interfaces.CryptoProvider
	relay    Relay
	notifier interfaces.Notifier
	clock    clock.Clock
	logger   *zap.Logger

	tracker     *receipt.Tracker
	calls       *call.Machine
	reassembler *transfer.Reassembler
	pacer       *transfer.Pacer
	pending     *pendingQueue

	events *eventQueue
	state  *stateHub

	inbound     <-chan protocol.Envelope
	unsubscribe func()
}

// NewService wires the state machines together. It subscribes to the relay
// right away so nothing received before Run is lost.
func NewService(cfg *config.Config, deps Deps) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger.Named("core")

	s := &Service{
		cfg:      cfg,
		self:     deps.Identity,
		repo:     deps.Repo,
		crypto:   deps.Crypto,
		relay:    deps.Relay,
		notifier: deps.Notifier,
		clock:    clk,
		logger:   logger,
		pacer:    transfer.NewPacer(cfg.Transfer.ChunkInterval),
		pending:  newPendingQueue(cfg.Messaging.MaxQueuedPerPeer),
		events:   newEventQueue(eventQueueSize, logger),
		state:    newStateHub(AppState{Self: deps.Identity.UUID, Call: call.State{Phase: call.PhaseIdle}}),
	}

	s.tracker = receipt.NewTracker(s.self.UUID, deps.Repo, s.relay.Send, deps.Logger)
	s.reassembler = transfer.NewReassembler(deps.Crypto, s.self.PrivateKey, deps.Logger,
		transfer.WithClock(clk),
		transfer.WithMaxSize(cfg.Transfer.MaxFileSize),
		transfer.WithMaxPerSender(cfg.Transfer.MaxPerSender),
		transfer.WithStaleAfter(cfg.Transfer.StaleAfter))
	s.calls = call.NewMachine(s.self.UUID, deps.Media, s.relay.Send,
		call.Options{
			BufferEarlyCandidates: cfg.Call.BufferEarlyCandidates,
			MaxEarlyCandidates:    cfg.Call.MaxEarlyCandidates,
		},
		call.Hooks{OnChange: s.onCallChange, OnEnded: s.onCallEnded},
		deps.Logger)

	s.inbound, s.unsubscribe = s.relay.Subscribe()
	return s
}

// Run processes inbound envelopes and background sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer s.unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	pool := newWorkerPool(s.cfg.Workers, s.handle, s.logger)

	g.Go(func() error { return pool.run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case env := <-s.inbound:
				if err := pool.submit(ctx, env); err != nil {
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		return s.reassembler.RunSweeper(ctx, s.cfg.Transfer.SweepInterval)
	})
	g.Go(func() error { return s.sweepStatuses(ctx) })
	g.Go(func() error { return s.watch(ctx) })

	s.logger.Info("session started", zap.String("uuid", s.self.UUID))
	err := g.Wait()
	s.logger.Info("session stopped")
	return err
}

// Identity returns the local identity without its private key.
func (s *Service) Identity() interfaces.Identity {
	id := s.self
	id.PrivateKey = ""
	return id
}

// State returns the current snapshot.
func (s *Service) State() AppState {
	return s.state.snapshot()
}

// Subscribe delivers the current snapshot and every later one. A slow reader
// only sees the newest.
func (s *Service) Subscribe() (<-chan AppState, func()) {
	return s.state.subscribe()
}

// Events yields user-facing events.
func (s *Service) Events() <-chan Event {
	return s.events.ch
}

// SetMediaSinks routes local preview and remote media of future calls.
func (s *Service) SetMediaSinks(local, remote interfaces.MediaSink) {
	s.calls.SetSinks(local, remote)
}

// Refresh reloads the snapshot from the repository.
func (s *Service) Refresh(ctx context.Context) error {
	contacts, err := s.repo.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}
	previews, err := s.repo.ConversationPreviews(ctx)
	if err != nil {
		return fmt.Errorf("failed to load previews: %w", err)
	}
	unread, err := s.repo.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count unread: %w", err)
	}
	statuses, err := s.repo.ListActiveStatuses(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to list statuses: %w", err)
	}

	open := s.tracker.OpenPeer()
	var messages []interfaces.Message
	if open != "" {
		if messages, err = s.repo.ListMessages(ctx, open); err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
	}

	connected := s.relay.Connected()
	s.state.update(func(st *AppState) {
		st.Connected = connected
		st.Contacts = contacts
		st.Previews = previews
		st.Unread = unread
		st.Statuses = statuses
		st.OpenPeer = open
		st.Messages = messages
	})
	return nil
}

func (s *Service) watch(ctx context.Context) error {
	changes := s.repo.Watch(ctx)
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial refresh failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("refresh failed", zap.Error(err))
			}
		case up := <-s.relay.StateChanges():
			s.state.update(func(st *AppState) { st.Connected = up })
		}
	}
}

func (s *Service) sweepStatuses(ctx context.Context) error {
	if s.cfg.Messaging.StatusSweep <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.Ticker(s.cfg.Messaging.StatusSweep)
	defer ticker.Stop()

	for {
		n, err := s.repo.DeleteExpiredStatuses(ctx, s.clock.Now())
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("status sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("expired statuses removed", zap.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) onCallChange(cs call.State) {
	s.state.update(func(st *AppState) { st.Call = cs })
}

func (s *Service) onCallEnded(peer string, reason call.EndReason) {
	s.events.push(Event{Type: EventCallEnded, Peer: peer, Reason: string(reason), Timestamp: s.clock.Now().Unix()})
}

func (s *Service) emit(typ EventType, peer, text string) {
	s.events.push(Event{Type: typ, Peer: peer, Text: text, Timestamp: s.clock.Now().Unix()})
}

func (s *Service) requestKey(peer string) {
	if s.relay.Send(protocol.GetPublicKey{From: s.self.UUID, Target: peer}) {
		s.emit(EventKeyRequested, peer, "")
	}
}

func (s *Service) notify(ctx context.Context, peer, body string) {
	if s.notifier == nil {
		return
	}
	title := interfaces.ShortID(peer)
	if c, err := s.repo.GetContact(ctx, peer); err == nil {
		title = c.DisplayName()
	}
	if err := s.notifier.Notify(peer, title, body); err != nil {
		s.logger.Debug("notification failed", zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}
