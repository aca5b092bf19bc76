// Package call negotiates a single media call over the relay.
//
// Every transition happens under one mutex. Media engine calls that may block
// run outside it; a generation counter bumped on every reset tells a late
// result that its call is already gone.
package call

import (
	"sync"

	"go.uber.org/zap"

	"Krypt/internal/metrics"
	"Krypt/internal/protocol"
	"Krypt/pkg/interfaces"
)

// SendFunc hands a signaling envelope to the relay.
type SendFunc func(env protocol.Envelope) bool

// Hooks are invoked outside the machine's lock.
type Hooks struct {
	OnChange func(State)
	OnEnded  func(peer string, reason EndReason)
}

// Options tune candidate buffering.
type Options struct {
	// BufferEarlyCandidates keeps candidates received while an offer is
	// ringing and applies them on accept.
	BufferEarlyCandidates bool
	MaxEarlyCandidates    int
}

// Machine is the call signaling state machine.
type Machine struct {
	self    string
	factory interfaces.MediaEngineFactory
	send    SendFunc
	hooks   Hooks
	opts    Options
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	gen         uint64
	engine      interfaces.MediaEngine
	remoteOffer string
	early       []interfaces.ICECandidate
	localQueue  []interfaces.ICECandidate
	signaled    bool
	localSink   interfaces.MediaSink
	remoteSink  interfaces.MediaSink
}

func NewMachine(self string, factory interfaces.MediaEngineFactory, send SendFunc, opts Options, hooks Hooks, logger *zap.Logger) *Machine {
	return &Machine{
		self:    self,
		factory: factory,
		send:    send,
		hooks:   hooks,
		opts:    opts,
		logger:  logger.Named("call"),
		state:   idle(),
	}
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetSinks sets where local preview and remote media go for future calls.
func (m *Machine) SetSinks(local, remote interfaces.MediaSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSink, m.remoteSink = local, remote
}

// StartCall places an outgoing call to peer.
func (m *Machine) StartCall(peer string) error {
	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return ErrCallActive
	}
	m.gen++
	gen := m.gen
	m.state = State{Phase: PhaseOffering, Peer: peer, Direction: Outgoing}
	m.signaled = false
	state := m.state
	m.mu.Unlock()

	metrics.CallsStarted.WithLabelValues(string(Outgoing)).Inc()
	m.logger.Info("starting call", zap.String("peer", peer))
	m.publish(state)

	engine, ok, err := m.prepareEngine(gen)
	if err != nil || !ok {
		return err
	}

	offer, err := engine.CreateOffer()
	if err != nil {
		m.end(gen, ReasonNegotiationFailed)
		return err
	}

	return m.signal(gen, protocol.Offer{From: m.self, To: peer, SDP: offer})
}

// HandleOffer records an incoming offer. Offers arriving while any call
// exists are rejected with ErrCallActive.
func (m *Machine) HandleOffer(from, sdp string) error {
	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		m.logger.Info("offer while busy ignored", zap.String("from", from))
		return ErrCallActive
	}
	m.gen++
	m.state = State{Phase: PhaseIncomingOffered, Peer: from, Direction: Incoming}
	m.remoteOffer = sdp
	m.early = nil
	m.signaled = false
	state := m.state
	m.mu.Unlock()

	metrics.CallsStarted.WithLabelValues(string(Incoming)).Inc()
	m.logger.Info("incoming call", zap.String("from", from))
	m.publish(state)
	return nil
}

// AcceptCall answers the ringing offer.
func (m *Machine) AcceptCall() error {
	m.mu.Lock()
	if m.state.Phase != PhaseIncomingOffered {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := m.gen
	peer := m.state.Peer
	offer := m.remoteOffer
	m.state.Phase = PhaseAccepting
	state := m.state
	m.mu.Unlock()

	m.publish(state)

	engine, ok, err := m.prepareEngine(gen)
	if err != nil || !ok {
		return err
	}

	answer, err := engine.CreateAnswer(offer)
	if err != nil {
		m.end(gen, ReasonNegotiationFailed)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	early := m.early
	m.early = nil
	m.mu.Unlock()

	for _, c := range early {
		if err := engine.AddRemoteICECandidate(c); err != nil {
			m.logger.Debug("buffered candidate rejected", zap.Error(err))
		}
	}

	return m.signal(gen, protocol.Answer{From: m.self, To: peer, SDP: answer})
}

// HandleAnswer applies the peer's answer to our offer. Answers that match no
// pending offer are ignored.
func (m *Machine) HandleAnswer(from, sdp string) error {
	m.mu.Lock()
	if m.state.Phase != PhaseOffering || m.state.Peer != from || m.engine == nil {
		m.mu.Unlock()
		m.logger.Debug("unexpected answer ignored", zap.String("from", from))
		return nil
	}
	gen := m.gen
	engine := m.engine
	m.mu.Unlock()

	if err := engine.SetRemoteAnswer(sdp); err != nil {
		m.end(gen, ReasonNegotiationFailed)
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state.Phase != PhaseOffering {
		m.mu.Unlock()
		return nil
	}
	m.state.Phase = PhaseConnecting
	state := m.state
	m.mu.Unlock()

	m.publish(state)
	return nil
}

// HandleICE applies a trickled remote candidate. Candidates for no call, or
// from anyone but the current peer, are dropped.
func (m *Machine) HandleICE(from string, c interfaces.ICECandidate) {
	m.mu.Lock()
	if !m.state.Active() || m.state.Peer != from {
		m.mu.Unlock()
		m.logger.Debug("candidate without call dropped", zap.String("from", from))
		return
	}
	if m.engine == nil {
		if m.opts.BufferEarlyCandidates && len(m.early) < m.opts.MaxEarlyCandidates {
			m.early = append(m.early, c)
		} else {
			m.logger.Debug("early candidate dropped", zap.String("from", from))
		}
		m.mu.Unlock()
		return
	}
	engine := m.engine
	m.mu.Unlock()

	if err := engine.AddRemoteICECandidate(c); err != nil {
		m.logger.Debug("remote candidate rejected", zap.Error(err))
	}
}

// EndCall hangs up from any non-idle phase.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	if !m.state.Active() {
		m.mu.Unlock()
		return ErrNotInCall
	}
	gen := m.gen
	m.mu.Unlock()

	m.end(gen, ReasonHangup)
	return nil
}

// prepareEngine builds and wires the engine for call gen. ok is false when the
// call ended meanwhile.
func (m *Machine) prepareEngine(gen uint64) (interfaces.MediaEngine, bool, error) {
	engine, err := m.factory(m.events(gen))
	if err != nil {
		m.logger.Warn("media engine unavailable", zap.Error(err))
		m.end(gen, ReasonMediaUnavailable)
		return nil, false, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.teardown(engine)
		return nil, false, nil
	}
	m.engine = engine
	local, remote := m.localSink, m.remoteSink
	m.mu.Unlock()

	if err := engine.InitLocalCapture(); err != nil {
		m.logger.Warn("local capture failed", zap.Error(err))
		m.end(gen, ReasonMediaUnavailable)
		return nil, false, err
	}
	if local != nil {
		if err := engine.AttachLocalSink(local); err != nil {
			m.logger.Debug("local sink not attached", zap.Error(err))
		}
	}
	if remote != nil {
		if err := engine.AttachRemoteSink(remote); err != nil {
			m.logger.Debug("remote sink not attached", zap.Error(err))
		}
	}
	return engine, true, nil
}

func (m *Machine) events(gen uint64) interfaces.MediaEvents {
	return interfaces.MediaEvents{
		OnLocalCandidate: func(c interfaces.ICECandidate) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen != gen {
				return
			}
			if !m.signaled {
				m.localQueue = append(m.localQueue, c)
				return
			}
			m.send(protocol.ICE{From: m.self, To: m.state.Peer, Candidate: c})
		},
		OnConnectionState: func(s interfaces.MediaConnectionState) {
			m.onMediaState(gen, s)
		},
	}
}

func (m *Machine) onMediaState(gen uint64, s interfaces.MediaConnectionState) {
	if s.Terminal() {
		m.logger.Info("media connection lost", zap.String("state", string(s)))
		m.end(gen, terminalReason(s))
		return
	}
	if s != interfaces.MediaStateConnected {
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	switch m.state.Phase {
	case PhaseOffering, PhaseConnecting, PhaseAccepting:
		m.state.Phase = PhaseConnected
	default:
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	m.logger.Info("call connected", zap.String("peer", state.Peer))
	m.publish(state)
}

// signal sends the session description of call gen, then trickles the local
// candidates gathered before it.
func (m *Machine) signal(gen uint64, env protocol.Envelope) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	sent := m.send(env)
	if sent {
		m.signaled = true
		for _, c := range m.localQueue {
			m.send(protocol.ICE{From: m.self, To: m.state.Peer, Candidate: c})
		}
		m.localQueue = nil
	}
	m.mu.Unlock()

	if !sent {
		m.end(gen, ReasonSignalingFailed)
		return ErrSignalingFailed
	}
	return nil
}

// end resets call gen to idle. Only the first caller for a generation tears
// the engine down.
func (m *Machine) end(gen uint64, reason EndReason) {
	m.mu.Lock()
	if m.gen != gen || !m.state.Active() {
		m.mu.Unlock()
		return
	}
	engine := m.engine
	peer := m.state.Peer
	m.gen++
	m.state = idle()
	m.engine = nil
	m.remoteOffer = ""
	m.early = nil
	m.localQueue = nil
	m.signaled = false
	state := m.state
	m.mu.Unlock()

	if engine != nil {
		m.teardown(engine)
	}
	metrics.CallsEnded.WithLabelValues(string(reason)).Inc()
	m.logger.Info("call ended", zap.String("peer", peer), zap.String("reason", string(reason)))
	m.publish(state)
	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded(peer, reason)
	}
}

func (m *Machine) teardown(engine interfaces.MediaEngine) {
	if err := engine.Teardown(); err != nil {
		m.logger.Debug("media teardown", zap.Error(err))
	}
}

func (m *Machine) publish(s State) {
	if m.hooks.OnChange != nil {
		m.hooks.OnChange(s)
	}
}

func terminalReason(s interfaces.MediaConnectionState) EndReason {
	switch s {
	case interfaces.MediaStateFailed:
		return ReasonFailed
	case interfaces.MediaStateClosed:
		return ReasonClosed
	}
	return ReasonDisconnected
}
