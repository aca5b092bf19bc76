// Package media implements the call media engine on pion/webrtc.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"Krypt/pkg/interfaces"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Source produces encoded local media of one kind and hands every frame to
// write until ctx is done.
type Source func(ctx context.Context, kind string, write func(frame []byte, duration time.Duration) error) error

// Config describes how engines are built.
type Config struct {
	ICEServers []string
	Video      bool
	// Source feeds the local tracks. Without one the tracks stay silent.
	Source Source
	// MaxPendingCandidates bounds the remote candidates kept until a remote
	// description exists. Zero selects defaultMaxPending.
	MaxPendingCandidates int
}

const defaultMaxPending = 64

// NewFactory returns an engine factory sharing one pion API.
func NewFactory(cfg Config, logger *zap.Logger) (interfaces.MediaEngineFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register vp8: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	log := logger.Named("media")
	return func(events interfaces.MediaEvents) (interfaces.MediaEngine, error) {
		return newEngine(api, pcConfig, cfg, events, log)
	}, nil
}

// Engine is one call's peer connection.
type Engine struct {
	pc     *webrtc.PeerConnection
	cfg    Config
	events interfaces.MediaEvents
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    []webrtc.ICECandidateInit
	tracks     map[string]*webrtc.TrackLocalStaticSample
	localSink  interfaces.MediaSink
	remoteSink interfaces.MediaSink

	closeOnce sync.Once
	closeErr  error
}

var _ interfaces.MediaEngine = (*Engine)(nil)

func newEngine(api *webrtc.API, pcConfig webrtc.Configuration, cfg Config, events interfaces.MediaEvents, logger *zap.Logger) (*Engine, error) {
	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		pc:     pc,
		cfg:    cfg,
		events: events,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tracks: make(map[string]*webrtc.TrackLocalStaticSample),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(fromInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug("connection state", zap.String("state", s.String()))
		if mapped, ok := mapState(s); ok && events.OnConnectionState != nil {
			events.OnConnectionState(mapped)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go e.readRemote(track)
	})
	return e, nil
}

// InitLocalCapture adds the local tracks and starts the configured source.
func (e *Engine) InitLocalCapture() error {
	kinds := []string{KindAudio}
	if e.cfg.Video {
		kinds = append(kinds, KindVideo)
	}

	for _, kind := range kinds {
		capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		if kind == KindVideo {
			capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		}
		track, err := webrtc.NewTrackLocalStaticSample(capability, kind, "krypt")
		if err != nil {
			return fmt.Errorf("failed to create %s track: %w", kind, err)
		}
		if _, err := e.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		e.mu.Lock()
		e.tracks[kind] = track
		e.mu.Unlock()

		if e.cfg.Source != nil {
			go e.runSource(kind, track)
		}
	}
	return nil
}

func (e *Engine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (e *Engine) CreateAnswer(remoteOffer string) (string, error) {
	if err := e.setRemote(webrtc.SDPTypeOffer, remoteOffer); err != nil {
		return "", err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (e *Engine) SetRemoteAnswer(sdp string) error {
	return e.setRemote(webrtc.SDPTypeAnswer, sdp)
}

// AddRemoteICECandidate applies c, or keeps it until a remote description exists.
func (e *Engine) AddRemoteICECandidate(c interfaces.ICECandidate) error {
	ci := toInit(c)

	e.mu.Lock()
	if e.pc.RemoteDescription() == nil {
		if len(e.pending) >= e.maxPending() {
			e.mu.Unlock()
			e.logger.Debug("pending candidate dropped", zap.String("mid", c.SDPMid))
			return nil
		}
		e.pending = append(e.pending, ci)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (e *Engine) maxPending() int {
	if e.cfg.MaxPendingCandidates > 0 {
		return e.cfg.MaxPendingCandidates
	}
	return defaultMaxPending
}

func (e *Engine) AttachLocalSink(sink interfaces.MediaSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localSink = sink
	return nil
}

func (e *Engine) AttachRemoteSink(sink interfaces.MediaSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteSink = sink
	return nil
}

// Teardown stops the sources and closes the peer connection. Only the first
// call has an effect.
func (e *Engine) Teardown() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}

func (e *Engine) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Debug("pending candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) runSource(kind string, track *webrtc.TrackLocalStaticSample) {
	err := e.cfg.Source(e.ctx, kind, func(frame []byte, d time.Duration) error {
		e.mu.Lock()
		sink := e.localSink
		e.mu.Unlock()
		if sink != nil {
			_ = sink.WriteMedia(kind, frame)
		}
		return track.WriteSample(media.Sample{Data: frame, Duration: d})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("local source stopped", zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Engine) readRemote(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	e.logger.Info("remote track", zap.String("kind", kind), zap.String("codec", track.Codec().MimeType))
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		e.mu.Lock()
		sink := e.remoteSink
		e.mu.Unlock()
		if sink != nil {
			if err := sink.WriteMedia(kind, pkt.Payload); err != nil {
				e.logger.Debug("remote sink write", zap.Error(err))
			}
		}
	}
}

func mapState(s webrtc.PeerConnectionState) (interfaces.MediaConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return interfaces.MediaStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return interfaces.MediaStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return interfaces.MediaStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return interfaces.MediaStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return interfaces.MediaStateClosed, true
	}
	return "", false
}

func toInit(c interfaces.ICECandidate) webrtc.ICECandidateInit {
	mid, idx := c.SDPMid, c.SDPMLineIndex
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
}

func fromInit(ci webrtc.ICECandidateInit) interfaces.ICECandidate {
	c := interfaces.ICECandidate{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		c.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		c.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return c
}
