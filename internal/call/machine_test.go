package call

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Krypt/internal/protocol"
	"Krypt/pkg/interfaces"
)

type fakeEngine struct {
	mu         sync.Mutex
	events     interfaces.MediaEvents
	captureErr error
	answerErr  error
	remote     []interfaces.ICECandidate
	answerSDP  string
	teardowns  int
	// candidates emitted while creating the description
	gathered []interfaces.ICECandidate
}

func (e *fakeEngine) InitLocalCapture() error { return e.captureErr }

func (e *fakeEngine) CreateOffer() (string, error) {
	for _, c := range e.gathered {
		e.events.OnLocalCandidate(c)
	}
	return "offer-sdp", nil
}

func (e *fakeEngine) CreateAnswer(remoteOffer string) (string, error) {
	for _, c := range e.gathered {
		e.events.OnLocalCandidate(c)
	}
	return "answer-to-" + remoteOffer, nil
}

func (e *fakeEngine) SetRemoteAnswer(sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answerSDP = sdp
	return e.answerErr
}

func (e *fakeEngine) AddRemoteICECandidate(c interfaces.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = append(e.remote, c)
	return nil
}

func (e *fakeEngine) AttachLocalSink(interfaces.MediaSink) error  { return nil }
func (e *fakeEngine) AttachRemoteSink(interfaces.MediaSink) error { return nil }

func (e *fakeEngine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardowns++
	return nil
}

func (e *fakeEngine) remoteCandidates() []interfaces.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]interfaces.ICECandidate(nil), e.remote...)
}

func (e *fakeEngine) teardownCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardowns
}

type harness struct {
	m       *Machine
	engines []*fakeEngine
	next    func() *fakeEngine
	factErr error

	mu     sync.Mutex
	sent   []protocol.Envelope
	sendOK bool
	ended  []EndReason
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{sendOK: true, next: func() *fakeEngine { return &fakeEngine{} }}
	factory := func(ev interfaces.MediaEvents) (interfaces.MediaEngine, error) {
		if h.factErr != nil {
			return nil, h.factErr
		}
		e := h.next()
		e.events = ev
		h.engines = append(h.engines, e)
		return e, nil
	}
	send := func(env protocol.Envelope) bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sent = append(h.sent, env)
		return h.sendOK
	}
	hooks := Hooks{OnEnded: func(_ string, r EndReason) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ended = append(h.ended, r)
	}}
	h.m = NewMachine("me", factory, send, opts, hooks, zap.NewNop())
	return h
}

func (h *harness) envelopes() []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Envelope(nil), h.sent...)
}

func TestStartCall_OfferingThenAnswerKeepsCallActive(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.m.StartCall("r"))
	assert.Equal(t, State{Phase: PhaseOffering, Peer: "r", Direction: Outgoing}, h.m.State())
	require.Equal(t, []protocol.Envelope{protocol.Offer{From: "me", To: "r", SDP: "offer-sdp"}}, h.envelopes())

	require.NoError(t, h.m.HandleAnswer("r", "answer-sdp"))
	assert.True(t, h.m.State().Active())
	assert.Equal(t, PhaseConnecting, h.m.State().Phase)
	assert.Equal(t, "answer-sdp", h.engines[0].answerSDP)

	h.engines[0].events.OnConnectionState(interfaces.MediaStateConnected)
	assert.Equal(t, PhaseConnected, h.m.State().Phase)
}

func TestStartCall_SecondCallRejected(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.StartCall("r"))

	require.ErrorIs(t, h.m.StartCall("other"), ErrCallActive)
	assert.Equal(t, "r", h.m.State().Peer)
	assert.Len(t, h.engines, 1)
}

func TestEndCall_FromEveryPhaseTearsDownOnce(t *testing.T) {
	setups := map[string]func(h *harness){
		"offering": func(h *harness) {
			require.NoError(t, h.m.StartCall("r"))
		},
		"connecting": func(h *harness) {
			require.NoError(t, h.m.StartCall("r"))
			require.NoError(t, h.m.HandleAnswer("r", "a"))
		},
		"connected": func(h *harness) {
			require.NoError(t, h.m.StartCall("r"))
			require.NoError(t, h.m.HandleAnswer("r", "a"))
			h.engines[0].events.OnConnectionState(interfaces.MediaStateConnected)
		},
		"accepting": func(h *harness) {
			require.NoError(t, h.m.HandleOffer("r", "o"))
			require.NoError(t, h.m.AcceptCall())
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			setup(h)
			require.True(t, h.m.State().Active())

			require.NoError(t, h.m.EndCall())
			assert.Equal(t, State{Phase: PhaseIdle}, h.m.State())
			require.Len(t, h.engines, 1)
			assert.Equal(t, 1, h.engines[0].teardownCount())

			// late engine callbacks and a second hangup change nothing
			h.engines[0].events.OnConnectionState(interfaces.MediaStateClosed)
			require.ErrorIs(t, h.m.EndCall(), ErrNotInCall)
			assert.Equal(t, 1, h.engines[0].teardownCount())
			assert.Equal(t, []EndReason{ReasonHangup}, h.ended)
		})
	}
}

func TestEndCall_WhileRingingHasNoEngine(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.HandleOffer("r", "o"))
	assert.True(t, h.m.State().Ringing())

	require.NoError(t, h.m.EndCall())
	assert.False(t, h.m.State().Active())
	assert.Empty(t, h.engines)

	require.ErrorIs(t, h.m.AcceptCall(), ErrNoIncomingCall)
}

func TestEndCall_Idle(t *testing.T) {
	h := newHarness(t, Options{})
	require.ErrorIs(t, h.m.EndCall(), ErrNotInCall)
}

func TestIncoming_AcceptSendsAnswerAndBufferedCandidates(t *testing.T) {
	h := newHarness(t, Options{BufferEarlyCandidates: true, MaxEarlyCandidates: 2})
	local := interfaces.ICECandidate{Candidate: "local-1", SDPMid: "0"}
	h.next = func() *fakeEngine { return &fakeEngine{gathered: []interfaces.ICECandidate{local}} }

	require.NoError(t, h.m.HandleOffer("caller", "o"))
	h.m.HandleICE("caller", interfaces.ICECandidate{Candidate: "early-1"})
	h.m.HandleICE("caller", interfaces.ICECandidate{Candidate: "early-2"})
	h.m.HandleICE("caller", interfaces.ICECandidate{Candidate: "over-limit"})
	h.m.HandleICE("stranger", interfaces.ICECandidate{Candidate: "foreign"})

	require.NoError(t, h.m.AcceptCall())
	assert.Equal(t, PhaseAccepting, h.m.State().Phase)

	env := h.envelopes()
	require.Len(t, env, 2)
	assert.Equal(t, protocol.Answer{From: "me", To: "caller", SDP: "answer-to-o"}, env[0])
	assert.Equal(t, protocol.ICE{From: "me", To: "caller", Candidate: local}, env[1], "local candidates follow the answer")

	got := h.engines[0].remoteCandidates()
	assert.Equal(t, []interfaces.ICECandidate{{Candidate: "early-1"}, {Candidate: "early-2"}}, got)

	h.m.HandleICE("caller", interfaces.ICECandidate{Candidate: "late"})
	assert.Len(t, h.engines[0].remoteCandidates(), 3)

	h.engines[0].events.OnConnectionState(interfaces.MediaStateConnected)
	assert.Equal(t, PhaseConnected, h.m.State().Phase)
}

func TestIncoming_EarlyCandidatesDroppedWhenBufferingDisabled(t *testing.T) {
	h := newHarness(t, Options{BufferEarlyCandidates: false})
	require.NoError(t, h.m.HandleOffer("caller", "o"))
	h.m.HandleICE("caller", interfaces.ICECandidate{Candidate: "early"})

	require.NoError(t, h.m.AcceptCall())
	assert.Empty(t, h.engines[0].remoteCandidates())
}

func TestHandleICE_WithoutCallDropped(t *testing.T) {
	h := newHarness(t, Options{BufferEarlyCandidates: true, MaxEarlyCandidates: 8})
	h.m.HandleICE("r", interfaces.ICECandidate{Candidate: "c"})

	require.NoError(t, h.m.HandleOffer("r", "o"))
	require.NoError(t, h.m.AcceptCall())
	assert.Empty(t, h.engines[0].remoteCandidates())
}

func TestHandleOffer_WhileBusy(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.StartCall("r"))

	require.ErrorIs(t, h.m.HandleOffer("x", "o"), ErrCallActive)
	assert.Equal(t, PhaseOffering, h.m.State().Phase)
}

func TestHandleAnswer_Unexpected(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.HandleAnswer("r", "a"))
	assert.False(t, h.m.State().Active())

	require.NoError(t, h.m.StartCall("r"))
	require.NoError(t, h.m.HandleAnswer("someone-else", "a"))
	assert.Equal(t, PhaseOffering, h.m.State().Phase)
}

func TestStartCall_EngineConstructionFailureEndsCall(t *testing.T) {
	h := newHarness(t, Options{})
	h.factErr = errors.New("no camera")

	err := h.m.StartCall("r")
	require.ErrorContains(t, err, "no camera")
	assert.Equal(t, State{Phase: PhaseIdle}, h.m.State())
	assert.Equal(t, []EndReason{ReasonMediaUnavailable}, h.ended)
	assert.Empty(t, h.envelopes())
}

func TestStartCall_CaptureFailureTearsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.next = func() *fakeEngine { return &fakeEngine{captureErr: errors.New("denied")} }

	require.Error(t, h.m.StartCall("r"))
	assert.False(t, h.m.State().Active())
	assert.Equal(t, 1, h.engines[0].teardownCount())
}

func TestStartCall_SignalingFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.sendOK = false

	require.ErrorIs(t, h.m.StartCall("r"), ErrSignalingFailed)
	assert.False(t, h.m.State().Active())
	assert.Equal(t, 1, h.engines[0].teardownCount())
	assert.Equal(t, []EndReason{ReasonSignalingFailed}, h.ended)
}

func TestOutgoing_LocalCandidatesWaitForOffer(t *testing.T) {
	h := newHarness(t, Options{})
	c := interfaces.ICECandidate{Candidate: "local", SDPMLineIndex: 1}
	h.next = func() *fakeEngine { return &fakeEngine{gathered: []interfaces.ICECandidate{c}} }

	require.NoError(t, h.m.StartCall("r"))
	env := h.envelopes()
	require.Len(t, env, 2)
	assert.IsType(t, protocol.Offer{}, env[0])
	assert.Equal(t, protocol.ICE{From: "me", To: "r", Candidate: c}, env[1])

	// candidates after the offer are trickled immediately
	h.engines[0].events.OnLocalCandidate(interfaces.ICECandidate{Candidate: "later"})
	assert.Len(t, h.envelopes(), 3)
}

func TestMediaFailureEndsCall(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.m.StartCall("r"))
	require.NoError(t, h.m.HandleAnswer("r", "a"))

	h.engines[0].events.OnConnectionState(interfaces.MediaStateFailed)
	assert.False(t, h.m.State().Active())
	assert.Equal(t, 1, h.engines[0].teardownCount())
	assert.Equal(t, []EndReason{ReasonFailed}, h.ended)
}

func TestSetRemoteAnswerFailureEndsCall(t *testing.T) {
	h := newHarness(t, Options{})
	h.next = func() *fakeEngine { return &fakeEngine{answerErr: errors.New("bad sdp")} }
	require.NoError(t, h.m.StartCall("r"))

	require.Error(t, h.m.HandleAnswer("r", "garbage"))
	assert.False(t, h.m.State().Active())
	assert.Equal(t, []EndReason{ReasonNegotiationFailed}, h.ended)
}
