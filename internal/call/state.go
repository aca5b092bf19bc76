package call

import "errors"

var (
	// ErrCallActive is returned when a call is requested while another one exists.
	ErrCallActive = errors.New("a call is already active")
	// ErrNoIncomingCall is returned by AcceptCall when nothing is ringing.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrNotInCall is returned by EndCall when there is nothing to end.
	ErrNotInCall = errors.New("not in a call")
	// ErrSignalingFailed is returned when an offer or answer could not be
	// handed to the relay. The call has been ended.
	ErrSignalingFailed = errors.New("signaling failed")
)

// Phase is a negotiation state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOffering        Phase = "offering"
	PhaseConnecting      Phase = "connecting"
	PhaseIncomingOffered Phase = "incoming_offered"
	PhaseAccepting       Phase = "accepting"
	PhaseConnected       Phase = "connected"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// EndReason says why a call went back to idle.
type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonMediaUnavailable  EndReason = "media_unavailable"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonSignalingFailed   EndReason = "signaling_failed"
	ReasonDisconnected      EndReason = "disconnected"
	ReasonFailed            EndReason = "failed"
	ReasonClosed            EndReason = "closed"
)

// State is the call snapshot shown to the user. The zero value is idle.
type State struct {
	Phase     Phase     `json:"phase"`
	Peer      string    `json:"peer,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// Active reports whether a call exists in any phase.
func (s State) Active() bool {
	return s.Phase != "" && s.Phase != PhaseIdle
}

// Ringing reports whether an offer waits for the user's decision.
func (s State) Ringing() bool {
	return s.Phase == PhaseIncomingOffered
}

func idle() State { return State{Phase: PhaseIdle} }
