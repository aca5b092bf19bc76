package interfaces

// ICECandidate is one candidate network path for the media session.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// MediaConnectionState is the connectivity signal reported by a media engine.
type MediaConnectionState string

const (
	MediaStateConnecting   MediaConnectionState = "connecting"
	MediaStateConnected    MediaConnectionState = "connected"
	MediaStateDisconnected MediaConnectionState = "disconnected"
	MediaStateFailed       MediaConnectionState = "failed"
	MediaStateClosed       MediaConnectionState = "closed"
)

// Terminal reports whether the state ends the call.
func (s MediaConnectionState) Terminal() bool {
	switch s {
	case MediaStateDisconnected, MediaStateFailed, MediaStateClosed:
		return true
	}
	return false
}

// MediaSink receives media payloads for display. Kind is "audio" or "video".
type MediaSink interface {
	WriteMedia(kind string, payload []byte) error
}

// MediaEvents are the callbacks an engine raises. Callbacks may fire from
// engine-owned goroutines.
type MediaEvents struct {
	OnLocalCandidate  func(ICECandidate)
	OnConnectionState func(MediaConnectionState)
}

// MediaEngine is the black box doing capture, codecs and transport for one call.
type MediaEngine interface {
	InitLocalCapture() error
	CreateOffer() (sdp string, err error)
	CreateAnswer(remoteOffer string) (sdp string, err error)
	SetRemoteAnswer(sdp string) error
	AddRemoteICECandidate(c ICECandidate) error
	AttachLocalSink(sink MediaSink) error
	AttachRemoteSink(sink MediaSink) error
	Teardown() error
}

// MediaEngineFactory builds a fresh engine for each call. A construction error
// means no usable media stack is available.
type MediaEngineFactory func(events MediaEvents) (MediaEngine, error)
