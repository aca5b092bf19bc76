package core

import (
	"time"

	"go.uber.org/zap"
)

// EventType names something the user should hear about.
type EventType string

const (
	// inbound content
	EventMessageReceived EventType = "message_received"
	EventFileReceived    EventType = "file_received"

	// failures that used to be swallowed
	EventSendFailed     EventType = "send_failed"
	EventDecryptFailed  EventType = "decrypt_failed"
	EventTransferFailed EventType = "transfer_failed"

	// key resolution
	EventKeyRequested EventType = "key_requested"
	EventKeyResolved  EventType = "key_resolved"

	// calls
	EventIncomingCall EventType = "incoming_call"
	EventCallEnded    EventType = "call_ended"
)

// Event is pushed to the UI alongside state snapshots.
type Event struct {
	Type EventType `json:"type"`
	Peer string    `json:"peer,omitempty"`
	// Text is the message body, file name or error, depending on Type.
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// eventQueue is a bounded event buffer. A full queue drops new events rather
// than blocking the handler that raised them.
type eventQueue struct {
	ch     chan Event
	logger *zap.Logger
}

func newEventQueue(size int, logger *zap.Logger) *eventQueue {
	if size <= 0 {
		size = 1
	}
	return &eventQueue{ch: make(chan Event, size), logger: logger}
}

func (q *eventQueue) push(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	select {
	case q.ch <- ev:
	default:
		q.logger.Warn("event queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}
