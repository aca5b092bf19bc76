package interfaces

// Notifier is the presentation layer used for notification-worthy events.
type Notifier interface {
	Notify(peerUUID, title, body string) error
}
