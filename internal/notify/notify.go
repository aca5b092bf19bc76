// Package notify presents notification-worthy events to the user.
package notify

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"Krypt/pkg/config"
	"Krypt/pkg/interfaces"
)

const maxBody = 120

// Desktop raises OS notifications.
type Desktop struct {
	icon string
	send func(title, message string, icon string) error
}

var _ interfaces.Notifier = (*Desktop)(nil)

func NewDesktop(icon string) *Desktop {
	return &Desktop{
		icon: icon,
		send: func(title, message, icon string) error { return beeep.Notify(title, message, icon) },
	}
}

func (d *Desktop) Notify(_, title, body string) error {
	return d.send(title, truncate(body, maxBody), d.icon)
}

// Log records that a notification happened without its content.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(peer, title, _ string) error {
	l.logger.Info("notification", zap.String("peer", peer), zap.String("title", title))
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []interfaces.Notifier

func (m Multi) Notify(peer, title, body string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(peer, title, body))
	}
	return err
}

// New builds the notifier described by cfg. The log notifier is always on.
func New(cfg config.NotifyConfig, logger *zap.Logger) interfaces.Notifier {
	log := NewLog(logger)
	if !cfg.Desktop {
		return log
	}
	return Multi{log, NewDesktop(cfg.Icon)}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
