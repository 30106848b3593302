// Package alert fans operator notifications out to configured channels.
// Delivery is fire-and-forget: the trading path never blocks on a chat API.
package alert

import (
	"context"
	"sync"
	"time"

	"hope/internal/core"
)

// Notification levels, lowest to highest.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Message is one notification as a channel receives it.
type Message struct {
	Level string
	Text  string
	At    time.Time
}

// Channel delivers a message to one destination.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier implements core.INotifier over a set of channels.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	minLevel int
	logger   core.ILogger
	wg       sync.WaitGroup
}

// NewNotifier builds a notifier that drops messages below minLevel.
func NewNotifier(minLevel string, logger core.ILogger) *Notifier {
	return &Notifier{
		minLevel: levelRank(minLevel),
		logger:   logger.WithField("component", "notifier"),
	}
}

// AddChannel registers a delivery channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Notification channel added", "channel", ch.Name())
}

// Notify sends the message to every channel asynchronously. Failures are
// logged and dropped; notifications are best effort.
func (n *Notifier) Notify(ctx context.Context, level, text string) {
	if levelRank(level) < n.minLevel {
		return
	}
	msg := Message{Level: level, Text: text, At: time.Now().UTC()}

	n.mu.RLock()
	targets := make([]Channel, len(n.channels))
	copy(targets, n.channels)
	n.mu.RUnlock()

	for _, ch := range targets {
		n.wg.Add(1)
		go func(ch Channel) {
			defer n.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := ch.Send(sendCtx, msg); err != nil {
				n.logger.Warn("Notification delivery failed",
					"channel", ch.Name(), "level", level, "error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight deliveries; called on shutdown.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func levelRank(level string) int {
	switch level {
	case LevelCritical:
		return 3
	case LevelError:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

var _ core.INotifier = (*Notifier)(nil)
