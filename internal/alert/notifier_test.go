package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"hope/pkg/logging"

	"github.com/stretchr/testify/assert"
)

type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Message
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingChannel) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestNotifyFansOutToAllChannels(t *testing.T) {
	n := NewNotifier(LevelInfo, logging.NewNop())
	tg := &recordingChannel{name: "telegram"}
	slack := &recordingChannel{name: "slack"}
	n.AddChannel(tg)
	n.AddChannel(slack)

	n.Notify(context.Background(), LevelWarning, "DOGEUSDT LOSS -1.20 USD")
	n.Flush()

	assert.Len(t, tg.messages(), 1)
	assert.Len(t, slack.messages(), 1)
	assert.Equal(t, LevelWarning, tg.messages()[0].Level)
	assert.Equal(t, "DOGEUSDT LOSS -1.20 USD", tg.messages()[0].Text)
}

func TestNotifyDropsBelowMinLevel(t *testing.T) {
	n := NewNotifier(LevelWarning, logging.NewNop())
	ch := &recordingChannel{name: "telegram"}
	n.AddChannel(ch)

	n.Notify(context.Background(), LevelInfo, "noise")
	n.Notify(context.Background(), LevelCritical, "circuit breaker OPEN")
	n.Flush()

	msgs := ch.messages()
	assert.Len(t, msgs, 1)
	assert.Equal(t, LevelCritical, msgs[0].Level)
}

func TestNotifyChannelFailureDoesNotAffectOthers(t *testing.T) {
	n := NewNotifier(LevelInfo, logging.NewNop())
	broken := &recordingChannel{name: "telegram", err: errors.New("bot blocked")}
	ok := &recordingChannel{name: "slack"}
	n.AddChannel(broken)
	n.AddChannel(ok)

	n.Notify(context.Background(), LevelError, "exit failed")
	n.Flush()

	assert.Len(t, ok.messages(), 1)
}
