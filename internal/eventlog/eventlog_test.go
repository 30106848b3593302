package eventlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) (*EventLog, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func makeEvent(t *testing.T, eventType, corr string, ts time.Time) *core.Event {
	t.Helper()
	e, err := core.NewEvent(eventType, corr, "test", ts, map[string]string{"k": "v"})
	require.NoError(t, err)
	return e
}

func TestPublishAppendsToTypedJournal(t *testing.T) {
	l, dir := newLog(t)

	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", time.Now())))
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c2", time.Now())))
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "decision", "c1", time.Now())))

	data, err := os.ReadFile(filepath.Join(dir, "events", "signal.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(string(data)))
	assert.False(t, l.LastAppendAt().IsZero())
}

func TestSubscribeTypedAndWildcard(t *testing.T) {
	l, _ := newLog(t)

	var typed, all int
	l.Subscribe("signal", func(*core.Event) error { typed++; return nil })
	unsub := l.Subscribe(Wildcard, func(*core.Event) error { all++; return nil })

	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", time.Now())))
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "decision", "c1", time.Now())))
	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)

	unsub()
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "decision", "c2", time.Now())))
	assert.Equal(t, 2, all, "unsubscribed handler no longer fires")
}

func TestFailingHandlerGoesToDLQ(t *testing.T) {
	l, _ := newLog(t)
	l.Subscribe("signal", func(*core.Event) error { return errors.New("handler broken") })

	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", time.Now())),
		"handler failure never propagates to the publisher")
	assert.Equal(t, 1, l.DLQDepth())
}

func TestPanickingHandlerGoesToDLQ(t *testing.T) {
	l, _ := newLog(t)
	l.Subscribe("signal", func(*core.Event) error { panic("boom") })

	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", time.Now())))
	assert.Equal(t, 1, l.DLQDepth())
}

func TestReplayOrdersAcrossTypes(t *testing.T) {
	l, _ := newLog(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "decision", "c1", base.Add(2*time.Second))))
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", base)))
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "fill", "c1", base.Add(4*time.Second))))

	events, err := l.Replay(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "signal", events[0].EventType)
	assert.Equal(t, "decision", events[1].EventType)
	assert.Equal(t, "fill", events[2].EventType)

	windowed, err := l.Replay(base.Add(time.Second), base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "decision", windowed[0].EventType)
}

func TestReplayTypeSurvivesTornTrailingLine(t *testing.T) {
	l, dir := newLog(t)
	require.NoError(t, l.Publish(context.Background(), makeEvent(t, "signal", "c1", time.Now())))
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "events", "signal.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"schema_version":1,"event_id":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := New(dir, logging.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.ReplayType("signal", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1, "torn line skipped")
}

func TestReplayTypeMissingJournalIsEmpty(t *testing.T) {
	l, _ := newLog(t)
	events, err := l.ReplayType("never_written", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
