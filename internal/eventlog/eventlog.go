// Package eventlog implements the append-only per-type journal and the
// in-process fan-out bus. The journal is the durable history of everything
// the core did; every state transition in the pipeline passes through here.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/atomicfile"
	apperrors "hope/pkg/errors"
	"hope/pkg/telemetry"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

type subscription struct {
	id      int64
	handler func(*core.Event) error
}

type journalFile struct {
	mu  sync.Mutex
	app *atomicfile.Appender
}

// EventLog owns the events/ directory and the subscriber registry.
type EventLog struct {
	dir    string
	logger core.ILogger

	filesMu sync.Mutex
	files   map[string]*journalFile

	subsMu sync.RWMutex
	subs   map[string][]*subscription
	nextID int64

	dlq *DLQ

	lastMu     sync.RWMutex
	lastAppend time.Time
}

// New opens (creating if needed) an event log rooted at dir. The dead letter
// queue lives next to the journals as dlq.jsonl.
func New(dir string, logger core.ILogger) (*EventLog, error) {
	eventsDir := filepath.Join(dir, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	dlq, err := NewDLQ(filepath.Join(dir, "dlq.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	return &EventLog{
		dir:    eventsDir,
		logger: logger.WithField("component", "event_log"),
		files:  make(map[string]*journalFile),
		subs:   make(map[string][]*subscription),
		dlq:    dlq,
	}, nil
}

// Publish appends the event to its journal, then fans it out to subscribers.
// The append is the commit point: if it fails, the caller must treat the
// whole operation as failed.
func (l *EventLog) Publish(ctx context.Context, e *core.Event) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event type empty", apperrors.ErrValidation)
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = core.SchemaVersion
	}
	if e.EventID == "" {
		e.EventID = e.ComputeID()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", apperrors.ErrLogWriteFailure, err)
	}

	jf, err := l.journal(e.EventType)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrLogWriteFailure, err)
	}

	jf.mu.Lock()
	err = jf.app.AppendLine(line)
	jf.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: append %s: %v", apperrors.ErrLogWriteFailure, e.EventType, err)
	}

	l.lastMu.Lock()
	l.lastAppend = e.TS
	l.lastMu.Unlock()
	telemetry.GetGlobalMetrics().AddEventAppend(ctx, e.EventType)

	l.fanout(e)
	return nil
}

// Subscribe registers a handler for one event type (or Wildcard). The
// returned func removes the subscription.
func (l *EventLog) Subscribe(eventType string, handler func(*core.Event) error) func() {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	l.nextID++
	sub := &subscription{id: l.nextID, handler: handler}
	l.subs[eventType] = append(l.subs[eventType], sub)

	id := sub.id
	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		list := l.subs[eventType]
		for i, s := range list {
			if s.id == id {
				l.subs[eventType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// LastAppendAt returns the timestamp of the most recent journal append.
func (l *EventLog) LastAppendAt() time.Time {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	return l.lastAppend
}

// DLQDepth reports how many events are parked on the dead letter queue.
func (l *EventLog) DLQDepth() int {
	return l.dlq.Depth()
}

// Close closes all journal files and the DLQ.
func (l *EventLog) Close() error {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	for _, jf := range l.files {
		jf.mu.Lock()
		jf.app.Close()
		jf.mu.Unlock()
	}
	l.files = make(map[string]*journalFile)
	return l.dlq.Close()
}

func (l *EventLog) journal(eventType string) (*journalFile, error) {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	if jf, ok := l.files[eventType]; ok {
		return jf, nil
	}
	app, err := atomicfile.OpenAppender(filepath.Join(l.dir, eventType+".jsonl"))
	if err != nil {
		return nil, err
	}
	jf := &journalFile{app: app}
	l.files[eventType] = jf
	return jf, nil
}

// fanout delivers the event to typed and wildcard subscribers. Handler
// failures never block publication and never propagate; the event goes to
// the DLQ instead.
func (l *EventLog) fanout(e *core.Event) {
	l.subsMu.RLock()
	targets := make([]*subscription, 0, len(l.subs[e.EventType])+len(l.subs[Wildcard]))
	targets = append(targets, l.subs[e.EventType]...)
	targets = append(targets, l.subs[Wildcard]...)
	l.subsMu.RUnlock()

	for _, sub := range targets {
		l.deliver(sub, e)
	}
}

func (l *EventLog) deliver(sub *subscription, e *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event handler panicked", "event_type", e.EventType, "panic", r)
			l.park(e, fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := sub.handler(e); err != nil {
		l.logger.Warn("Event handler failed", "event_type", e.EventType, "event_id", e.EventID, "error", err)
		l.park(e, err.Error())
	}
}

func (l *EventLog) park(e *core.Event, reason string) {
	if err := l.dlq.Push(e, reason); err != nil {
		l.logger.Error("DLQ write failed", "event_id", e.EventID, "error", err)
	}
	telemetry.GetGlobalMetrics().SetDLQDepth(l.dlq.Depth())
}

// Replay yields events with ts in [from, to], ordered by timestamp across
// types; within one type the append order is preserved for equal timestamps.
func (l *EventLog) Replay(from, to time.Time) ([]*core.Event, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}

	var events []*core.Event
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		typed, err := l.readJournal(filepath.Join(l.dir, entry.Name()), from, to)
		if err != nil {
			return nil, err
		}
		events = append(events, typed...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TS.Before(events[j].TS)
	})
	return events, nil
}

// ReplayType yields events of one type in append order.
func (l *EventLog) ReplayType(eventType string, from, to time.Time) ([]*core.Event, error) {
	path := filepath.Join(l.dir, eventType+".jsonl")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return l.readJournal(path, from, to)
}

func (l *EventLog) readJournal(path string, from, to time.Time) ([]*core.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []*core.Event
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e core.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// a torn trailing line can only be the last append before a
			// crash; skip it rather than refusing the whole replay
			l.logger.Warn("Skipping unparseable journal line", "file", filepath.Base(path))
			continue
		}
		if !from.IsZero() && e.TS.Before(from) {
			continue
		}
		if !to.IsZero() && e.TS.After(to) {
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}
