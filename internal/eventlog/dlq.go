package eventlog

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/atomicfile"
)

// DLQRecord is one parked event with its failure context.
type DLQRecord struct {
	Event      *core.Event `json:"event"`
	Reason     string      `json:"reason"`
	RetryCount int         `json:"retry_count"`
	ParkedAt   time.Time   `json:"parked_at"`
}

// DLQ is the dead letter queue file for events whose handlers failed.
type DLQ struct {
	mu    sync.Mutex
	path  string
	app   *atomicfile.Appender
	depth int
}

// NewDLQ opens the queue file and counts existing records.
func NewDLQ(path string) (*DLQ, error) {
	depth := 0
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				depth++
			}
		}
	}
	app, err := atomicfile.OpenAppender(path)
	if err != nil {
		return nil, err
	}
	return &DLQ{path: path, app: app, depth: depth}, nil
}

// Push appends a parked event. Retry count starts at zero; redelivery
// attempts append a fresh record with the count bumped.
func (d *DLQ) Push(e *core.Event, reason string) error {
	return d.push(&DLQRecord{
		Event:    e,
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
}

// PushRetry appends a parked event after a failed redelivery.
func (d *DLQ) PushRetry(rec *DLQRecord, reason string) error {
	return d.push(&DLQRecord{
		Event:      rec.Event,
		Reason:     reason,
		RetryCount: rec.RetryCount + 1,
		ParkedAt:   time.Now().UTC(),
	})
}

func (d *DLQ) push(rec *DLQRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.app.AppendLine(line); err != nil {
		return err
	}
	d.depth++
	return nil
}

// Records returns all parked records in append order.
func (d *DLQ) Records() ([]*DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []*DLQRecord
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec DLQRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Depth returns the number of parked records.
func (d *DLQ) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// Close closes the underlying file.
func (d *DLQ) Close() error {
	return d.app.Close()
}
