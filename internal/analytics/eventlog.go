package analytics

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one line of the event log.
type Entry struct {
	InsertID   string    `json:"insert_id"`
	Event      string    `json:"event"`
	DistinctID string    `json:"distinct_id,omitempty"`
	Time       time.Time `json:"time"`
	Properties Props     `json:"properties,omitempty"`
}

// EventLog writes events as newline-delimited JSON from a background
// goroutine. When the queue is full the oldest entry is dropped so Record
// never blocks the caller.
type EventLog struct {
	out        io.Writer
	closer     io.Closer
	queue      chan Entry
	done       chan struct{}
	wg         sync.WaitGroup
	logger     *slog.Logger
	closeOnce  sync.Once
	now        func() time.Time
	mu         sync.Mutex
	distinctID string
	dropped    int
}

// OpenEventLog appends to the NDJSON file at path, creating it if needed.
func OpenEventLog(path string, queueSize int, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create analytics directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open analytics log: %w", err)
	}
	l := NewEventLog(f, queueSize, logger)
	l.closer = f
	return l, nil
}

// NewEventLog writes events to out.
func NewEventLog(out io.Writer, queueSize int, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	l := &EventLog{
		out:    out,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}

	l.wg.Add(1)
	go l.process()

	return l
}

// Identify sets the distinct id for subsequent events.
func (l *EventLog) Identify(distinctID string) {
	l.mu.Lock()
	l.distinctID = distinctID
	l.mu.Unlock()
}

// Record queues an event. A DistinctIDProp property overrides the id set by
// Identify and is not written as a property.
func (l *EventLog) Record(event string, props Props) {
	l.mu.Lock()
	entry := Entry{
		InsertID:   uuid.NewString(),
		Event:      event,
		DistinctID: l.distinctID,
		Time:       l.now().UTC(),
		Properties: props,
	}
	l.mu.Unlock()

	if id, ok := props[DistinctIDProp].(string); ok {
		entry.DistinctID = id
		entry.Properties = props.clone(0)
		delete(entry.Properties, DistinctIDProp)
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- entry:
		return
	default:
	}

	// Queue full: drop the oldest entry to make room.
	select {
	case <-l.queue:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	default:
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Analytics queue full, dropping event", "event", event)
	}
}

// Dropped returns how many events were discarded under backpressure.
func (l *EventLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *EventLog) process() {
	defer l.wg.Done()
	enc := json.NewEncoder(l.out)
	for {
		select {
		case entry := <-l.queue:
			l.write(enc, entry)
		case <-l.done:
			// Flush what is left.
			for {
				select {
				case entry := <-l.queue:
					l.write(enc, entry)
				default:
					return
				}
			}
		}
	}
}

func (l *EventLog) write(enc *json.Encoder, entry Entry) {
	if err := enc.Encode(entry); err != nil {
		l.logger.Warn("Failed to write analytics event", "event", entry.Event, "error", err)
		return
	}
	l.logger.Debug("Analytics event", "event", entry.Event)
}

// Close flushes queued events and closes the underlying file.
func (l *EventLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)

		finished := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			l.logger.Warn("Analytics flush timeout", "queue_remaining", len(l.queue))
		}

		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

var _ Recorder = (*EventLog)(nil)
