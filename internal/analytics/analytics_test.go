package analytics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type captured struct {
	event string
	props Props
}

type captureRecorder struct {
	mu     sync.Mutex
	events []captured
}

func (c *captureRecorder) Identify(string) {}

func (c *captureRecorder) Record(event string, props Props) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, captured{event, props})
}

type mapLookup map[string]string

func (m mapLookup) CharacterName(_ context.Context, id string) (string, error) {
	if id == "broken" {
		return "", errors.New("db down")
	}
	return m[id], nil
}

func TestWithCharacterNames(t *testing.T) {
	capture := &captureRecorder{}
	rec := WithCharacterNames(capture, mapLookup{"a": "Alice"})

	rec.Record(EventMessageSent, Props{"character_id": "a"})
	rec.Record(EventMessageSent, Props{"character_id": "unknown"})
	rec.Record(EventMessageSent, Props{"character_id": "broken"})
	rec.Record(EventMessageSent, Props{"other": 1})

	if len(capture.events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(capture.events))
	}
	if got := capture.events[0].props["character_name"]; got != "Alice" {
		t.Errorf("Expected Alice, got %v", got)
	}
	for i := 1; i <= 2; i++ {
		v, ok := capture.events[i].props["character_name"]
		if !ok || v != nil {
			t.Errorf("Event %d: expected nil character_name, got %v (present=%v)", i, v, ok)
		}
	}
	if _, ok := capture.events[3].props["character_name"]; ok {
		t.Error("Expected no character_name without character_id")
	}
}

func TestEventLog_WritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics", "events.ndjson")
	l, err := OpenEventLog(path, 10, nil)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}

	l.Identify("sess-1")
	l.Record(EventSessionCreated, Props{"character_id": "a"})
	l.Record(EventMessageSent, Props{"character_id": "a", "message_length": 5})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Event != EventSessionCreated || entries[0].DistinctID != "sess-1" {
		t.Errorf("Unexpected first entry %+v", entries[0])
	}
	if entries[0].InsertID == "" || entries[0].InsertID == entries[1].InsertID {
		t.Error("Expected unique insert ids")
	}
}

type blockingWriter struct {
	release chan struct{}
	buf     bytes.Buffer
	mu      sync.Mutex
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestEventLog_DropsOldestWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	l := NewEventLog(w, 2, nil)

	// The first event may be taken by the worker and block in Write; the
	// rest overflow the two-slot queue.
	for i := 0; i < 10; i++ {
		l.Record(EventMessageSent, Props{"i": i})
	}

	if l.Dropped() == 0 {
		t.Error("Expected dropped events under backpressure")
	}

	close(w.release)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Recording after Close is a no-op.
	l.Record(EventMessageSent, nil)
}

func TestScoped_KeepsDistinctIDsApart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l, err := OpenEventLog(path, 10, nil)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}

	a := Scoped(l)
	b := Scoped(l)
	a.Identify("session-a")
	b.Identify("session-b")
	a.Record(EventMessageSent, Props{"session_id": "session-a"})
	b.Record(EventMessageSent, Props{"session_id": "session-b"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal line %q: %v", sc.Text(), err)
		}
		n++
		if got := e.Properties["session_id"]; got != e.DistinctID {
			t.Errorf("Expected distinct id %v, got %q", got, e.DistinctID)
		}
		if _, ok := e.Properties[DistinctIDProp]; ok {
			t.Error("Expected distinct id property stripped from the entry")
		}
	}
	if n != 2 {
		t.Fatalf("Expected 2 entries, got %d", n)
	}
}

func TestScoped_NopPassesThrough(t *testing.T) {
	if _, ok := Scoped(Nop{}).(Nop); !ok {
		t.Error("Expected Nop to stay Nop")
	}
}
