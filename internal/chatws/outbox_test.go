package chatws

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type blockingConn struct {
	release chan struct{}
	mu      sync.Mutex
	written [][]byte
}

func (c *blockingConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

func (c *blockingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestOutbox_DropsOldestWhenFull(t *testing.T) {
	conn := &blockingConn{release: make(chan struct{})}
	o := newOutbox(conn, 2, slog.Default())

	for i := 0; i < 10; i++ {
		o.Send(map[string]int{"n": i})
	}
	if o.Dropped() == 0 {
		t.Fatal("Expected messages to be dropped")
	}

	close(conn.release)
	deadline := time.Now().Add(2 * time.Second)
	for conn.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	o.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	last := string(conn.written[len(conn.written)-1])
	if last != `{"n":9}` {
		t.Errorf("Expected newest message to survive, got %s", last)
	}
}
