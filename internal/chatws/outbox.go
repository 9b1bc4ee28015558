package chatws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	outboxSize   = 64
	writeTimeout = 10 * time.Second
)

// messageWriter is the part of a WebSocket connection the outbox writes to.
type messageWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// outbox queues server messages for one connection and writes them from a
// single goroutine. When the queue is full the oldest message is dropped.
type outbox struct {
	conn   messageWriter
	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
}

func newOutbox(conn messageWriter, size int, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = outboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		conn:   conn,
		queue:  make(chan []byte, size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	o.wg.Add(1)
	go o.process()
	return o
}

// Send encodes v and queues it.
func (o *outbox) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		o.logger.Error("Failed to encode outbound message", "error", err)
		return
	}
	if o.ctx.Err() != nil {
		return
	}

	for {
		select {
		case o.queue <- data:
			return
		case <-o.ctx.Done():
			return
		default:
		}
		select {
		case <-o.queue:
			o.mu.Lock()
			o.dropped++
			o.mu.Unlock()
			o.logger.Debug("Outbound queue full, dropped oldest message")
		default:
		}
	}
}

// Dropped returns how many messages were discarded.
func (o *outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *outbox) process() {
	defer o.wg.Done()
	for {
		select {
		case data := <-o.queue:
			if err := o.write(data); err != nil {
				o.logger.Debug("Failed to write outbound message", "error", err)
				o.cancel()
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *outbox) write(data []byte) error {
	ctx, cancel := context.WithTimeout(o.ctx, writeTimeout)
	defer cancel()
	return o.conn.Write(ctx, websocket.MessageText, data)
}

// Close stops the writer. Queued messages that were not written are
// discarded.
func (o *outbox) Close() {
	o.cancel()
	o.wg.Wait()
}
