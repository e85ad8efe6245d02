package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to per-issue SSE
// subscribers. It runs a background goroutine that calls
// db.WaitForNotification in a loop, parses the event envelope, and sends
// the SSE-formatted payload to every subscriber of that issue.
type Broker struct {
	db      *storage.DB
	logger  *slog.Logger
	bufSize int

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
// bufSize is the per-subscriber channel buffer; a subscriber whose buffer
// is full misses events rather than blocking the fanout loop.
func NewBroker(db *storage.DB, bufSize int, logger *slog.Logger) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		db:          db,
		logger:      logger,
		bufSize:     bufSize,
		subscribers: make(map[uuid.UUID]map[chan []byte]struct{}),
	}
}

// Start begins listening on the events channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelEvents, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var env model.EventEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			b.logger.Warn("broker: malformed notification payload", "error", err)
			continue
		}

		b.broadcast(env.IssueID, formatSSE(string(env.Type), payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events for one
// issue. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(issueID uuid.UUID) chan []byte {
	ch := make(chan []byte, b.bufSize)
	b.mu.Lock()
	set, ok := b.subscribers[issueID]
	if !ok {
		set = make(map[chan []byte]struct{})
		b.subscribers[issueID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(issueID uuid.UUID, ch chan []byte) {
	b.mu.Lock()
	if set, ok := b.subscribers[issueID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subscribers, issueID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to the issue's subscribers. Slow subscribers
// with a full buffer are skipped so one stalled client cannot block the
// listen loop; they catch up from the persisted event log.
func (b *Broker) broadcast(issueID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[issueID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for an issue.
func (b *Broker) SubscriberCount(issueID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[issueID])
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
