package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"swapbank/native/bank"
	"swapbank/observability"
)

// Message is the wire form of a notification on the stream.
type Message struct {
	Cursor    uint64    `json:"cursor,omitempty"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal"`
	Asset     string    `json:"asset"`
	AmountIn  string    `json:"amount_in"`
	AmountOut string    `json:"amount_out"`
	Sequence  uint64    `json:"sequence"`
	Receipt   string    `json:"receipt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageFrom converts a committed notification.
func MessageFrom(n bank.Notification) Message {
	return Message{
		ID:        n.ID.Hex(),
		Kind:      string(n.Kind),
		Principal: strings.ToLower(n.Principal.Hex()),
		Asset:     strings.ToLower(n.Asset.Hex()),
		AmountIn:  amountString(n.AmountIn),
		AmountOut: amountString(n.AmountOut),
		Sequence:  n.Sequence,
		Receipt:   n.Receipt,
		Timestamp: n.Timestamp.UTC(),
	}
}

// MessageFromRecord converts a journal row.
func MessageFromRecord(rec Record) Message {
	return Message{
		Cursor:    rec.Cursor,
		ID:        rec.NotificationID,
		Kind:      rec.Kind,
		Principal: rec.Principal,
		Asset:     rec.Asset,
		AmountIn:  rec.AmountIn,
		AmountOut: rec.AmountOut,
		Sequence:  rec.Sequence,
		Receipt:   rec.Receipt,
		Timestamp: rec.OccurredAt.UTC(),
	}
}

// Hub fans committed notifications out to live subscribers. Slow subscribers
// lose messages rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Message
	next    uint64
	buffer  int
	dropped atomic.Uint64
}

// NewHub constructs a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[uint64]chan Message), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber.
func (h *Hub) Publish(_ context.Context, n bank.Notification) error {
	h.Broadcast(MessageFrom(n))
	return nil
}

// Broadcast delivers msg to every subscriber without blocking.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many messages slow subscribers missed.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Sink is a named notification destination.
type Sink struct {
	Name      string
	Publisher bank.Publisher
}

// Fanout publishes to every sink in order and records delivery outcomes.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

var _ bank.Publisher = (*Fanout)(nil)

// NewFanout builds a publisher over sinks. Nil publishers are skipped.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink.Publisher != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Fanout{sinks: filtered, logger: logger}
}

// Publish delivers n to every sink. A failing sink does not stop delivery to
// the others.
func (f *Fanout) Publish(ctx context.Context, n bank.Notification) error {
	var errs []error
	for _, sink := range f.sinks {
		err := sink.Publisher.Publish(ctx, n)
		observability.Notifications().RecordDelivery(sink.Name, err)
		if err != nil {
			f.logger.Warn("bankd/notify: sink delivery failed", "sink", sink.Name, "id", n.ID.Hex(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
