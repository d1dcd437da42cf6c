// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (processing loop, Router
// pipeline, channel adapters) to subscribers (the Router notifier, a
// future metrics collector). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the processing loop.
	SourceLoop = "loop"
	// SourceRouter identifies events from the Router pipeline.
	SourceRouter = "router"
	// SourceAdapter identifies events from channel adapters.
	SourceAdapter = "adapter"
	// SourceGardener identifies events from background maintenance.
	SourceGardener = "gardener"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a processing turn.
	// Data: envelope_id, channel, priority.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the end of a processing turn.
	// Data: envelope_id, channel, ok, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindModelCall signals the start of a model API call.
	// Data: envelope_id, round, model.
	KindModelCall = "model_call"
	// KindToolCall signals the start of a tool execution.
	// Data: envelope_id, tool.
	KindToolCall = "tool_call"
	// KindTaskDispatched signals an async task was handed to the Router.
	// Data: task_id, channel.
	KindTaskDispatched = "task_dispatched"

	// KindJobDelivered signals a Router job finished and its final
	// record was delivered. Data: job_id, issuer, status.
	KindJobDelivered = "job:delivered"
	// KindJobFailed signals a Router job failed terminally.
	// Data: job_id, issuer, error.
	KindJobFailed = "job:failed"
	// KindJobEvaluated signals the evaluator assigned a weight.
	// Data: job_id, weight, tier.
	KindJobEvaluated = "job:evaluated"

	// KindMessageReceived signals an inbound channel message.
	// Data: channel, sender, message_len.
	KindMessageReceived = "message_received"
	// KindMessageSent signals an outbound channel delivery.
	// Data: channel, message_len.
	KindMessageSent = "message_sent"

	// KindCompaction signals a Gardener compaction pass.
	// Data: channel, summarized.
	KindCompaction = "compaction"
	// KindEviction signals hot facts were archived to cold memory.
	// Data: evicted.
	KindEviction = "eviction"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Emit is a convenience wrapper around Publish.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recvToSend, ch)
	close(send)
}
