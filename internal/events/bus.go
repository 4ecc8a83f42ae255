// Package events provides a publish/subscribe bus for memory lifecycle
// events: sessions created, flushed, archived, rolled over and deleted,
// content swept, corrupt files quarantined. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMemory identifies events from the conversation memory manager.
	SourceMemory = "memory"
	// SourceMaintenance identifies events from the scheduled sweeps.
	SourceMaintenance = "maintenance"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionCreated signals a new active session.
	// Data: session_id, project.
	KindSessionCreated = "session_created"
	// KindSessionResumed signals an active session loaded from disk.
	// Data: session_id, project, turns.
	KindSessionResumed = "session_resumed"
	// KindSessionFlushed signals a session written to disk.
	// Data: session_id, turns.
	KindSessionFlushed = "session_flushed"
	// KindSessionRollover signals a full session archived. Its successor
	// is created by the project's next turn.
	// Data: session_id, project, turns.
	KindSessionRollover = "session_rollover"
	// KindReinforced signals a snapshot spliced into a response.
	// Data: session_id, turn_id, trigger.
	KindReinforced = "reinforced"

	// KindSessionArchived signals an idle session archived.
	// Data: session_id, project, idle_hours.
	KindSessionArchived = "session_archived"
	// KindSessionDeleted signals an archived session removed by retention.
	// Data: session_id, project, content_removed.
	KindSessionDeleted = "session_deleted"
	// KindContentSwept signals expired content removed.
	// Data: removed.
	KindContentSwept = "content_swept"
	// KindSessionQuarantined signals a corrupt session file moved aside.
	// Data: session_id, path, quarantine_path.
	KindSessionQuarantined = "session_quarantined"
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
	// can take the caller's <-chan Event.
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
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
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
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
