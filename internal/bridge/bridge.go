// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge decouples backend state changes from UI consumption.
//
// The bridge is a bounded multi-consumer broadcast: each subscriber gets
// its own buffered queue per event category. Publishing never blocks.
// When a slow consumer overflows its buffer the oldest unconsumed events
// are dropped and a single Dropped marker is queued so the consumer
// knows to resynchronize by re-fetching current state instead of
// trusting a gap-free stream. This bounds memory under a stalled or
// backgrounded UI at the cost of consumer-side reconciliation.
package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/skiff/internal/model"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 128

// minBuffer leaves room for a Dropped marker alongside real events.
const minBuffer = 2

// =============================================================================
// CATEGORIES AND EVENTS
// =============================================================================

// Category identifies one of the three broadcast channels.
type Category int

const (
	// CategoryConnection carries connection-status-changed events.
	CategoryConnection Category = iota

	// CategoryMessage carries message-delta events.
	CategoryMessage

	// CategorySession carries session CRUD events.
	CategorySession
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryConnection:
		return "connection-status"
	case CategoryMessage:
		return "message-delta"
	case CategorySession:
		return "session-changed"
	default:
		return "unknown"
	}
}

// SessionChange is the kind of session CRUD event.
type SessionChange int

const (
	SessionCreated SessionChange = iota
	SessionUpdated
	SessionDeleted
)

// ConnectionStatusEvent reports one status transition.
type ConnectionStatusEvent struct {
	ConnectionID string
	Status       model.ConnStatus
	Reason       string
}

// MessageDeltaEvent reports streaming progress on one message.
type MessageDeltaEvent struct {
	SessionID  string
	MessageID  string
	Seq        uint64
	Text       string
	State      model.StreamState
	FailReason string
}

// SessionChangeEvent reports a session CRUD transition.
type SessionChangeEvent struct {
	SessionID string
	Change    SessionChange
}

// Event is one delivered broadcast item. Exactly one payload pointer is
// set unless Dropped is true, in which case the event is a gap marker
// carrying no payload.
type Event struct {
	Category Category
	Time     time.Time

	// Dropped marks a gap: older events for this category were discarded
	// because the subscriber fell behind.
	Dropped bool

	Conn    *ConnectionStatusEvent
	Delta   *MessageDeltaEvent
	Session *SessionChangeEvent
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription is one consumer's bounded queue for a single category.
type Subscription struct {
	category Category
	ch       chan Event

	mu      sync.Mutex
	dropped bool // a gap marker is owed or already queued
	closed  bool
}

// Events returns the subscriber's channel. Closed by Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// deliver enqueues ev, dropping oldest entries on overflow. Caller does
// not hold s.mu.
func (s *Subscription) deliver(ev Event) (droppedAny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		s.dropped = false
		return false
	default:
	}

	// Overflow: discard oldest until there is room for a gap marker plus
	// the new event. The consumer may be draining concurrently, so the
	// receives are non-blocking.
	for len(s.ch) > cap(s.ch)-2 {
		select {
		case <-s.ch:
		default:
		}
	}

	if !s.dropped {
		s.ch <- Event{Category: ev.Category, Time: time.Now(), Dropped: true}
		s.dropped = true
	}
	s.ch <- ev
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge fans backend events out to any number of subscribers.
type Bridge struct {
	mu   sync.Mutex
	subs map[Category][]*Subscription
	log  zerolog.Logger
}

// New creates an empty bridge.
func New(log zerolog.Logger) *Bridge {
	return &Bridge{
		subs: make(map[Category][]*Subscription),
		log:  log.With().Str("component", "bridge").Logger(),
	}
}

// Subscribe registers a consumer for one category with the default
// buffer depth.
func (b *Bridge) Subscribe(cat Category) *Subscription {
	return b.SubscribeBuffered(cat, DefaultBuffer)
}

// SubscribeBuffered registers a consumer with a custom buffer depth.
func (b *Bridge) SubscribeBuffered(cat Category, buffer int) *Subscription {
	if buffer < minBuffer {
		buffer = minBuffer
	}
	sub := &Subscription{
		category: cat,
		ch:       make(chan Event, buffer),
	}

	b.mu.Lock()
	b.subs[cat] = append(b.subs[cat], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bridge) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.category]
	for i, s := range list {
		if s == sub {
			b.subs[sub.category] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Close cancels every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Category][]*Subscription)
	b.mu.Unlock()

	for _, list := range all {
		for _, sub := range list {
			sub.close()
		}
	}
}

// publish fans an event out to the category's subscribers.
func (b *Bridge) publish(ev Event) {
	ev.Time = time.Now()

	b.mu.Lock()
	list := append([]*Subscription(nil), b.subs[ev.Category]...)
	b.mu.Unlock()

	for _, sub := range list {
		if sub.deliver(ev) {
			b.log.Warn().
				Str("category", ev.Category.String()).
				Msg("slow consumer: dropped oldest events")
		}
	}
}

// PublishConnectionStatus broadcasts a connection status transition.
func (b *Bridge) PublishConnectionStatus(ev ConnectionStatusEvent) {
	b.publish(Event{Category: CategoryConnection, Conn: &ev})
}

// PublishMessageDelta broadcasts streaming progress on a message.
func (b *Bridge) PublishMessageDelta(ev MessageDeltaEvent) {
	b.publish(Event{Category: CategoryMessage, Delta: &ev})
}

// PublishSessionChange broadcasts a session CRUD transition.
func (b *Bridge) PublishSessionChange(ev SessionChangeEvent) {
	b.publish(Event{Category: CategorySession, Session: &ev})
}
