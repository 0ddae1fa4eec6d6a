// Package event carries engine notifications to the layer above the client.
package event

import (
	"strconv"
	"sync"
)

// Type represents the type of event
type Type int

const (
	ConnectionStatusChanged Type = iota
	RoomJoined
	RoomLeft
	UserJoined
	UserLeft
	NickChanged
	NickConflict
	NickChangeFailed
	JoinFailed
	Evicted
	RoomDestroyed
	PresenceChanged
	AffiliationChanged
	RoleChanged
	MessageReceived
	RoomListUpdated
	SyncCompleted
	SyncFailed
)

var names = [...]string{
	ConnectionStatusChanged: "connection-status-changed",
	RoomJoined:              "room-joined",
	RoomLeft:                "room-left",
	UserJoined:              "user-joined",
	UserLeft:                "user-left",
	NickChanged:             "nick-changed",
	NickConflict:            "nick-conflict",
	NickChangeFailed:        "nick-change-failed",
	JoinFailed:              "join-failed",
	Evicted:                 "evicted",
	RoomDestroyed:           "room-destroyed",
	PresenceChanged:         "presence-changed",
	AffiliationChanged:      "affiliation-changed",
	RoleChanged:             "role-changed",
	MessageReceived:         "message-received",
	RoomListUpdated:         "room-list-updated",
	SyncCompleted:           "sync-completed",
	SyncFailed:              "sync-failed",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(names) {
		return names[t]
	}
	return "event(" + strconv.Itoa(int(t)) + ")"
}

// Msg is one notification. Data holds the payload struct defined by the
// package that emits the event.
type Msg struct {
	Type Type
	Data interface{}
}

// Handler is a function that handles events
type Handler func(Msg)

// Emitter publishes events.
type Emitter interface {
	Publish(Msg)
}

// Bus fans events out to subscribers. Handlers run synchronously on the
// publishing goroutine in subscription order, so they observe events in the
// order the engine produced them and must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe subscribes to an event type
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll subscribes to every event type
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(m Msg) {
	b.mu.RLock()
	handlers := b.handlers[m.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
	for _, h := range all {
		h(m)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *Bus) Unsubscribe(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, t)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]Handler)
	b.all = nil
}

// Recorder is an Emitter that keeps every event, for tests and replay.
type Recorder struct {
	mu   sync.Mutex
	msgs []Msg
}

// Publish records m.
func (r *Recorder) Publish(m Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

// Take returns the recorded events and forgets them.
func (r *Recorder) Take() []Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.msgs
	r.msgs = nil
	return msgs
}
