package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
)

const (
	RealtimeEventEntityChanged = "entity-change"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeBufferSize         = 16
)

// RealtimeMessage is delivered to stream subscribers of one entity kind.
type RealtimeMessage struct {
	Kind      schema.Kind
	EventType string
	Change    records.ChangeEvent
	Timestamp time.Time
}

// RealtimeDispatcher fans accepted writes out to stream subscribers, grouped by kind.
// A subscriber whose buffer is full misses the message; writers never wait on readers.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	byKind  map[schema.Kind]map[uint64]chan RealtimeMessage
	lastID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	clock   func() time.Time
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		byKind: make(map[schema.Kind]map[uint64]chan RealtimeMessage),
		buffer: realtimeBufferSize,
		clock:  time.Now,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup is called.
// The stream channel is never closed by the dispatcher except for an empty kind.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, kind schema.Kind) (<-chan RealtimeMessage, func()) {
	if kind == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.lastID.Add(1)
	stream := make(chan RealtimeMessage, d.buffer)
	d.mu.Lock()
	if d.byKind[kind] == nil {
		d.byKind[kind] = make(map[uint64]chan RealtimeMessage)
	}
	d.byKind[kind][id] = stream
	d.mu.Unlock()

	cleanup := sync.OnceFunc(func() { d.remove(kind, id) })
	context.AfterFunc(ctx, cleanup)
	return stream, cleanup
}

// EntityChanged publishes an accepted write to the subscribers of its kind.
func (d *RealtimeDispatcher) EntityChanged(event records.ChangeEvent) {
	d.Publish(RealtimeMessage{
		Kind:      event.Kind,
		EventType: RealtimeEventEntityChanged,
		Change:    event,
		Timestamp: d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Kind == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.byKind[message.Kind] {
		select {
		case stream <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the live subscribers of a kind.
func (d *RealtimeDispatcher) SubscriberCount(kind schema.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKind[kind])
}

// Dropped reports how many deliveries were skipped because a subscriber was behind.
func (d *RealtimeDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) remove(kind schema.Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.byKind[kind]
	delete(streams, id)
	if len(streams) == 0 {
		delete(d.byKind, kind)
	}
}
