// Package progress implements the Progress Broadcaster (C6): a per-upload
// multi-subscriber event hub. It is grounded on perkeep's
// pkg/blobserver.BlobHub — a registry of per-key listener channels keyed
// off a shared map — generalized from blob-ref notifications to the
// tagged Event variants an upload emits over its lifetime.
package progress

import (
	"sync"
	"time"

	"romvault.dev/romvault/pkg/romid"
)

// EventType tags the variant carried by an Event, per the redesign note
// in spec §9 replacing "ad-hoc any-typed payloads" with a tagged union.
type EventType string

const (
	EventInitial    EventType = "initial"
	EventProgress   EventType = "progress"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventExpired    EventType = "expired"
)

// Event is one update published for an upload.
type Event struct {
	Type           EventType
	UploadID       romid.ID
	FileName       string
	State          string
	UploadedChunks int
	TotalChunks    int
	Progress       float64 // 0..1
	SpeedBytesPerS float64 // 0 if unknown
	ETA            time.Duration
	CatalogEntryID romid.ID // set on EventCompleted
	ErrorKind      string   // set on EventFailed
	ErrorDetail    string   // set on EventFailed
	Seq            uint64   // publish-order sequence number, per-upload
}

// DefaultQueueDepth is the bounded per-subscriber queue size from spec
// §4.6 ("default 64 events").
const DefaultQueueDepth = 64

// Subscription is a live handle returned by Hub.Subscribe. Callers read
// Events until it's closed, which happens only on Unsubscribe; delivering
// a terminal event does not close it.
type Subscription struct {
	ID       romid.ID
	UploadID romid.ID
	Events   <-chan Event

	hub *Hub
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s)
}

// snapshotFunc produces the synthetic "current state" event delivered to
// a subscriber that joins late, per §4.6 ("subscribe may deliver a
// synthetic snapshot event first").
type snapshotFunc func(uploadID romid.ID) (Event, bool)

// Hub is the C6 capability object: a peer of the Upload Coordinator, not
// owned by it (per spec §9's cyclic-graph note), sharing only the Store.
type Hub struct {
	queueDepth int
	snapshot   snapshotFunc

	mu   sync.Mutex
	subs map[romid.ID]map[romid.ID]*subscriber // uploadID -> subID -> subscriber
	seq  map[romid.ID]uint64                   // uploadID -> next publish sequence
}

type subscriber struct {
	id     romid.ID
	ch     chan Event
	mu     sync.Mutex
	buf    []Event // held under mu; used to coalesce progress events on overflow
	closed bool
}

// NewHub builds a Hub. queueDepth <= 0 uses DefaultQueueDepth. snapshot
// may be nil if callers never need late-subscriber snapshots.
func NewHub(queueDepth int, snapshot snapshotFunc) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Hub{
		queueDepth: queueDepth,
		snapshot:   snapshot,
		subs:       make(map[romid.ID]map[romid.ID]*subscriber),
		seq:        make(map[romid.ID]uint64),
	}
}

// Subscribe registers a new subscriber for uploadID and returns a
// Subscription whose Events channel delivers published events in
// publish order, per §4.6's per-upload ordering contract.
func (h *Hub) Subscribe(uploadID romid.ID) *Subscription {
	h.mu.Lock()
	sub := &subscriber{id: romid.NewID(), ch: make(chan Event, h.queueDepth)}
	if h.subs[uploadID] == nil {
		h.subs[uploadID] = make(map[romid.ID]*subscriber)
	}
	h.subs[uploadID][sub.id] = sub
	h.mu.Unlock()

	if h.snapshot != nil {
		if ev, ok := h.snapshot(uploadID); ok {
			sub.deliver(ev)
		}
	}

	return &Subscription{ID: sub.id, UploadID: uploadID, Events: sub.ch, hub: h}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[s.UploadID]; ok {
		if sub, ok := m[s.ID]; ok {
			sub.close()
			delete(m, s.ID)
		}
		if len(m) == 0 {
			delete(h.subs, s.UploadID)
		}
	}
}

// Publish delivers event to every subscriber of uploadID, stamping it
// with the next publish-order sequence number. Publishing to an upload
// with no subscribers is a no-op, per §4.6.
func (h *Hub) Publish(uploadID romid.ID, event Event) {
	h.mu.Lock()
	h.seq[uploadID]++
	event.Seq = h.seq[uploadID]
	event.UploadID = uploadID
	subs := h.subs[uploadID]
	if len(subs) == 0 {
		h.mu.Unlock()
		if isTerminal(event.Type) {
			delete(h.seq, uploadID)
		}
		return
	}
	// Copy the slice of subscribers out before releasing the hub lock:
	// subscriber.deliver does its own locking and must never run with
	// h.mu held, or a slow subscriber would stall every other upload.
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	terminal := isTerminal(event.Type)
	if terminal {
		delete(h.seq, uploadID)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

func isTerminal(t EventType) bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled, EventExpired:
		return true
	default:
		return false
	}
}

// deliver enqueues event on the subscriber's channel. On overflow the
// event at the head of the queue (the oldest one, whatever its type) is
// evicted to make room. A terminal event then always takes the freed
// slot, so a slow subscriber still observes completion; a progress event
// that still finds no room is dropped. Eviction does not single out
// progress events: an older initial or processing event at the head is
// evicted just the same.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	if !isTerminal(event.Type) {
		// Queue is full: evict the event at the channel head, whatever
		// its type, and retry once.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
			// Still full (a terminal event occupies every slot);
			// silently drop this progress update — never a terminal
			// one, by construction below.
		}
		return
	}

	// Terminal event: guarantee delivery by evicting the oldest queued
	// event outright.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
