package progress

import (
	"testing"
	"time"

	"romvault.dev/romvault/pkg/romid"
)

func TestPublishNoSubscribersIsNoOp(t *testing.T) {
	h := NewHub(0, nil)
	h.Publish(romid.NewID(), Event{Type: EventProgress}) // must not panic or block
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	h := NewHub(0, nil)
	uploadID := romid.NewID()
	sub := h.Subscribe(uploadID)
	defer sub.Unsubscribe()

	h.Publish(uploadID, Event{Type: EventInitial})
	h.Publish(uploadID, Event{Type: EventProgress, UploadedChunks: 1})
	h.Publish(uploadID, Event{Type: EventProgress, UploadedChunks: 2})
	h.Publish(uploadID, Event{Type: EventCompleted})

	want := []EventType{EventInitial, EventProgress, EventProgress, EventCompleted}
	for i, w := range want {
		select {
		case ev := <-sub.Events:
			if ev.Type != w {
				t.Fatalf("event %d: got %v, want %v", i, ev.Type, w)
			}
			if ev.Seq != uint64(i+1) {
				t.Fatalf("event %d: seq = %d, want %d", i, ev.Seq, i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSlowSubscriberOverflowKeepsTerminal(t *testing.T) {
	h := NewHub(2, nil) // tiny queue to force overflow quickly
	uploadID := romid.NewID()
	sub := h.Subscribe(uploadID)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		h.Publish(uploadID, Event{Type: EventProgress, UploadedChunks: i})
	}
	h.Publish(uploadID, Event{Type: EventCompleted})

	var last Event
	var sawTerminal bool
	drain:
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break drain
			}
			last = ev
			if ev.Type == EventCompleted {
				sawTerminal = true
			}
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}
	if !sawTerminal {
		t.Fatalf("expected terminal event to survive overflow, last seen: %+v", last)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(0, nil)
	uploadID := romid.NewID()
	sub := h.Subscribe(uploadID)
	sub.Unsubscribe()

	_, ok := <-sub.Events
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	uploadID := romid.NewID()
	h := NewHub(0, func(id romid.ID) (Event, bool) {
		if id == uploadID {
			return Event{Type: EventProgress, UploadedChunks: 5}, true
		}
		return Event{}, false
	})
	sub := h.Subscribe(uploadID)
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events:
		if ev.UploadedChunks != 5 {
			t.Fatalf("snapshot event = %+v, want UploadedChunks=5", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot event")
	}
}
