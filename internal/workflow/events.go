package workflow

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventStageChanged        EventKind = "STAGE_CHANGED"
	EventDocumentVoided      EventKind = "DOCUMENT_VOIDED"
	EventDocumentDeleted     EventKind = "DOCUMENT_DELETED"
	EventFinalisationDone    EventKind = "FINALISATION_COMPLETED"
	EventFinalisationFailed  EventKind = "FINALISATION_FAILED"
	EventSignatureRecorded   EventKind = "SIGNATURE_RECORDED"
	EventControlledCopyMade  EventKind = "CONTROLLED_COPY_CREATED"
)

// Event is a typed workflow notification. Observers coordinate through these
// instead of stringly-typed broadcast payloads.
type Event struct {
	Kind       EventKind
	DocumentID string
	From       Stage
	To         Stage
	Actor      string
	Reason     string
	At         time.Time
}

// Broadcaster fans events out to subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than stalling a
// stage transition.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscription. The returned cancel func
// removes the subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
