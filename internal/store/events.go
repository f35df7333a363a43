package store

import (
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/meeting"
)

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
	EventReloaded EventKind = "reloaded"
)

// Journal actions recorded for each helper.
const (
	ActionUpdate           = "meeting.updated"
	ActionCreate           = "meeting.created"
	ActionStatus           = "meeting.status"
	ActionDelete           = "meeting.deleted"
	ActionAudio            = "audio.segment"
	ActionTranscript       = "transcript.appended"
	ActionTranscriptEdit   = "transcript.edited"
	ActionDrawing          = "ink.drawing"
	ActionHandwriting      = "ink.recognized"
	ActionDrawingCleared   = "ink.cleared"
	ActionSummary          = "analysis.summary"
	ActionNotes            = "analysis.notes"
	ActionActionItems      = "analysis.action_items"
	ActionActionItemToggle = "analysis.action_item_toggled"
	ActionAnalysisFailed   = "analysis.failed"
)

// Event is a published change. Meeting is a private copy; for
// EventReloaded it is the zero value.
type Event struct {
	Kind    EventKind
	Action  string
	Meeting meeting.Meeting
}

// subscriber queues events without bound so a slow reader never stalls
// store mutations, and forwards them in publish order.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(buffer int) *subscriber {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (sub *subscriber) push(evt Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, evt)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	defer close(sub.out)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			evt := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			select {
			case sub.out <- evt:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

// Subscribe returns a channel receiving every change in order, and a
// function that ends the subscription and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	sub := newSubscriber(buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	return sub.out, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}
}

func (s *Store) publishLocked(evt Event) {
	for _, sub := range s.subs {
		sub.push(evt)
	}
}

// Close ends every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}
