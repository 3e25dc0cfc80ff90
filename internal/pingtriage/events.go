package pingtriage

import (
	"github.com/google/uuid"
)

type EventType string

const (
	EventPingCreated   EventType = "ping.created"
	EventPingAnalyzed  EventType = "ping.analyzed"
	EventPingResponded EventType = "ping.responded"
	EventPingLinked    EventType = "ping.linked"
	EventSyncUpdated   EventType = "sync.updated"
	EventStateReloaded EventType = "state.reloaded"
)

// Event describes one committed change to the collection.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PingID    string    `json:"pingId,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	IssueID   string    `json:"issueId,omitempty"`
	Timestamp string    `json:"timestamp"`
}

const defaultSubscriberBuffer = 64

// Subscribe registers a change feed. Events are dropped for a subscriber whose
// buffer is full. The returned func unregisters and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once bool
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if once {
			return
		}
		once = true
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

func (s *Store) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, event := range events {
		for _, ch := range s.subscribers {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (s *Store) newEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Timestamp: formatTime(s.now()),
	}
}

func (s *Store) pingEvent(eventType EventType, ping *Ping) Event {
	event := s.newEvent(eventType)
	event.PingID = ping.ID
	event.ThreadID = ping.ThreadID
	event.Platform = ping.Platform
	event.IssueID = ping.LinearIssueID
	return event
}
