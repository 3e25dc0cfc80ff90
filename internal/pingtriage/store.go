package pingtriage

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	Now          func() time.Time
	Logger       Logger
}

// Store owns one Collection. Every mutation is applied to a copy, persisted
// and only then swapped in, so a failed write leaves the store untouched.
type Store struct {
	mu      sync.RWMutex
	state   *Collection
	backend StateBackend
	now     func() time.Time
	logger  Logger

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
	closed      bool
	closeOnce   sync.Once
}

// NewStore returns a store with no durable backend.
func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:     backend,
		now:         now,
		logger:      opts.Logger,
		subscribers: map[int]chan Event{},
	}
	state, err := s.loadState()
	if err != nil {
		return nil, err
	}
	s.state = state
	return s, nil
}

func (s *Store) loadState() (*Collection, error) {
	if s.backend != nil {
		loaded, err := s.backend.Load()
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			return loaded, nil
		}
	}
	return newCollection(formatTime(s.now())), nil
}

// Reload replaces the in-memory collection with the persisted one. On error
// the current collection is kept.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.reloadLocked()
	if err != nil {
		return err
	}
	if changed {
		s.publish(s.newEvent(EventStateReloaded))
	}
	return nil
}

func (s *Store) reloadLocked() (bool, error) {
	if s.backend == nil {
		return false, nil
	}
	loaded, err := s.backend.Load()
	if err != nil {
		return false, err
	}
	if loaded == nil || sameCollection(loaded, s.state) {
		return false, nil
	}
	s.state = loaded
	return true, nil
}

// sameCollection compares the persisted encodings, so values that decode to
// different Go types but write the same JSON count as equal.
func sameCollection(a, b *Collection) bool {
	left, err := encodeCollection(a)
	if err != nil {
		return false
	}
	right, err := encodeCollection(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// mutate runs apply against a copy of the collection. When the backend can be
// shared between processes, the persisted state is reloaded under its lock
// first. apply reports whether it changed anything; unchanged copies are not
// written.
func (s *Store) mutate(apply func(next *Collection, now string) (bool, []Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if locker, ok := s.backend.(StateLocker); ok {
		unlock, err := locker.Lock()
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(); err != nil {
				s.logf("pingtriage: release state lock: %v", err)
			}
		}()
		reloaded, err := s.reloadLocked()
		if err != nil {
			return err
		}
		if reloaded {
			s.publish(s.newEvent(EventStateReloaded))
		}
	}

	next := s.state.Clone()
	changed, events, err := apply(next, formatTime(s.now()))
	if err != nil || !changed {
		return err
	}
	if s.backend != nil {
		if err := s.backend.Save(next); err != nil {
			return ioFailure("save state", err)
		}
	}
	s.state = next
	s.publish(events...)
	return nil
}

// InsertPing records a ping and returns its id. A ping that is already
// present keeps its fields; only its thread membership is re-applied.
func (s *Store) InsertPing(in NewPing) (string, error) {
	id, _, err := s.InsertPingCreated(in)
	return id, err
}

// InsertPingCreated is InsertPing that also reports whether this call created
// the ping. The check happens under the store lock.
func (s *Store) InsertPingCreated(in NewPing) (string, bool, error) {
	if strings.TrimSpace(in.Platform) == "" {
		return "", false, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.MessageID) == "" {
		return "", false, fmt.Errorf("%w: message_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Timestamp) == "" {
		return "", false, fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	inMetadata, err := plainJSONMap(in.Metadata)
	if err != nil {
		return "", false, fmt.Errorf("%w: metadata is not json: %v", ErrInvalidInput, err)
	}
	id := PingID(in.Platform, in.MessageID, in.Timestamp)
	threadID := strings.TrimSpace(in.ThreadID)

	created := false
	err = s.mutate(func(next *Collection, now string) (bool, []Event, error) {
		if existing, ok := next.Pings[id]; ok {
			if existing.ThreadID == "" {
				return false, nil, nil
			}
			return addToThread(next, existing.ThreadID, id, now), nil, nil
		}
		created = true
		metadata := cloneMap(inMetadata)
		if metadata == nil {
			metadata = map[string]any{}
		}
		next.Pings[id] = &Ping{
			ID:        id,
			Platform:  in.Platform,
			MessageID: in.MessageID,
			Timestamp: in.Timestamp,
			Author:    in.Author,
			Content:   in.Content,
			ThreadID:  threadID,
			Status:    StatusNew,
			Metadata:  metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if threadID != "" {
			addToThread(next, threadID, id, now)
		}
		event := s.newEvent(EventPingCreated)
		event.PingID = id
		event.ThreadID = threadID
		event.Platform = in.Platform
		return true, []Event{event}, nil
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func addToThread(c *Collection, threadID, pingID, now string) bool {
	thread, ok := c.Threads[threadID]
	if !ok {
		thread = &Thread{
			ID:        threadID,
			PingIDs:   []string{},
			Status:    ThreadActive,
			CreatedAt: now,
		}
		c.Threads[threadID] = thread
	}
	if thread.contains(pingID) {
		return !ok
	}
	thread.PingIDs = append(thread.PingIDs, pingID)
	return true
}

func (s *Store) GetPing(id string) (Ping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ping, ok := s.state.Pings[id]
	if !ok {
		return Ping{}, false
	}
	return ping.clone(), true
}

func (s *Store) GetThread(id string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.state.Threads[id]
	if !ok {
		return Thread{}, false
	}
	return thread.clone(), true
}

// ThreadPings returns the thread's pings in insertion order. Ids no longer in
// the collection are skipped.
func (s *Store) ThreadPings(threadID string) []Ping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ping, 0)
	thread, ok := s.state.Threads[threadID]
	if !ok {
		return out
	}
	for _, id := range thread.PingIDs {
		if ping, ok := s.state.Pings[id]; ok {
			out = append(out, ping.clone())
		}
	}
	return out
}

// AttachAnalysis validates and stores an analysis. A handled ping stays
// handled.
func (s *Store) AttachAnalysis(pingID string, analysis Analysis) error {
	if err := analysis.Validate(); err != nil {
		return err
	}
	extra, err := plainJSONMap(analysis.Extra)
	if err != nil {
		return &ValidationError{Message: "extra fields are not json: " + err.Error()}
	}
	analysis.Extra = extra
	return s.updatePing(pingID, EventPingAnalyzed, func(ping *Ping, now string) {
		normalized := analysis.Normalize(s.now())
		ping.Analysis = &normalized
		if ping.Status != StatusHandled {
			ping.Status = StatusAnalyzed
		}
	})
}

func (s *Store) MarkResponded(pingID string) error {
	return s.updatePing(pingID, EventPingResponded, func(ping *Ping, now string) {
		ping.ResponseDetected = true
		ping.Status = StatusHandled
	})
}

// LinkIssue links an external issue to the ping and to its thread.
func (s *Store) LinkIssue(pingID, issueID string) error {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return fmt.Errorf("%w: issue id is required", ErrInvalidInput)
	}
	return s.mutate(func(next *Collection, now string) (bool, []Event, error) {
		ping, ok := next.Pings[pingID]
		if !ok {
			return false, nil, fmt.Errorf("%w: ping %s", ErrNotFound, pingID)
		}
		ping.LinearIssueID = issueID
		ping.UpdatedAt = now
		if ping.ThreadID != "" {
			if thread, ok := next.Threads[ping.ThreadID]; ok {
				thread.LinearIssueID = issueID
			}
		}
		event := s.pingEvent(EventPingLinked, ping)
		event.IssueID = issueID
		return true, []Event{event}, nil
	})
}

func (s *Store) updatePing(pingID string, eventType EventType, update func(ping *Ping, now string)) error {
	return s.mutate(func(next *Collection, now string) (bool, []Event, error) {
		ping, ok := next.Pings[pingID]
		if !ok {
			return false, nil, fmt.Errorf("%w: ping %s", ErrNotFound, pingID)
		}
		update(ping, now)
		ping.UpdatedAt = now
		return true, []Event{s.pingEvent(eventType, ping)}, nil
	})
}

// UnprocessedPings returns pings with status new, oldest first.
func (s *Store) UnprocessedPings() []Ping {
	return s.selectPings(func(p *Ping) bool { return p.Status == StatusNew })
}

func (s *Store) AnalyzedPings() []Ping {
	return s.selectPings(func(p *Ping) bool { return p.Status == StatusAnalyzed })
}

// HandledPings returns pings with a detected response.
func (s *Store) HandledPings() []Ping {
	return s.selectPings(func(p *Ping) bool { return p.ResponseDetected })
}

func (s *Store) selectPings(keep func(*Ping) bool) []Ping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.selectPings(keep)
}

// SetLastSync overwrites the sync bookmark of platform.
func (s *Store) SetLastSync(platform, timestamp string) error {
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	return s.mutate(func(next *Collection, now string) (bool, []Event, error) {
		next.LastSync[platform] = timestamp
		event := s.newEvent(EventSyncUpdated)
		event.Platform = platform
		return true, []Event{event}, nil
	})
}

func (s *Store) LastSync(platform string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.state.LastSync[platform]
	return ts, ok
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.stats()
}

// Snapshot returns a deep copy of the whole collection.
func (s *Store) Snapshot() Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.state.Clone()
}

// Close closes subscriber channels and any backend resources.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		s.closed = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			err = closer.Close()
		}
	})
	return err
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
