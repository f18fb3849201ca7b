package gateway

// snipe.go keeps a bounded cache of recently seen messages so that a
// redaction can be resolved back to its original content. Matrix redaction
// events carry only the redacted event ID; if the bot did not see the
// original, the deletion cannot be sniped.

import (
	"sync"
	"time"
)

// DeletedMessage is the resolved content of a redacted message.
type DeletedMessage struct {
	SenderID   string
	SenderName string
	Body       string
	SentAt     time.Time
	DeletedAt  time.Time
}

// observedMessage is a cache entry for one seen message.
type observedMessage struct {
	SenderID   string
	SenderName string
	Body       string
	Timestamp  time.Time

	roomID string
	prev   string
	next   string
}

// maxObserved caps the recent-message cache. Oldest entries are evicted
// first; a redaction of an evicted message is simply unresolvable.
const maxObserved = 512

// snipeCache tracks recent messages (LRU by insertion order) and the last
// resolved deletion per room.
type snipeCache struct {
	mu       sync.Mutex
	recent   map[string]*observedMessage // event ID -> message
	oldest   string
	newest   string
	deleted  map[string]DeletedMessage // room ID -> last deletion
	now      func() time.Time
	capacity int
}

func newSnipeCache() *snipeCache {
	return &snipeCache{
		recent:   make(map[string]*observedMessage),
		deleted:  make(map[string]DeletedMessage),
		now:      time.Now,
		capacity: maxObserved,
	}
}

// observe records a message so a later redaction can be resolved.
func (s *snipeCache) observe(roomID, eventID string, msg observedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recent[eventID]; exists {
		return
	}

	msg.roomID = roomID
	msg.prev = s.newest
	s.recent[eventID] = &msg

	if s.newest != "" {
		s.recent[s.newest].next = eventID
	}
	s.newest = eventID
	if s.oldest == "" {
		s.oldest = eventID
	}

	for len(s.recent) > s.capacity {
		evict := s.oldest
		s.oldest = s.recent[evict].next
		delete(s.recent, evict)
		if s.oldest != "" {
			s.recent[s.oldest].prev = ""
		}
	}
}

// lookup returns a cached message by event ID.
func (s *snipeCache) lookup(eventID string) (observedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.recent[eventID]
	if !ok {
		return observedMessage{}, false
	}
	return *msg, true
}

// redact resolves a redaction against the cache and records it as the
// room's last deletion. Unresolvable redactions are dropped.
func (s *snipeCache) redact(roomID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.recent[eventID]
	if !ok || msg.roomID != roomID {
		return
	}
	s.deleted[roomID] = DeletedMessage{
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		SentAt:     msg.Timestamp,
		DeletedAt:  s.now().UTC(),
	}
}

// lastDeleted returns the most recent resolved deletion in a room.
func (s *snipeCache) lastDeleted(roomID string) (DeletedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deleted[roomID]
	return d, ok
}
