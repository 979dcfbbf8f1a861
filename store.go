package chatsync

import (
	"sort"
	"sync"
	"time"
)

// Store holds the ordered, deduplicated message list for the active
// conversation. It is the single mutation point: history loads, live push
// events, optimistic sends, and the poller all funnel through it, and the
// id-keyed replace semantics make those producers safe to run concurrently.
type Store struct {
	mu         sync.Mutex
	generation uint64
	messages   []Message
	byID       map[string]int // id → index in messages
	observers  map[int]func([]Message)
	nextObs    int

	// Snapshot delivery queue; see notifyLocked.
	queue     [][]Message
	notifying bool
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]int),
		observers: make(map[int]func([]Message)),
	}
}

// Observe registers a callback invoked with a fresh snapshot after every
// mutation, in mutation order. The returned function unregisters it.
func (s *Store) Observe(fn func([]Message)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// InsertOrReplace is the single de-duplication gate. An existing message
// with the same id is overwritten in place, keeping its position unless
// CreatedAt changed, in which case it is re-sorted. New messages are
// inserted in CreatedAt order, ties after existing entries.
func (s *Store) InsertOrReplace(msg Message) {
	s.mu.Lock()
	s.insertOrReplaceLocked(msg)
	s.notifyLocked()
}

// InsertOrReplaceAt is InsertOrReplace conditional on the store lifetime
// the producer captured via Generation. If the store has been Reset since,
// the message belongs to a superseded conversation; nothing is inserted
// and false is returned. The check and the insert happen under one lock
// acquisition, so a Reset can never interleave between them.
func (s *Store) InsertOrReplaceAt(generation uint64, msg Message) bool {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return false
	}
	s.insertOrReplaceLocked(msg)
	s.notifyLocked()
	return true
}

// Generation identifies the store's current lifetime. Reset starts a new
// one; asynchronous producers capture the value when they begin and pass
// it to InsertOrReplaceAt so late results cannot land in a view that has
// since been cleared.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ReplaceProvisional swaps a provisional entry for its server-confirmed
// message in one mutation, so no observer ever sees both copies. Used
// exclusively by the send pipeline.
func (s *Store) ReplaceProvisional(provisionalID string, confirmed Message) bool {
	s.mu.Lock()

	idx, ok := s.byID[provisionalID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeAtLocked(idx)

	// The confirmed id may already be present if the push channel beat the
	// send response; keep exactly one entry either way.
	if dup, ok := s.byID[confirmed.ID]; ok {
		s.removeAtLocked(dup)
	}
	s.insertSortedLocked(confirmed)

	s.notifyLocked()
	return true
}

// RemoveProvisional is the rollback path on send failure.
func (s *Store) RemoveProvisional(provisionalID string) bool {
	s.mu.Lock()

	idx, ok := s.byID[provisionalID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeAtLocked(idx)

	s.notifyLocked()
	return true
}

// MarkRead sets ReadAt if it is currently unset. First write wins; later
// calls are no-ops, so re-delivered read receipts are harmless.
func (s *Store) MarkRead(messageID string, readAt time.Time) bool {
	s.mu.Lock()

	idx, ok := s.byID[messageID]
	if !ok || s.messages[idx].ReadAt != nil {
		s.mu.Unlock()
		return false
	}
	t := readAt
	s.messages[idx].ReadAt = &t

	s.notifyLocked()
	return true
}

// Get returns the message with the given id, if present.
func (s *Store) Get(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return s.messages[idx], true
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Snapshot returns the current ordered message sequence. The slice is a
// copy; callers may not mutate the store through it.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset drops all messages without notifying observers. The controller
// calls it when the active conversation changes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.messages = nil
	s.byID = make(map[string]int)
}

// ── internal ─────────────────────────────────────────────

func (s *Store) insertOrReplaceLocked(msg Message) {
	if idx, ok := s.byID[msg.ID]; ok {
		prev := s.messages[idx]
		// ReadAt is monotonic: a producer without read-state knowledge
		// must not clear it.
		if msg.ReadAt == nil {
			msg.ReadAt = prev.ReadAt
		}
		if msg.CreatedAt.Equal(prev.CreatedAt) {
			s.messages[idx] = msg
		} else {
			s.removeAtLocked(idx)
			s.insertSortedLocked(msg)
		}
	} else {
		s.insertSortedLocked(msg)
	}
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// insertSortedLocked places msg at the first position whose CreatedAt is
// strictly later, so equal timestamps keep insertion order.
func (s *Store) insertSortedLocked(msg Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	for j := i; j < len(s.messages); j++ {
		s.byID[s.messages[j].ID] = j
	}
}

func (s *Store) removeAtLocked(idx int) {
	delete(s.byID, s.messages[idx].ID)
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	for j := idx; j < len(s.messages); j++ {
		s.byID[s.messages[j].ID] = j
	}
}

// notifyLocked queues a snapshot of the mutation that just happened and
// drains the queue, invoking observers outside the lock. If a drain is
// already running further up the stack or on another goroutine, the
// snapshot is left for that drain to deliver. Observers therefore receive
// every snapshot exactly once, in mutation order, and the last snapshot
// they see is always the latest. Must be called with the lock held; it
// unlocks.
func (s *Store) notifyLocked() {
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, s.snapshotLocked())
	if s.notifying {
		s.mu.Unlock()
		return
	}
	s.notifying = true
	for len(s.queue) > 0 {
		snap := s.queue[0]
		s.queue = s.queue[1:]
		obs := s.observersLocked()
		s.mu.Unlock()
		for _, fn := range obs {
			fn(snap)
		}
		s.mu.Lock()
	}
	s.notifying = false
	s.mu.Unlock()
}

// observersLocked returns the observers in registration order, so each
// snapshot reaches them in a stable sequence.
func (s *Store) observersLocked() []func([]Message) {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func([]Message), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}
