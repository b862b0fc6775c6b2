package chatsync

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatsync/internal/metrics"
)

// MessageStore holds the ordered, de-duplicated message set for one
// conversation. It does no I/O. Mutations are atomic: readers only ever
// observe a fully-sorted list, and every mutation hands the registered
// listener a fresh immutable snapshot.
type MessageStore struct {
	mu       sync.Mutex
	byID     map[string]Message
	byKey    map[string]string // client correlation key -> id holding it
	onChange func([]Message)
	logger   zerolog.Logger
}

// NewMessageStore creates an empty store.
func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		byID:   make(map[string]Message),
		byKey:  make(map[string]string),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// OnChange registers a listener invoked with a snapshot after every
// mutation. The listener runs outside the store lock.
func (s *MessageStore) OnChange(fn func([]Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Merge folds a batch of server-confirmed messages into the store and
// returns the new total ordered list. Merging is idempotent: messages are
// keyed by id, re-delivered duplicates are no-ops, and a confirmed message
// replaces a pending echo that shares its client correlation key. An
// unresolvable conflict (same id, different content) keeps the most
// recently observed version and logs a warning.
func (s *MessageStore) Merge(incoming []Message) []Message {
	s.mu.Lock()
	changed := false
	for _, msg := range incoming {
		if msg.ID == "" {
			continue
		}
		msg.State = StateConfirmed

		// A confirmation may arrive over the wire before the POST
		// response does; the correlation key retires the pending echo.
		if msg.ClientKey != "" {
			if tempID, ok := s.byKey[msg.ClientKey]; ok && tempID != msg.ID {
				delete(s.byID, tempID)
				delete(s.byKey, msg.ClientKey)
				changed = true
			}
		}

		existing, ok := s.byID[msg.ID]
		if ok {
			if existing.Content == msg.Content && existing.State == StateConfirmed {
				metrics.DuplicatesDropped.Inc()
				continue
			}
			if existing.Content != msg.Content {
				s.logger.Warn().
					Str("message_id", msg.ID).
					Msg("conflicting content for message id, keeping most recent")
				metrics.ConflictsResolved.Inc()
			}
		}
		s.byID[msg.ID] = msg
		metrics.MessagesMerged.Inc()
		changed = true
	}
	snapshot := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if changed && fn != nil {
		fn(snapshot)
	}
	return snapshot
}

// AppendLocal inserts a locally-originated pending message.
func (s *MessageStore) AppendLocal(msg Message) []Message {
	s.mu.Lock()
	s.byID[msg.ID] = msg
	if msg.ClientKey != "" {
		s.byKey[msg.ClientKey] = msg.ID
	}
	snapshot := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return snapshot
}

// Reconcile resolves a pending message. With a confirmed message the
// temporary id is swapped for the server id; with nil the message is
// marked failed but kept visible so the UI can offer a resend.
func (s *MessageStore) Reconcile(tempID string, confirmed *Message) []Message {
	s.mu.Lock()
	pending, ok := s.byID[tempID]
	if ok {
		if confirmed != nil {
			delete(s.byID, tempID)
			if pending.ClientKey != "" {
				delete(s.byKey, pending.ClientKey)
			}
			msg := *confirmed
			msg.State = StateConfirmed
			if _, dup := s.byID[msg.ID]; !dup {
				metrics.MessagesMerged.Inc()
			}
			s.byID[msg.ID] = msg
		} else {
			pending.State = StateFailed
			s.byID[tempID] = pending
		}
	}
	snapshot := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if ok && fn != nil {
		fn(snapshot)
	}
	return snapshot
}

// SetState updates the state of a stored message, returning false if the
// id is unknown. Used to re-arm a failed message for resend.
func (s *MessageStore) SetState(id string, state MessageState) bool {
	s.mu.Lock()
	msg, ok := s.byID[id]
	if ok {
		msg.State = state
		s.byID[id] = msg
	}
	snapshot := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if ok && fn != nil {
		fn(snapshot)
	}
	return ok
}

// Get returns a stored message by id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	return msg, ok
}

// State reports the state of a stored message.
func (s *MessageStore) State(id string) (MessageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	return msg.State, ok
}

// Snapshot returns a copy of the ordered message list.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len reports how many messages the store holds.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *MessageStore) snapshotLocked() []Message {
	out := make([]Message, 0, len(s.byID))
	for _, msg := range s.byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}
