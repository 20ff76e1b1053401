package service

import (
	"container/list"
	"slices"
	"sort"

	"github.com/noah-isme/gema-crm/internal/dto"
)

// EntryTag distinguishes optimistic entries from server-confirmed ones.
type EntryTag uint8

const (
	// EntryPending marks a locally appended message keyed by its temporary id.
	EntryPending EntryTag = iota + 1
	// EntryConfirmed marks a message keyed by its server id.
	EntryConfirmed
)

// StoreEntry is one rendered row of the message view.
type StoreEntry struct {
	Tag     EntryTag
	Key     string
	Message dto.ChatMessage
}

// MessageStore holds the active conversation's confirmed messages plus an overlay
// of optimistic ones. It is not safe for concurrent use; a Session confines it to
// its dispatch loop.
type MessageStore struct {
	active dto.ConversationRef

	confirmed []StoreEntry
	ids       map[string]struct{}
	// local tracks confirmed ids that arrived through Confirm and have not yet
	// been seen in a load.
	local map[string]struct{}

	overlay    *list.List
	pending    map[string]*list.Element
	rolledBack map[string]struct{}
}

// NewMessageStore returns an empty store with no active conversation.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		ids:     make(map[string]struct{}),
		local:   make(map[string]struct{}),
		overlay:    list.New(),
		pending:    make(map[string]*list.Element),
		rolledBack: make(map[string]struct{}),
	}
}

// Active returns the active conversation.
func (s *MessageStore) Active() dto.ConversationRef {
	return s.active
}

// IsActive reports whether ref is the active conversation.
func (s *MessageStore) IsActive(ref dto.ConversationRef) bool {
	return !ref.IsZero() && ref.Key() == s.active.Key()
}

// Activate switches the active conversation. Switching drops every confirmed and
// optimistic entry. It reports whether the conversation changed.
func (s *MessageStore) Activate(ref dto.ConversationRef) bool {
	if ref.Key() == s.active.Key() {
		return false
	}
	s.active = ref
	s.confirmed = nil
	s.ids = make(map[string]struct{})
	s.local = make(map[string]struct{})
	s.overlay.Init()
	s.pending = make(map[string]*list.Element)
	s.rolledBack = make(map[string]struct{})
	return true
}

// Apply commits a load result. Results for a conversation that is no longer active
// are discarded and Apply returns false. Messages confirmed locally but missing from
// the result are kept so a load racing a send does not hide the sent message.
func (s *MessageStore) Apply(ref dto.ConversationRef, messages []dto.ChatMessage) bool {
	if !s.IsActive(ref) {
		return false
	}

	next := make([]StoreEntry, 0, len(messages)+len(s.local))
	ids := make(map[string]struct{}, len(messages)+len(s.local))
	for _, message := range messages {
		if message.ID == "" {
			continue
		}
		if _, dup := ids[message.ID]; dup {
			continue
		}
		ids[message.ID] = struct{}{}
		delete(s.local, message.ID)
		next = append(next, confirmedEntry(message))
	}
	for _, entry := range s.confirmed {
		if _, keep := s.local[entry.Key]; !keep {
			continue
		}
		if _, dup := ids[entry.Key]; dup {
			continue
		}
		ids[entry.Key] = struct{}{}
		next = append(next, entry)
	}

	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Message.CreatedAt.Before(next[j].Message.CreatedAt)
	})
	s.confirmed = next
	s.ids = ids
	return true
}

// AppendOptimistic adds a pending message to the tail of the overlay. It is ignored
// when ref is not the active conversation or the temp id is already pending.
func (s *MessageStore) AppendOptimistic(ref dto.ConversationRef, message dto.ChatMessage) bool {
	if !s.IsActive(ref) || message.TempID == "" {
		return false
	}
	if _, exists := s.pending[message.TempID]; exists {
		return false
	}

	message.Pending = true
	message.ID = ""
	entry := StoreEntry{Tag: EntryPending, Key: message.TempID, Message: message}
	s.pending[message.TempID] = s.overlay.PushBack(entry)
	return true
}

// Confirm swaps a pending entry for its server record. A temp id that is no longer
// pending, because the conversation was left and reopened while the write was in
// flight, still adds the record when ref is active. A server id already present is
// never duplicated, so repeated calls and ingest races leave exactly one message.
func (s *MessageStore) Confirm(ref dto.ConversationRef, tempID string, message dto.ChatMessage) bool {
	element, ok := s.pending[tempID]
	if ok {
		s.overlay.Remove(element)
		delete(s.pending, tempID)
	} else if !s.IsActive(ref) {
		return false
	} else if _, failed := s.rolledBack[tempID]; failed {
		return false
	}

	if message.ID == "" {
		return ok
	}
	if _, exists := s.ids[message.ID]; exists {
		return ok
	}

	s.insertConfirmed(confirmedEntry(message))
	s.local[message.ID] = struct{}{}
	return true
}

// Rollback discards a pending entry.
func (s *MessageStore) Rollback(tempID string) bool {
	element, ok := s.pending[tempID]
	if !ok {
		return false
	}
	s.overlay.Remove(element)
	delete(s.pending, tempID)
	s.rolledBack[tempID] = struct{}{}
	return true
}

// Remove drops a confirmed message, as after a deletion.
func (s *MessageStore) Remove(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	delete(s.local, id)
	s.confirmed = slices.DeleteFunc(s.confirmed, func(entry StoreEntry) bool { return entry.Key == id })
	return true
}

// Entries returns confirmed entries followed by pending ones in append order.
func (s *MessageStore) Entries() []StoreEntry {
	out := make([]StoreEntry, 0, len(s.confirmed)+s.overlay.Len())
	out = append(out, s.confirmed...)
	for element := s.overlay.Front(); element != nil; element = element.Next() {
		out = append(out, element.Value.(StoreEntry))
	}
	return out
}

// View returns the merged message list: confirmed ascending by creation time, then pending.
func (s *MessageStore) View() []dto.ChatMessage {
	entries := s.Entries()
	out := make([]dto.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Message)
	}
	return out
}

// PendingCount returns the size of the optimistic overlay.
func (s *MessageStore) PendingCount() int {
	return s.overlay.Len()
}

func (s *MessageStore) insertConfirmed(entry StoreEntry) {
	at := sort.Search(len(s.confirmed), func(i int) bool {
		return s.confirmed[i].Message.CreatedAt.After(entry.Message.CreatedAt)
	})
	s.confirmed = slices.Insert(s.confirmed, at, entry)
	s.ids[entry.Key] = struct{}{}
}

func confirmedEntry(message dto.ChatMessage) StoreEntry {
	message.Pending = false
	message.TempID = ""
	return StoreEntry{Tag: EntryConfirmed, Key: message.ID, Message: message}
}
