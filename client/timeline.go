package client

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
)

// An Entry is a message as shown locally, with the state the server does not
// persist.
type Entry struct {
	api.Message

	// IsPending is set on an optimistic copy waiting for its ack.
	IsPending bool
	// IsFailed is set on an optimistic copy whose send failed or timed out.
	IsFailed bool
	// IsThinking is set while the assistant streams reasoning text.
	IsThinking bool
	// ThinkingBody accumulates reasoning text until the stream ends.
	ThinkingBody string

	seq uint64
}

// Local reports whether the entry exists only on this client.
func (e Entry) Local() bool {
	return e.IsPending || e.IsFailed
}

// Timeline is the ordered view of one conversation. Entries are unique by id
// and sorted by creation time; local entries survive every server-driven
// merge. A Timeline is not safe for concurrent use.
type Timeline struct {
	ConversationID string

	entries map[string]*Entry
	seq     uint64
}

// NewTimeline returns an empty timeline for the conversation.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		ConversationID: conversationID,
		entries:        make(map[string]*Entry),
	}
}

func (t *Timeline) put(e Entry) {
	if old, ok := t.entries[e.ID]; ok {
		e.seq = old.seq
	} else {
		t.seq++
		e.seq = t.seq
	}
	t.entries[e.ID] = &e
}

// Messages returns the entries in display order.
func (t *Timeline) Messages() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Get returns the entry with the id.
func (t *Timeline) Get(id string) (Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// AddOptimistic inserts a pending copy of a message the user is sending.
func (t *Timeline) AddOptimistic(tempID string, sender api.User, body string, now time.Time) Entry {
	e := Entry{
		Message: api.Message{
			ID:             tempID,
			ConversationID: t.ConversationID,
			SenderID:       sender.ID,
			Sender:         sender,
			Body:           body,
			CreatedAt:      now,
			Reactions:      []api.Reaction{},
		},
		IsPending: true,
	}
	t.put(e)
	return e
}

// Ack replaces the optimistic copy tempID with the stored message. When the
// stored message is already known, for instance from a refetch that landed
// before the ack, the optimistic copy is dropped and nothing is added.
func (t *Timeline) Ack(tempID string, msg api.Message) {
	delete(t.entries, tempID)
	if _, ok := t.entries[msg.ID]; ok {
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = []api.Reaction{}
	}
	t.put(Entry{Message: msg})
}

// Fail marks a pending copy as failed. It reports whether tempID was
// pending.
func (t *Timeline) Fail(tempID string) bool {
	e, ok := t.entries[tempID]
	if !ok || !e.IsPending {
		return false
	}
	e.IsPending = false
	e.IsFailed = true
	return true
}

// Remove drops the entry with the id.
func (t *Timeline) Remove(id string) {
	delete(t.entries, id)
}

// Receive adds a message broadcast by the server. Messages of other
// conversations and already known ids are ignored.
func (t *Timeline) Receive(msg api.Message) bool {
	if msg.ConversationID != t.ConversationID {
		return false
	}
	if _, ok := t.entries[msg.ID]; ok {
		return false
	}
	if msg.Reactions == nil {
		msg.Reactions = []api.Reaction{}
	}
	t.put(Entry{Message: msg})
	return true
}

// StreamStart adds the placeholder of an assistant answer.
func (t *Timeline) StreamStart(ev api.StreamStartEvent, now time.Time) bool {
	if ev.ConversationID != t.ConversationID {
		return false
	}
	if _, ok := t.entries[ev.MessageID]; ok {
		return false
	}
	t.put(Entry{
		Message: api.Message{
			ID:             ev.MessageID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.Sender.ID,
			Sender:         ev.Sender,
			IsStreaming:    true,
			CreatedAt:      now,
			Reactions:      []api.Reaction{},
		},
		IsThinking: ev.ThinkMode,
	})
	return true
}

// ThinkChunk appends reasoning text to a streaming placeholder.
func (t *Timeline) ThinkChunk(ev api.StreamChunkEvent) bool {
	e, ok := t.entries[ev.MessageID]
	if !ok || !e.IsStreaming {
		return false
	}
	e.ThinkingBody += ev.Chunk
	e.IsThinking = true
	return true
}

// Chunk appends answer text to a streaming placeholder.
func (t *Timeline) Chunk(ev api.StreamChunkEvent) bool {
	e, ok := t.entries[ev.MessageID]
	if !ok || !e.IsStreaming {
		return false
	}
	e.Body += ev.Chunk
	e.IsThinking = false
	return true
}

// StreamEnd settles a placeholder on its final body and discards its
// reasoning text.
func (t *Timeline) StreamEnd(ev api.StreamEndEvent) bool {
	e, ok := t.entries[ev.MessageID]
	if !ok {
		return false
	}
	e.Body = ev.Body
	e.IsStreaming = false
	e.Failed = ev.Failed
	e.IsThinking = false
	e.ThinkingBody = ""
	return true
}

// ReactionsUpdated replaces a message's reaction set.
func (t *Timeline) ReactionsUpdated(ev api.ReactionUpdatedEvent) bool {
	e, ok := t.entries[ev.MessageID]
	if !ok {
		return false
	}
	e.Reactions = ev.Reactions
	if e.Reactions == nil {
		e.Reactions = []api.Reaction{}
	}
	return true
}

// ReplaceHistory swaps the server-backed entries for a freshly fetched page.
// Local entries are kept, and so are placeholders still receiving chunks
// unless the page shows them finished. Messages newer than the page's newest
// arrived live while it was in flight and are kept too.
func (t *Timeline) ReplaceHistory(msgs []api.Message) {
	var newest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	for id, e := range t.entries {
		if e.Local() || e.IsStreaming {
			continue
		}
		if len(msgs) == 0 || e.CreatedAt.After(newest) {
			continue
		}
		delete(t.entries, id)
	}
	t.merge(msgs)
}

// MergeOlder adds a page of older history. Known ids are left as they are.
func (t *Timeline) MergeOlder(msgs []api.Message) {
	t.merge(msgs)
}

func (t *Timeline) merge(msgs []api.Message) {
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != t.ConversationID {
			continue
		}
		if e, ok := t.entries[m.ID]; ok && !(e.IsStreaming && !m.IsStreaming) {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = []api.Reaction{}
		}
		t.put(Entry{Message: m})
	}
}

// IsTempID reports whether id was generated locally for an optimistic copy.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, api.PendingIDPrefix)
}
