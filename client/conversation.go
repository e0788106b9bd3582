package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/snie2012/family-chat-local-ai/api"
)

// Defaults for zero Conversation fields.
const (
	DefaultSendTimeout = 5 * time.Second
	DefaultPageSize    = 50
)

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body is too long")
	ErrSendTimeout = errors.New("no acknowledgement from server")
	ErrNotFailed   = errors.New("message is not a failed send")
)

// RejectedError is returned when the server refuses a request.
type RejectedError struct {
	Code string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Code
}

// An Emitter sends events to the gateway.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
	Request(ctx context.Context, event string, data any) (api.Ack, error)
}

// A HistoryFetcher reads pages of a conversation's history.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (api.MessagePage, error)
}

// Conversation binds a Timeline to a gateway connection and the history API.
// It is safe for concurrent use.
type Conversation struct {
	Logger  *slog.Logger
	Self    api.User
	Conn    Emitter
	History HistoryFetcher

	// SendTimeout is how long a send waits for its ack before it is marked
	// failed.
	SendTimeout time.Duration
	PageSize    int

	mu     sync.Mutex
	tl     *Timeline
	cursor *string
	typing map[string]string

	now   func() time.Time
	newID func() string
}

// NewConversation returns a session for the conversation with an empty
// timeline. Call Join to start receiving events.
func NewConversation(logger *slog.Logger, id string, self api.User, conn Emitter, history HistoryFetcher) *Conversation {
	return &Conversation{
		Logger:  logger,
		Self:    self,
		Conn:    conn,
		History: history,
		tl:      NewTimeline(id),
		typing:  make(map[string]string),
		now:     time.Now,
		newID:   func() string { return api.PendingIDPrefix + uuid.NewString() },
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.tl.ConversationID
}

// Messages returns the current view in display order.
func (c *Conversation) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Messages()
}

// HasMore reports whether older history can be loaded.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor != nil
}

// Typing returns the display names of the users currently typing.
func (c *Conversation) Typing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for _, name := range c.typing {
		out = append(out, name)
	}
	return out
}

// Join enters the conversation's room and loads the latest history. It is
// also the way to resynchronise after a reconnect.
func (c *Conversation) Join(ctx context.Context) error {
	ack, err := c.Conn.Request(ctx, api.EventJoinRoom, api.RoomRequest{ConversationID: c.ID()})
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	if !ack.OK {
		return &RejectedError{Code: ack.Error}
	}
	return c.Refetch(ctx)
}

// Leave exits the conversation's room.
func (c *Conversation) Leave(ctx context.Context) error {
	return c.Conn.Emit(ctx, api.EventLeaveRoom, api.RoomRequest{ConversationID: c.ID()})
}

// Send adds an optimistic copy of body and sends it. The copy is replaced by
// the stored message on ack, or marked failed when the server rejects it or
// does not answer within SendTimeout. The returned entry is the final state
// of the send.
func (c *Conversation) Send(ctx context.Context, body string) (Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Entry{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > api.MaxBodyLength {
		return Entry{}, ErrBodyTooLong
	}

	c.mu.Lock()
	tempID := c.newID()
	c.tl.AddOptimistic(tempID, c.Self, body, c.now())
	c.mu.Unlock()

	return c.deliver(ctx, tempID, body)
}

func (c *Conversation) deliver(ctx context.Context, tempID, body string) (Entry, error) {
	timeout := c.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ack, err := c.Conn.Request(rctx, api.EventSendMessage, api.SendMessageRequest{
		ConversationID: c.ID(),
		Body:           body,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.tl.Fail(tempID)
		e, _ := c.tl.Get(tempID)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrSendTimeout
		}
		c.Logger.Warn("Send failed", "conversationID", c.ID(), "error", err.Error())
		return e, err
	case !ack.OK || ack.Message == nil:
		c.tl.Fail(tempID)
		e, _ := c.tl.Get(tempID)
		return e, &RejectedError{Code: ack.Error}
	}
	c.tl.Ack(tempID, *ack.Message)
	e, _ := c.tl.Get(ack.Message.ID)
	return e, nil
}

// Retry resends a failed message with its body under a fresh temporary id.
func (c *Conversation) Retry(ctx context.Context, id string) (Entry, error) {
	c.mu.Lock()
	e, ok := c.tl.Get(id)
	if !ok || !e.IsFailed {
		c.mu.Unlock()
		return Entry{}, ErrNotFailed
	}
	c.tl.Remove(id)
	tempID := c.newID()
	c.tl.AddOptimistic(tempID, c.Self, e.Body, c.now())
	c.mu.Unlock()

	return c.deliver(ctx, tempID, e.Body)
}

// Refetch replaces the server-backed view with the latest page of history,
// keeping local pending and failed sends.
func (c *Conversation) Refetch(ctx context.Context) error {
	page, err := c.History.FetchMessages(ctx, c.ID(), "", c.pageSize())
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tl.ReplaceHistory(page.Messages)
	c.cursor = page.NextCursor
	return nil
}

// LoadMore merges the next page of older history. It reports false when
// there is nothing older to load.
func (c *Conversation) LoadMore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()
	if cursor == nil {
		return false, nil
	}

	page, err := c.History.FetchMessages(ctx, c.ID(), *cursor, c.pageSize())
	if err != nil {
		return false, fmt.Errorf("fetch messages: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tl.MergeOlder(page.Messages)
	c.cursor = page.NextCursor
	return true, nil
}

func (c *Conversation) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

// ToggleReaction adds or removes the user's emoji on a message. The view is
// updated by the reaction_updated event that follows.
func (c *Conversation) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	ack, err := c.Conn.Request(ctx, api.EventToggleReaction, api.ToggleReactionRequest{
		MessageID: messageID,
		Emoji:     emoji,
	})
	if err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	if !ack.OK {
		return &RejectedError{Code: ack.Error}
	}
	return nil
}

// StartTyping tells the room the user is typing.
func (c *Conversation) StartTyping(ctx context.Context) error {
	return c.Conn.Emit(ctx, api.EventTypingStart, api.RoomRequest{ConversationID: c.ID()})
}

// StopTyping tells the room the user stopped typing.
func (c *Conversation) StopTyping(ctx context.Context) error {
	return c.Conn.Emit(ctx, api.EventTypingStop, api.RoomRequest{ConversationID: c.ID()})
}

// HandleEvent applies a server event to the view. It reports whether the
// view changed. Events for other conversations are ignored.
func (c *Conversation) HandleEvent(f api.Frame) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Event {
	case api.EventNewMessage:
		var ev api.NewMessageEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return c.tl.Receive(ev.Message), nil
	case api.EventStreamStart:
		var ev api.StreamStartEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return c.tl.StreamStart(ev, c.now()), nil
	case api.EventStreamThinkChunk, api.EventStreamChunk:
		var ev api.StreamChunkEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		if f.Event == api.EventStreamThinkChunk {
			return c.tl.ThinkChunk(ev), nil
		}
		return c.tl.Chunk(ev), nil
	case api.EventStreamEnd:
		var ev api.StreamEndEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return c.tl.StreamEnd(ev), nil
	case api.EventReactionUpdated:
		var ev api.ReactionUpdatedEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return c.tl.ReactionsUpdated(ev), nil
	case api.EventUserTyping, api.EventUserStoppedTyping:
		var ev api.TypingEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		if ev.ConversationID != c.ID() || ev.UserID == c.Self.ID {
			return false, nil
		}
		if f.Event == api.EventUserTyping {
			c.typing[ev.UserID] = ev.DisplayName
		} else {
			delete(c.typing, ev.UserID)
		}
		return true, nil
	case api.EventBotError, api.EventError:
		c.Logger.Warn("Server reported an error", "event", f.Event, "data", string(f.Data))
		return false, nil
	}
	return false, nil
}

// Run applies events until they stop or ctx is done.
func (c *Conversation) Run(ctx context.Context, events <-chan api.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-events:
			if !ok {
				return ErrClosed
			}
			if _, err := c.HandleEvent(f); err != nil {
				c.Logger.Warn("Could not apply event", "event", f.Event, "error", err.Error())
			}
		}
	}
}
