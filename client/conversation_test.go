package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snie2012/family-chat-local-ai/api"
)

type testemitter struct {
	T       *testing.T
	emit    func(t *testing.T, event string, data any) error
	request func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error)
}

func (e *testemitter) Emit(_ context.Context, event string, data any) error {
	return e.emit(e.T, event, data)
}

func (e *testemitter) Request(ctx context.Context, event string, data any) (api.Ack, error) {
	return e.request(e.T, ctx, event, data)
}

type testhistory struct {
	T     *testing.T
	fetch func(t *testing.T, conversationID, cursor string, limit int) (api.MessagePage, error)
}

func (h *testhistory) FetchMessages(_ context.Context, conversationID, cursor string, limit int) (api.MessagePage, error) {
	return h.fetch(h.T, conversationID, cursor, limit)
}

func newTestConversation(t *testing.T, conn Emitter, history HistoryFetcher) *Conversation {
	c := NewConversation(slogt.New(t), "c1", mom, conn, history)
	c.now = func() time.Time { return t0.Add(time.Minute) }
	n := 0
	c.newID = func() string {
		n++
		return api.PendingIDPrefix + string(rune('0'+n))
	}
	return c
}

func TestConversation_Send(t *testing.T) {
	canonical := stored("m1", mom, "dinner at 7", time.Minute)
	conn := &testemitter{
		T: t,
		request: func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error) {
			assert.Equal(t, api.EventSendMessage, event)
			assert.Equal(t, api.SendMessageRequest{ConversationID: "c1", Body: "dinner at 7"}, data)
			return api.Ack{OK: true, Message: &canonical}, nil
		},
	}
	c := newTestConversation(t, conn, nil)

	e, err := c.Send(context.Background(), "  dinner at 7 ")
	require.NoError(t, err)
	assert.Equal(t, "m1", e.ID)
	assert.False(t, e.IsPending)
	assert.Equal(t, []string{"m1"}, ids(c.Messages()))
}

func TestConversation_SendValidation(t *testing.T) {
	conn := &testemitter{
		T: t,
		request: func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error) {
			t.Error("request sent for invalid body")
			return api.Ack{}, nil
		},
	}
	c := newTestConversation(t, conn, nil)

	_, err := c.Send(context.Background(), " \n ")
	assert.ErrorIs(t, err, ErrEmptyBody)
	_, err = c.Send(context.Background(), strings.Repeat("a", api.MaxBodyLength+1))
	assert.ErrorIs(t, err, ErrBodyTooLong)
	assert.Empty(t, c.Messages())
}

func TestConversation_SendTimeoutAndRetry(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   []string
		answered bool
	)
	canonical := stored("m1", mom, "are you home?", time.Minute)
	var c *Conversation
	conn := &testemitter{
		T: t,
		request: func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error) {
			mu.Lock()
			bodies = append(bodies, data.(api.SendMessageRequest).Body)
			first := !answered
			answered = true
			mu.Unlock()

			// While the request is in flight the copy is pending.
			pending := c.Messages()
			require.Len(t, pending, 1)
			assert.True(t, pending[0].IsPending)

			if first {
				<-ctx.Done()
				return api.Ack{}, ctx.Err()
			}
			return api.Ack{OK: true, Message: &canonical}, nil
		},
	}
	c = newTestConversation(t, conn, nil)
	c.SendTimeout = 20 * time.Millisecond

	e, err := c.Send(context.Background(), "are you home?")
	require.ErrorIs(t, err, ErrSendTimeout)
	assert.Equal(t, api.PendingIDPrefix+"1", e.ID)
	assert.False(t, e.IsPending)
	assert.True(t, e.IsFailed)

	e, err = c.Retry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", e.ID)
	assert.Equal(t, []string{"are you home?", "are you home?"}, bodies)
	assert.Equal(t, []string{"m1"}, ids(c.Messages()), "failed copy must be gone after retry")

	_, err = c.Retry(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestConversation_RetryUsesFreshID(t *testing.T) {
	var seen []string
	var c *Conversation
	conn := &testemitter{
		T: t,
		request: func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error) {
			for _, e := range c.Messages() {
				seen = append(seen, e.ID)
			}
			return api.Ack{Error: api.CodeRateLimited}, nil
		},
	}
	c = newTestConversation(t, conn, nil)

	e, err := c.Send(context.Background(), "hello")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, api.CodeRateLimited, rejected.Code)
	assert.True(t, e.IsFailed)

	_, err = c.Retry(context.Background(), e.ID)
	require.Error(t, err)
	assert.Equal(t, []string{api.PendingIDPrefix + "1", api.PendingIDPrefix + "2"}, seen)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, api.PendingIDPrefix+"2", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestConversation_RefetchDuringSend(t *testing.T) {
	canonical := stored("m2", mom, "on my way", time.Minute)
	history := &testhistory{
		T: t,
		fetch: func(t *testing.T, conversationID, cursor string, limit int) (api.MessagePage, error) {
			assert.Equal(t, "c1", conversationID)
			assert.Equal(t, DefaultPageSize, limit)
			// The page already contains the message being acknowledged.
			return api.MessagePage{Messages: []api.Message{stored("m1", kid, "where are you?", 0), canonical}}, nil
		},
	}
	var c *Conversation
	conn := &testemitter{
		T: t,
		request: func(t *testing.T, ctx context.Context, event string, data any) (api.Ack, error) {
			require.NoError(t, c.Refetch(ctx))
			assert.Equal(t, []string{"m1", api.PendingIDPrefix + "1", "m2"}, ids(c.Messages()), "pending copy kept across refetch")
			return api.Ack{OK: true, Message: &canonical}, nil
		},
	}
	c = newTestConversation(t, conn, history)

	_, err := c.Send(context.Background(), "on my way")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(c.Messages()))
}

func TestConversation_LoadMore(t *testing.T) {
	older := "m2"
	history := &testhistory{
		T: t,
		fetch: func(t *testing.T, conversationID, cursor string, limit int) (api.MessagePage, error) {
			switch cursor {
			case "":
				return api.MessagePage{
					Messages:   []api.Message{stored("m2", kid, "b", 2*time.Second), stored("m3", kid, "c", 3*time.Second)},
					NextCursor: &older,
				}, nil
			case "m2":
				return api.MessagePage{Messages: []api.Message{stored("m1", kid, "a", time.Second)}}, nil
			}
			return api.MessagePage{}, errors.New("unexpected cursor " + cursor)
		},
	}
	c := newTestConversation(t, nil, history)

	require.NoError(t, c.Refetch(context.Background()))
	assert.True(t, c.HasMore())

	more, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, c.HasMore())
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(c.Messages()))

	more, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestConversation_HandleEvent(t *testing.T) {
	c := newTestConversation(t, nil, nil)
	frame := func(event string, data any) api.Frame {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		return api.Frame{Event: event, Data: raw}
	}

	events := []api.Frame{
		frame(api.EventNewMessage, api.NewMessageEvent{Message: stored("m1", kid, "@ai hi", 0)}),
		frame(api.EventStreamStart, api.StreamStartEvent{MessageID: "b1", ConversationID: "c1", Sender: aiAs}),
		frame(api.EventStreamChunk, api.StreamChunkEvent{MessageID: "b1", Chunk: "Hi"}),
		frame(api.EventStreamChunk, api.StreamChunkEvent{MessageID: "b1", Chunk: " there"}),
		frame(api.EventStreamEnd, api.StreamEndEvent{MessageID: "b1", Body: "Hi there"}),
		frame(api.EventUserTyping, api.TypingEvent{UserID: kid.ID, DisplayName: "Kid", ConversationID: "c1"}),
		frame(api.EventUserTyping, api.TypingEvent{UserID: mom.ID, DisplayName: "Mom", ConversationID: "c1"}),
		frame(api.EventUserTyping, api.TypingEvent{UserID: "u-dad", DisplayName: "Dad", ConversationID: "c2"}),
	}
	for _, f := range events {
		_, err := c.HandleEvent(f)
		require.NoError(t, err)
	}

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].Body)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, []string{"Kid"}, c.Typing())

	changed, err := c.HandleEvent(frame(api.EventUserStoppedTyping, api.TypingEvent{UserID: kid.ID, ConversationID: "c1"}))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, c.Typing())

	_, err = c.HandleEvent(api.Frame{Event: api.EventNewMessage, Data: []byte(`{"message":`)})
	assert.Error(t, err)
}

// TestDial runs a Conn against a minimal gateway that acks every request
// and pushes one event.
func TestDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			var f api.Frame
			if err := wsjson.Read(ctx, ws, &f); err != nil {
				return
			}
			if f.ID == "" {
				_ = wsjson.Write(ctx, ws, api.Frame{Event: api.EventUserTyping, Data: f.Data})
				continue
			}
			// A stray ack nobody waits for must be dropped.
			_ = wsjson.Write(ctx, ws, api.Frame{Event: api.EventAck, ID: "999", Data: []byte(`{"ok":true}`)})
			_ = wsjson.Write(ctx, ws, api.Frame{Event: api.EventAck, ID: f.ID, Data: []byte(`{"ok":true}`)})
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	_, err := Dial(ctx, url, "wrong")
	require.Error(t, err)

	conn, err := Dial(ctx, url, "secret")
	require.NoError(t, err)
	defer conn.Close()

	for range 3 {
		ack, err := conn.Request(ctx, api.EventJoinRoom, api.RoomRequest{ConversationID: "c1"})
		require.NoError(t, err)
		assert.True(t, ack.OK)
	}

	require.NoError(t, conn.Emit(ctx, api.EventTypingStart, api.RoomRequest{ConversationID: "c1"}))
	select {
	case f := <-conn.Events():
		assert.Equal(t, api.EventUserTyping, f.Event)
		assert.JSONEq(t, `{"conversationId":"c1"}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
