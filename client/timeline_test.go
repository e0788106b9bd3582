package client

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snie2012/family-chat-local-ai/api"
)

var (
	t0   = time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	mom  = api.User{ID: "u-mom", DisplayName: "Mom"}
	kid  = api.User{ID: "u-kid", DisplayName: "Kid"}
	aiAs = api.User{ID: api.BotUserID, DisplayName: "AI Assistant", IsBot: true}
)

func stored(id string, sender api.User, body string, at time.Duration) api.Message {
	return api.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender.ID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      t0.Add(at),
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestTimeline_Ack(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(tl *Timeline)
		want    []string
	}{
		{
			name:    "ReplacesOptimistic",
			prepare: func(tl *Timeline) {},
			want:    []string{"m1", "m2"},
		},
		{
			name: "AfterRefetchWithoutMessage",
			prepare: func(tl *Timeline) {
				tl.ReplaceHistory([]api.Message{stored("m1", kid, "hi", 0)})
			},
			want: []string{"m1", "m2"},
		},
		{
			name: "AfterRefetchWithMessage",
			prepare: func(tl *Timeline) {
				tl.ReplaceHistory([]api.Message{stored("m1", kid, "hi", 0), stored("m2", mom, "dinner", 2*time.Second)})
			},
			want: []string{"m1", "m2"},
		},
		{
			name: "AfterOptimisticDropped",
			prepare: func(tl *Timeline) {
				tl.Remove("pending-1")
			},
			want: []string{"m1", "m2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline("c1")
			tl.Receive(stored("m1", kid, "hi", 0))
			tl.AddOptimistic("pending-1", mom, "dinner", t0.Add(time.Second))
			tt.prepare(tl)

			tl.Ack("pending-1", stored("m2", mom, "dinner", 2*time.Second))

			got := tl.Messages()
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
			e, ok := tl.Get("m2")
			require.True(t, ok)
			assert.False(t, e.IsPending)
			assert.NotNil(t, e.Reactions)
		})
	}
}

func TestTimeline_Fail(t *testing.T) {
	tl := NewTimeline("c1")
	tl.AddOptimistic("pending-1", mom, "dinner", t0)

	require.True(t, tl.Fail("pending-1"))
	e, _ := tl.Get("pending-1")
	assert.False(t, e.IsPending)
	assert.True(t, e.IsFailed)

	assert.False(t, tl.Fail("pending-1"), "already failed")
	assert.False(t, tl.Fail("pending-2"), "unknown id")
}

func TestTimeline_ReplaceHistoryKeepsLocal(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Receive(stored("m1", kid, "hi", 0))
	tl.Receive(stored("m-gone", kid, "typo", time.Second))
	tl.AddOptimistic("pending-1", mom, "waiting", t0.Add(2*time.Second))
	tl.AddOptimistic("pending-2", mom, "broken", t0.Add(3*time.Second))
	tl.Fail("pending-2")

	tl.ReplaceHistory([]api.Message{
		stored("m1", kid, "hi", 0),
		stored("m3", kid, "later", 4*time.Second),
	})

	want := []string{"m1", "pending-1", "pending-2", "m3"}
	if diff := cmp.Diff(want, ids(tl.Messages())); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	e, _ := tl.Get("pending-2")
	assert.True(t, e.IsFailed)
}

func TestTimeline_ReplaceHistoryKeepsNewer(t *testing.T) {
	tests := []struct {
		name string
		live []api.Message
		page []api.Message
		want []string
	}{
		{
			name: "ArrivedDuringFetch",
			live: []api.Message{stored("m2", kid, "just sent", 2*time.Second)},
			page: []api.Message{stored("m1", kid, "hi", 0)},
			want: []string{"m1", "m2"},
		},
		{
			name: "OlderThanPage",
			live: []api.Message{stored("m0", kid, "old", 0)},
			page: []api.Message{stored("m1", kid, "hi", time.Second)},
			want: []string{"m1"},
		},
		{
			name: "EmptyPage",
			live: []api.Message{stored("m2", kid, "just sent", 2*time.Second)},
			want: []string{"m2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline("c1")
			for _, m := range tt.live {
				tl.Receive(m)
			}
			tl.ReplaceHistory(tt.page)
			if diff := cmp.Diff(tt.want, ids(tl.Messages())); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTimeline_ReceiveDedup(t *testing.T) {
	tl := NewTimeline("c1")
	require.True(t, tl.Receive(stored("m1", kid, "hi", 0)))
	assert.False(t, tl.Receive(stored("m1", kid, "hi", 0)))

	other := stored("x1", kid, "elsewhere", 0)
	other.ConversationID = "c2"
	assert.False(t, tl.Receive(other))
	assert.Equal(t, 1, tl.Len())
}

func TestTimeline_Streaming(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Receive(stored("m1", kid, "what's for dinner?", 0))

	require.True(t, tl.StreamStart(api.StreamStartEvent{
		MessageID:      "b1",
		ConversationID: "c1",
		Sender:         aiAs,
		ThinkMode:      true,
	}, t0.Add(time.Second)))
	tl.ThinkChunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "pasta "})
	tl.ThinkChunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "is quick"})

	e, _ := tl.Get("b1")
	assert.True(t, e.IsThinking)
	assert.True(t, e.IsStreaming)
	assert.Equal(t, "pasta is quick", e.ThinkingBody)
	assert.Empty(t, e.Body)

	tl.Chunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "How about "})
	tl.Chunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "pasta?"})
	e, _ = tl.Get("b1")
	assert.False(t, e.IsThinking)
	assert.Equal(t, "How about pasta?", e.Body)

	require.True(t, tl.StreamEnd(api.StreamEndEvent{MessageID: "b1", Body: "How about pasta?"}))
	e, _ = tl.Get("b1")
	assert.False(t, e.IsStreaming)
	assert.Empty(t, e.ThinkingBody)
	assert.Equal(t, "How about pasta?", e.Body)

	// Chunks after the end are ignored.
	assert.False(t, tl.Chunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "!"}))
	assert.False(t, tl.Chunk(api.StreamChunkEvent{MessageID: "unknown", Chunk: "!"}))
}

func TestTimeline_StreamSurvivesRefetch(t *testing.T) {
	tl := NewTimeline("c1")
	tl.StreamStart(api.StreamStartEvent{MessageID: "b1", ConversationID: "c1", Sender: aiAs}, t0)
	tl.Chunk(api.StreamChunkEvent{MessageID: "b1", Chunk: "Hel"})

	partial := stored("b1", aiAs, "He", 0)
	partial.IsStreaming = true
	tl.ReplaceHistory([]api.Message{partial})
	e, _ := tl.Get("b1")
	assert.Equal(t, "Hel", e.Body, "live placeholder is ahead of the page")

	finished := stored("b1", aiAs, "Hello", 0)
	tl.ReplaceHistory([]api.Message{finished})
	e, _ = tl.Get("b1")
	assert.Equal(t, "Hello", e.Body)
	assert.False(t, e.IsStreaming)
}

func TestTimeline_FailedStream(t *testing.T) {
	tl := NewTimeline("c1")
	tl.StreamStart(api.StreamStartEvent{MessageID: "b1", ConversationID: "c1", Sender: aiAs}, t0)
	tl.StreamEnd(api.StreamEndEvent{MessageID: "b1", Body: "partial", Failed: true})

	e, _ := tl.Get("b1")
	assert.True(t, e.Failed)
	assert.False(t, e.IsStreaming)
	assert.False(t, e.Local(), "server-side failure is not a local send failure")
}

func TestTimeline_Reactions(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Receive(stored("m1", kid, "hi", 0))

	rs := []api.Reaction{{MessageID: "m1", UserID: mom.ID, Emoji: "❤️"}}
	require.True(t, tl.ReactionsUpdated(api.ReactionUpdatedEvent{MessageID: "m1", Reactions: rs}))
	e, _ := tl.Get("m1")
	assert.Equal(t, rs, e.Reactions)

	tl.ReactionsUpdated(api.ReactionUpdatedEvent{MessageID: "m1"})
	e, _ = tl.Get("m1")
	assert.NotNil(t, e.Reactions)
	assert.Empty(t, e.Reactions)
}

func TestTimeline_MergeOlder(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Receive(stored("m3", kid, "newest", 3*time.Second))
	tl.Receive(stored("m2", kid, "edited locally", 2*time.Second))

	tl.MergeOlder([]api.Message{
		stored("m1", kid, "oldest", time.Second),
		stored("m2", kid, "from page", 2*time.Second),
	})

	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, ids(tl.Messages())); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	e, _ := tl.Get("m2")
	assert.Equal(t, "edited locally", e.Body)
}

func TestTimeline_OrderTies(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Receive(stored("b", kid, "first", 0))
	tl.Receive(stored("a", kid, "second", 0))
	assert.Equal(t, []string{"b", "a"}, ids(tl.Messages()))
}

func TestIsTempID(t *testing.T) {
	assert.True(t, IsTempID(api.PendingIDPrefix+"x"))
	assert.False(t, IsTempID("6b1f0a2c-0000-4000-8000-000000000000"))
}
