package bot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/metrics"
	"github.com/snie2012/family-chat-local-ai/ollama"
)

// Messages broadcast as bot_error when a response fails.
const (
	UnavailableMessage  = "AI assistant is unavailable right now."
	ModelMissingMessage = "AI assistant's model is not installed. Ask an admin to pick another one."
	SlowResponseMessage = "AI assistant took too long to answer."
)

// Defaults for zero Responder fields.
const (
	DefaultHistory     = 20
	DefaultIdleTimeout = 2 * time.Minute
)

var errIdle = errors.New("no output from model within the idle timeout")

// A Broadcaster delivers an event to every connection joined to a
// conversation.
type Broadcaster interface {
	Broadcast(conversationID, event string, data any)
}

// A Completer streams a chat completion.
type Completer interface {
	StreamChat(ctx context.Context, messages []ollama.Message, opts ollama.StreamOptions) iter.Seq2[ollama.Chunk, error]
}

// A Store persists the assistant's messages and provides prompt history.
type Store interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]api.Message, error)
	CountMessagesSince(ctx context.Context, conversationID string, since time.Time) (int, error)
	CreateMessage(ctx context.Context, msg api.Message) (api.Message, error)
	UpdateMessage(ctx context.Context, id string, u api.MessageUpdate) (api.Message, error)
}

// A Cache keeps the latest finished messages of each conversation.
type Cache interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]api.Message, error)
	InsertMessage(ctx context.Context, msg api.Message) error
}

// Settings provides the configuration of each run.
type Settings interface {
	Current() api.BotSettings
}

// Responder writes the assistant's answer into a conversation, streaming it
// to the room as the model produces it.
type Responder struct {
	Logger   *slog.Logger
	Store    Store
	Cache    Cache // optional
	LLM      Completer
	Settings Settings
	Out      Broadcaster
	Metrics  *metrics.Metrics

	// History is the number of recent messages given to the model.
	History int
	// IdleTimeout aborts a stream that produces nothing for this long.
	IdleTimeout time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// IsActive reports whether messageID is a placeholder still being streamed
// by this process.
func (r *Responder) IsActive(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[messageID]
	return ok
}

func (r *Responder) track(messageID string) func() {
	r.mu.Lock()
	if r.active == nil {
		r.active = make(map[string]struct{})
	}
	r.active[messageID] = struct{}{}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.active, messageID)
		r.mu.Unlock()
	}
}

// Respond generates one answer for the conversation. Every failure is logged
// and announced to the room with bot_error before it is returned. A
// placeholder that fails mid-stream keeps its partial body and stays marked
// as streaming.
func (r *Responder) Respond(ctx context.Context, conversationID string) error {
	start := time.Now()
	err := r.respond(ctx, conversationID)
	if err != nil {
		reason, msg := failureReason(err)
		r.Logger.Error("Bot response failed", "conversationID", conversationID, "reason", reason, "error", err.Error())
		r.Out.Broadcast(conversationID, api.EventBotError, api.BotErrorEvent{Message: msg})
		r.Metrics.BotRun("failed", start)
		return err
	}
	r.Metrics.BotRun("ok", start)
	return nil
}

// failureReason classifies a failed run for the log and the room.
func failureReason(err error) (reason, msg string) {
	switch {
	case ollama.IsModelNotFound(err):
		return "model_not_found", ModelMissingMessage
	case errors.Is(err, errIdle), ollama.IsTimeout(err):
		return "timeout", SlowResponseMessage
	case ollama.IsNotRunning(err):
		return "not_running", UnavailableMessage
	}
	return "error", UnavailableMessage
}

func (r *Responder) respond(ctx context.Context, conversationID string) error {
	settings := r.Settings.Current()

	history, err := r.gather(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("gather history: %w", err)
	}
	prompt := BuildPrompt(settings.SystemPrompt, history)

	placeholder, err := r.Store.CreateMessage(ctx, api.Message{
		ConversationID: conversationID,
		SenderID:       api.BotUserID,
		IsStreaming:    true,
	})
	if err != nil {
		return fmt.Errorf("create placeholder: %w", err)
	}
	untrack := r.track(placeholder.ID)
	defer untrack()

	r.Out.Broadcast(conversationID, api.EventStreamStart, api.StreamStartEvent{
		MessageID:      placeholder.ID,
		ConversationID: conversationID,
		Sender:         placeholder.Sender,
		ThinkMode:      settings.ThinkMode,
	})

	body, err := r.stream(ctx, conversationID, placeholder.ID, prompt, settings)
	if err != nil {
		if body != "" {
			r.savePartial(ctx, placeholder.ID, body)
		}
		return fmt.Errorf("stream: %w", err)
	}

	streaming, failed := false, false
	final, err := r.Store.UpdateMessage(context.WithoutCancel(ctx), placeholder.ID, api.MessageUpdate{
		Body:        &body,
		IsStreaming: &streaming,
		Failed:      &failed,
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	r.Out.Broadcast(conversationID, api.EventStreamEnd, api.StreamEndEvent{
		MessageID: final.ID,
		Body:      final.Body,
	})

	if r.Cache != nil {
		if err := r.Cache.InsertMessage(context.WithoutCancel(ctx), final); err != nil {
			r.Logger.Error("Could not cache message", "error", err.Error())
		}
	}
	r.Logger.Info("Bot response finished", "conversationID", conversationID, "messageID", final.ID, "length", len(final.Body))
	return nil
}

// gather returns the prompt history, oldest first. The cache is used when it
// holds a full window and the store has exactly as many finished messages
// from the oldest cached one onwards, so a missed or late cache write falls
// back to the store.
func (r *Responder) gather(ctx context.Context, conversationID string) ([]api.Message, error) {
	limit := r.History
	if limit <= 0 {
		limit = DefaultHistory
	}
	if r.Cache != nil {
		msgs, err := r.Cache.RecentMessages(ctx, conversationID, limit)
		if err != nil {
			r.Logger.Warn("Could not read history from cache", "error", err.Error())
		} else if len(msgs) >= limit {
			n, err := r.Store.CountMessagesSince(ctx, conversationID, msgs[0].CreatedAt)
			switch {
			case err != nil:
				return nil, fmt.Errorf("count messages: %w", err)
			case n == len(msgs):
				r.Logger.Debug("Got history from cache", "count", len(msgs))
				return msgs, nil
			default:
				r.Logger.Warn("Cached history is out of date", "conversationID", conversationID, "cached", len(msgs), "stored", n)
			}
		}
	}
	return r.Store.RecentMessages(ctx, conversationID, limit)
}

// stream relays the completion to the room and returns the accumulated
// content. On error the content received so far is returned with it.
func (r *Responder) stream(ctx context.Context, conversationID, messageID string, prompt []ollama.Message, settings api.BotSettings) (string, error) {
	idle := r.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(idle, func() { cancel(errIdle) })
	defer timer.Stop()

	var body strings.Builder
	opts := ollama.StreamOptions{Think: settings.ThinkMode, Model: settings.Model}
	for chunk, err := range r.LLM.StreamChat(ctx, prompt, opts) {
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, errIdle) {
				err = fmt.Errorf("%w: %w", cause, err)
			}
			return body.String(), err
		}
		timer.Reset(idle)

		switch chunk.Kind {
		case ollama.KindThinking:
			if !settings.ThinkMode {
				continue
			}
			r.Out.Broadcast(conversationID, api.EventStreamThinkChunk, api.StreamChunkEvent{
				MessageID: messageID,
				Chunk:     chunk.Text,
			})
		case ollama.KindContent:
			body.WriteString(chunk.Text)
			r.Out.Broadcast(conversationID, api.EventStreamChunk, api.StreamChunkEvent{
				MessageID: messageID,
				Chunk:     chunk.Text,
			})
		}
	}
	// A stream that ended without an error is complete even if the idle
	// timer fired after its last chunk.
	return body.String(), nil
}

func (r *Responder) savePartial(ctx context.Context, messageID, body string) {
	if _, err := r.Store.UpdateMessage(context.WithoutCancel(ctx), messageID, api.MessageUpdate{Body: &body}); err != nil {
		r.Logger.Error("Could not save partial response", "messageID", messageID, "error", err.Error())
	}
}
