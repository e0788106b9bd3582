// Package gateway serves the realtime websocket protocol: rooms, message
// sends with acknowledgements, typing indicators and reactions. It also
// relays the assistant's streamed answers to the rooms.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/api/validator"
	"github.com/snie2012/family-chat-local-ai/metrics"
	"github.com/snie2012/family-chat-local-ai/ratelimit"
)

const (
	defaultSendBuffer = 256
	pushPreviewLength = 120
)

// An Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (api.Identity, error)
}

// A Store provides membership answers and message persistence.
type Store interface {
	IsMember(ctx context.Context, userID, conversationID string) (bool, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	CreateMessage(ctx context.Context, msg api.Message) (api.Message, error)
	GetMessage(ctx context.Context, id string) (api.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]api.Reaction, error)
}

// A Cache keeps recent messages for the assistant's prompt history.
type Cache interface {
	InsertMessage(ctx context.Context, msg api.Message) error
}

// A Limiter admits or rejects a user's sends.
type Limiter interface {
	Admit(ctx context.Context, userID string) bool
}

// A Pusher notifies users who are not watching a conversation.
type Pusher interface {
	SendToUsers(ctx context.Context, userIDs []string, n api.PushNotification) error
}

// A Policy decides whether the assistant answers a message.
type Policy interface {
	ShouldRespond(ctx context.Context, conversationID, body string) (bool, error)
}

// A Responder writes the assistant's answer into a conversation.
type Responder interface {
	Respond(ctx context.Context, conversationID string) error
}

// Gateway accepts websocket connections and serves the realtime protocol.
// Cache, Throttle, Push, Policy, Bot and Metrics are optional.
type Gateway struct {
	Logger   *slog.Logger
	Auth     Authenticator
	Store    Store
	Cache    Cache
	Limiter  Limiter
	Throttle *ratelimit.Throttle
	Push     Pusher
	Policy   Policy
	Bot      Responder
	Metrics  *metrics.Metrics
	Val      *validator.Validator

	// OriginPatterns lists the hosts allowed to connect from a browser in
	// addition to the server's own.
	OriginPatterns []string
	// SendBuffer is the number of frames queued per connection before it is
	// treated as too slow and closed.
	SendBuffer int

	once   sync.Once
	hub    *hub
	closed atomic.Bool

	// serializes each user's sends
	userLocks keyedMutex
	// keeps each room's broadcasts in persistence order
	convLocks keyedMutex

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

func (g *Gateway) setup() {
	g.hub = newHub()
	g.baseCtx, g.cancel = context.WithCancel(context.Background())
	if g.Val == nil {
		g.Val = validator.New()
	}
}

func (g *Gateway) init() {
	g.once.Do(g.setup)
}

func (g *Gateway) sendBuffer() int {
	if g.SendBuffer > 0 {
		return g.SendBuffer
	}
	return defaultSendBuffer
}

// ServeHTTP authenticates the request and upgrades it to a websocket. The
// token is read from the Authorization header or the token query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.init()
	if g.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := g.Auth.Authenticate(r.Context(), token)
	if errors.Is(err, api.ErrInvalidToken) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if err != nil {
		g.Logger.Error("Could not authenticate connection", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.OriginPatterns})
	if err != nil {
		g.Logger.Warn("Could not accept websocket", "error", err.Error())
		return
	}

	c := newConn(g, ws, id)
	g.hub.add(c)
	g.Metrics.ConnOpened()
	g.Logger.Info("Connected", "userID", id.UserID, "displayName", id.DisplayName)
	defer func() {
		g.hub.remove(c)
		g.Metrics.ConnClosed()
		g.Logger.Info("Disconnected", "userID", id.UserID)
	}()

	c.run(g.baseCtx)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Broadcast sends an event to every connection joined to the conversation.
func (g *Gateway) Broadcast(conversationID, event string, data any) {
	g.broadcast(conversationID, nil, event, data)
}

// broadcast sends an event to the room, skipping the connection except.
func (g *Gateway) broadcast(conversationID string, except *conn, event string, data any) {
	g.init()
	b, err := encodeFrame(event, "", data)
	if err != nil {
		g.Logger.Error("Could not encode frame", "event", event, "error", err.Error())
		return
	}
	for _, c := range g.hub.members(conversationID) {
		if c != except {
			c.enqueue(b)
		}
	}
}

// Shutdown closes every connection and waits for background work such as
// assistant answers to finish. Work still running when ctx is done is
// cancelled.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.init()
	g.closed.Store(true)
	for _, c := range g.hub.all() {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return ctx.Err()
	}
}

// spawn runs fn in the background, detached from any connection. Errors and
// panics are logged and go no further.
func (g *Gateway) spawn(name string, fn func(ctx context.Context) error) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				g.Logger.Error("Background task panicked", "task", name, "panic", r)
			}
		}()
		if err := fn(g.baseCtx); err != nil {
			g.Logger.Error("Background task failed", "task", name, "error", err.Error())
		}
	}()
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, f api.Frame) {
	switch f.Event {
	case api.EventJoinRoom:
		g.joinRoom(ctx, c, f)
	case api.EventLeaveRoom:
		g.leaveRoom(c, f)
	case api.EventSendMessage:
		g.sendMessage(ctx, c, f)
	case api.EventTypingStart:
		g.typing(c, f, api.EventUserTyping)
	case api.EventTypingStop:
		g.typing(c, f, api.EventUserStoppedTyping)
	case api.EventToggleReaction:
		g.toggleReaction(ctx, c, f)
	default:
		g.reject(c, f.ID, api.CodeInvalid, "Unknown event "+f.Event)
	}
}

// reject reports a failed request with an error event and a failed ack.
func (g *Gateway) reject(c *conn, id, code, msg string) {
	c.emitError(code, msg)
	c.ack(id, api.Ack{Error: code})
}

// decode unmarshals and validates the frame payload, rejecting the request
// when either fails.
func (g *Gateway) decode(c *conn, f api.Frame, v any) bool {
	if len(f.Data) == 0 {
		g.reject(c, f.ID, api.CodeInvalid, "Missing payload")
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		g.reject(c, f.ID, api.CodeInvalid, "Could not decode payload")
		return false
	}
	if errs := g.Val.ValidateStruct(v); len(errs) > 0 {
		g.reject(c, f.ID, api.CodeInvalid, errs[0].Field+" "+errs[0].Message)
		return false
	}
	return true
}

func (g *Gateway) joinRoom(ctx context.Context, c *conn, f api.Frame) {
	var req api.RoomRequest
	if !g.decode(c, f, &req) {
		return
	}
	member, err := g.Store.IsMember(ctx, c.id.UserID, req.ConversationID)
	if err != nil {
		g.Logger.Error("Could not check membership", "error", err.Error())
		g.reject(c, f.ID, api.CodeInternal, "Could not join conversation")
		return
	}
	if !member {
		g.reject(c, f.ID, api.CodeNotMember, "Not a member of this conversation")
		return
	}
	g.hub.join(req.ConversationID, c)
	c.ack(f.ID, api.Ack{OK: true})
}

func (g *Gateway) leaveRoom(c *conn, f api.Frame) {
	var req api.RoomRequest
	if !g.decode(c, f, &req) {
		return
	}
	g.hub.leave(req.ConversationID, c)
	c.ack(f.ID, api.Ack{OK: true})
}

func (g *Gateway) sendMessage(ctx context.Context, c *conn, f api.Frame) {
	var req api.SendMessageRequest
	if !g.decode(c, f, &req) {
		g.Metrics.SendRejected(api.CodeInvalid)
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		g.Metrics.SendRejected(api.CodeEmptyBody)
		c.ack(f.ID, api.Ack{Error: api.CodeEmptyBody})
		return
	}
	if utf8.RuneCountInString(body) > api.MaxBodyLength {
		g.Metrics.SendRejected(api.CodeInvalid)
		g.reject(c, f.ID, api.CodeInvalid, "Message is too long")
		return
	}

	unlock := g.userLocks.lock(c.id.UserID)
	defer unlock()

	if !g.Limiter.Admit(ctx, c.id.UserID) {
		g.Metrics.SendRejected(api.CodeRateLimited)
		c.ack(f.ID, api.Ack{Error: api.CodeRateLimited})
		return
	}

	member, err := g.Store.IsMember(ctx, c.id.UserID, req.ConversationID)
	if err != nil {
		g.Logger.Error("Could not check membership", "error", err.Error())
		g.reject(c, f.ID, api.CodeInternal, "Could not send message")
		return
	}
	if !member {
		g.Metrics.SendRejected(api.CodeNotMember)
		g.reject(c, f.ID, api.CodeNotMember, "Not a member of this conversation")
		return
	}

	msg, ok := g.persistAndBroadcast(ctx, c, req.ConversationID, body)
	if !ok {
		g.reject(c, f.ID, api.CodeInternal, "Could not send message")
		return
	}
	g.Metrics.MessagePersisted()

	c.ack(f.ID, api.Ack{OK: true, Message: &msg})

	if g.Push != nil {
		sender := c.id.DisplayName
		g.spawn("push", func(ctx context.Context) error {
			return g.notify(ctx, msg, sender)
		})
	}
	if g.Policy != nil && g.Bot != nil {
		g.spawn("bot", func(ctx context.Context) error {
			respond, err := g.Policy.ShouldRespond(ctx, msg.ConversationID, msg.Body)
			if err != nil || !respond {
				return err
			}
			// Respond logs and announces its own failures.
			_ = g.Bot.Respond(ctx, msg.ConversationID)
			return nil
		})
	}
}

// persistAndBroadcast stores the message, relays it to the room and caches it
// while holding the room's lock, so every member and the cache see the room's
// messages in the order they were stored.
func (g *Gateway) persistAndBroadcast(ctx context.Context, c *conn, conversationID, body string) (api.Message, bool) {
	unlock := g.convLocks.lock(conversationID)
	defer unlock()

	msg, err := g.Store.CreateMessage(ctx, api.Message{
		ConversationID: conversationID,
		SenderID:       c.id.UserID,
		Body:           body,
	})
	if err != nil {
		g.Logger.Error("Could not insert message", "error", err.Error())
		return api.Message{}, false
	}
	msg.Reactions = []api.Reaction{}

	g.broadcast(conversationID, c, api.EventNewMessage, api.NewMessageEvent{Message: msg})

	// Cached in store order. A failed write only costs the assistant a
	// store read.
	if g.Cache != nil {
		if err := g.Cache.InsertMessage(ctx, msg); err != nil {
			g.Logger.Error("Could not cache message", "error", err.Error())
		}
	}
	return msg, true
}

// notify pushes msg to the human members that have no connection in the room.
func (g *Gateway) notify(ctx context.Context, msg api.Message, sender string) error {
	ids, err := g.Store.MemberIDs(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	present := g.hub.present(msg.ConversationID)
	var targets []string
	for _, id := range ids {
		if id == msg.SenderID || id == api.BotUserID || present[id] {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return nil
	}
	return g.Push.SendToUsers(ctx, targets, api.PushNotification{
		Title: sender,
		Body:  preview(msg.Body, pushPreviewLength),
		URL:   "/conversation/" + msg.ConversationID,
	})
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// typing relays a typing indicator to the rest of the room. Indicators from
// connections outside the room, or over the throttle, are dropped.
func (g *Gateway) typing(c *conn, f api.Frame, event string) {
	var req api.RoomRequest
	if len(f.Data) == 0 || json.Unmarshal(f.Data, &req) != nil || req.ConversationID == "" {
		return
	}
	if !g.hub.inRoom(req.ConversationID, c) {
		return
	}
	if event == api.EventUserTyping && g.Throttle != nil && !g.Throttle.Allow("typing:"+c.id.UserID) {
		return
	}
	g.broadcast(req.ConversationID, c, event, api.TypingEvent{
		UserID:         c.id.UserID,
		DisplayName:    c.id.DisplayName,
		ConversationID: req.ConversationID,
	})
}

func (g *Gateway) toggleReaction(ctx context.Context, c *conn, f api.Frame) {
	var req api.ToggleReactionRequest
	if !g.decode(c, f, &req) {
		return
	}
	if g.Throttle != nil && !g.Throttle.Allow("reaction:"+c.id.UserID) {
		c.ack(f.ID, api.Ack{Error: api.CodeRateLimited})
		return
	}

	msg, err := g.Store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, api.ErrNotFound) {
		g.reject(c, f.ID, api.CodeNotFound, "Message not found")
		return
	}
	if err != nil {
		g.Logger.Error("Could not get message", "error", err.Error())
		g.reject(c, f.ID, api.CodeInternal, "Could not toggle reaction")
		return
	}
	member, err := g.Store.IsMember(ctx, c.id.UserID, msg.ConversationID)
	if err != nil {
		g.Logger.Error("Could not check membership", "error", err.Error())
		g.reject(c, f.ID, api.CodeInternal, "Could not toggle reaction")
		return
	}
	if !member {
		g.reject(c, f.ID, api.CodeNotMember, "Not a member of this conversation")
		return
	}

	unlock := g.convLocks.lock(msg.ConversationID)
	reactions, err := g.Store.ToggleReaction(ctx, msg.ID, c.id.UserID, req.Emoji)
	if err == nil {
		g.Broadcast(msg.ConversationID, api.EventReactionUpdated, api.ReactionUpdatedEvent{
			MessageID: msg.ID,
			Reactions: reactions,
		})
	}
	unlock()
	if err != nil {
		g.Logger.Error("Could not toggle reaction", "error", err.Error())
		g.reject(c, f.ID, api.CodeInternal, "Could not toggle reaction")
		return
	}
	c.ack(f.ID, api.Ack{OK: true})
}
