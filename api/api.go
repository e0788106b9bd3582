package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/snie2012/family-chat-local-ai/api/validator"
)

// Page sizes of GET /messages.
const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// A DB provides the storage the REST endpoints read and write.
type DB interface {
	Ping(ctx context.Context) error
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
	IsMember(ctx context.Context, userID, conversationID string) (bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	FindDirectConversation(ctx context.Context, a, b string) (Conversation, error)
	CreateConversation(ctx context.Context, nc NewConversation) (Conversation, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (MessagePage, error)
	SavePushSubscription(ctx context.Context, sub PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

// An Auth verifies credentials and issues tokens.
type Auth interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
	Login(ctx context.Context, username, password string) (User, string, error)
	Register(ctx context.Context, nu NewUser, password string) (User, error)
}

// Settings holds the assistant's configuration.
type Settings interface {
	Current() BotSettings
	Update(ctx context.Context, p BotSettingsPatch) (BotSettings, error)
}

// A Push exposes the VAPID key browsers subscribe with.
type Push interface {
	PublicKey() string
}

// Models lists the models the completion provider can serve.
type Models interface {
	ListModels(ctx context.Context) ([]string, error)
}

// API provides the REST endpoints for the application. Push, Models,
// Realtime and Metrics are optional.
type API struct {
	Logger   *slog.Logger
	DB       DB
	Auth     Auth
	Settings Settings
	Push     Push
	Models   Models
	Val      *validator.Validator

	// Realtime serves the websocket gateway on GET /ws.
	Realtime http.Handler
	// Metrics serves the Prometheus exposition on GET /metrics.
	Metrics http.Handler

	once sync.Once
	mux  *http.ServeMux

	// serializes the lookup and creation of direct conversations
	dmMu sync.Mutex
}

// An authedFunc handles a request made by an authenticated user.
type authedFunc func(w http.ResponseWriter, r *http.Request, id Identity)

func (a *API) setupRoutes() {
	if a.Val == nil {
		a.Val = validator.New()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("POST /auth/login", a.login)
	mux.HandleFunc("POST /auth/register", a.admin(a.register))

	mux.HandleFunc("GET /users", a.authed(a.listUsers))
	mux.HandleFunc("GET /users/me", a.authed(a.me))

	mux.HandleFunc("GET /conversations", a.authed(a.listConversations))
	mux.HandleFunc("POST /conversations", a.authed(a.createConversation))
	mux.HandleFunc("GET /conversations/{id}", a.authed(a.getConversation))
	mux.HandleFunc("GET /messages", a.authed(a.listMessages))

	mux.HandleFunc("GET /settings/bot", a.admin(a.getSettings))
	mux.HandleFunc("PATCH /settings/bot", a.admin(a.updateSettings))
	mux.HandleFunc("GET /settings/models", a.admin(a.listModels))

	mux.HandleFunc("GET /push/public-key", a.pushPublicKey)
	mux.HandleFunc("POST /push/subscribe", a.authed(a.subscribe))
	mux.HandleFunc("DELETE /push/unsubscribe", a.authed(a.unsubscribe))

	if a.Realtime != nil {
		mux.Handle("GET /ws", a.Realtime)
	}
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "error", err.Error())
	} else {
		a.Logger.Info("Request rejected", "status", status, "error", err.Error())
	}
	a.respond(w, status, response{Error: msg})
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// decodeBody reads a JSON body into v and validates it.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, v)
}

// authed resolves the bearer token before calling h.
func (a *API) authed(h authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			a.respondError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authentication required")
			return
		}
		id, err := a.Auth.Authenticate(r.Context(), strings.TrimSpace(token))
		if errors.Is(err, ErrInvalidToken) {
			a.respondError(w, http.StatusUnauthorized, err, "Invalid token")
			return
		}
		if err != nil {
			a.respondError(w, http.StatusInternalServerError, err, "Could not authenticate")
			return
		}
		h(w, r, id)
	}
}

// admin is authed restricted to administrators.
func (a *API) admin(h authedFunc) http.HandlerFunc {
	return a.authed(func(w http.ResponseWriter, r *http.Request, id Identity) {
		if !id.IsAdmin {
			a.respondError(w, http.StatusForbidden, errors.New("not an admin: "+id.UserID), "Admin access required")
			return
		}
		h(w, r, id)
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}
	if err := a.DB.Ping(r.Context()); err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err, "Database unavailable")
		return
	}
	a.respond(w, http.StatusOK, response{Status: "ok"})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			Username string `json:"username" validate:"required"`
			Password string `json:"password" validate:"required"`
		}
		response struct {
			Token string `json:"token"`
			User  User   `json:"user"`
		}
	)

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	u, token, err := a.Auth.Login(r.Context(), body.Username, body.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		a.respondError(w, http.StatusUnauthorized, err, "Invalid credentials")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not log in")
		return
	}
	a.respond(w, http.StatusOK, response{Token: token, User: u})
}

func (a *API) register(w http.ResponseWriter, r *http.Request, _ Identity) {
	type request struct {
		Username    string `json:"username" validate:"required,min=2,max=32,handle"`
		DisplayName string `json:"displayName" validate:"required,min=1,max=64"`
		Password    string `json:"password" validate:"required,min=8"`
		IsAdmin     bool   `json:"isAdmin"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	u, err := a.Auth.Register(r.Context(), NewUser{
		Username:    body.Username,
		DisplayName: body.DisplayName,
		IsAdmin:     body.IsAdmin,
	}, body.Password)
	if errors.Is(err, ErrConflict) {
		a.respondError(w, http.StatusConflict, err, "Username already taken")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not register user")
		return
	}
	a.respond(w, http.StatusCreated, u)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, _ Identity) {
	users, err := a.DB.ListUsers(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list users")
		return
	}
	if users == nil {
		users = []User{}
	}
	a.respond(w, http.StatusOK, users)
}

func (a *API) me(w http.ResponseWriter, r *http.Request, id Identity) {
	u, err := a.DB.GetUser(r.Context(), id.UserID)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, "User not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not get user")
		return
	}
	a.respond(w, http.StatusOK, u)
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request, id Identity) {
	convs, err := a.DB.ListConversations(r.Context(), id.UserID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list conversations")
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	a.respond(w, http.StatusOK, convs)
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request, id Identity) {
	type request struct {
		Type        string   `json:"type" validate:"required,oneof=dm group"`
		OtherUserID string   `json:"otherUserId" validate:"required_if=Type dm"`
		Name        string   `json:"name" validate:"required_if=Type group,max=64"`
		MemberIDs   []string `json:"memberIds"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	if body.Type == "dm" {
		a.createDirect(w, r, id, body.OtherUserID)
		return
	}
	if len(body.MemberIDs) < 2 {
		a.respondError(w, http.StatusBadRequest, errors.New("too few members"), "A group needs at least 2 other members")
		return
	}

	memberIDs := []string{id.UserID}
	for _, m := range body.MemberIDs {
		if !slices.Contains(memberIDs, m) {
			memberIDs = append(memberIDs, m)
		}
	}
	for _, m := range memberIDs[1:] {
		if !a.userExists(w, r, m) {
			return
		}
	}
	name := strings.TrimSpace(body.Name)
	conv, err := a.DB.CreateConversation(r.Context(), NewConversation{
		Name:      &name,
		IsGroup:   true,
		MemberIDs: memberIDs,
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not create conversation")
		return
	}
	a.respond(w, http.StatusCreated, conv)
}

// createDirect returns the existing direct conversation between two humans,
// or creates one. Every request for a direct conversation with the
// assistant starts a new one.
func (a *API) createDirect(w http.ResponseWriter, r *http.Request, id Identity, other string) {
	if other == id.UserID {
		a.respondError(w, http.StatusBadRequest, errors.New("dm with self"), "Cannot start a conversation with yourself")
		return
	}
	if !a.userExists(w, r, other) {
		return
	}

	if other != BotUserID {
		a.dmMu.Lock()
		defer a.dmMu.Unlock()
		conv, err := a.DB.FindDirectConversation(r.Context(), id.UserID, other)
		if err == nil {
			a.respond(w, http.StatusOK, conv)
			return
		}
		if !errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusInternalServerError, err, "Could not create conversation")
			return
		}
	}

	conv, err := a.DB.CreateConversation(r.Context(), NewConversation{
		MemberIDs: []string{id.UserID, other},
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not create conversation")
		return
	}
	a.respond(w, http.StatusCreated, conv)
}

func (a *API) userExists(w http.ResponseWriter, r *http.Request, userID string) bool {
	_, err := a.DB.GetUser(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusBadRequest, err, "Unknown user "+userID)
		return false
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not create conversation")
		return false
	}
	return true
}

// member responds 404 unless the user belongs to the conversation.
func (a *API) member(w http.ResponseWriter, r *http.Request, userID, conversationID string) bool {
	ok, err := a.DB.IsMember(r.Context(), userID, conversationID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not check membership")
		return false
	}
	if !ok {
		a.respondError(w, http.StatusNotFound, errors.New("not a member of "+conversationID), "Conversation not found")
		return false
	}
	return true
}

// validID responds 400 unless v is a UUID. Ids reach Postgres as uuid
// parameters and would fail there otherwise.
func (a *API) validID(w http.ResponseWriter, name, v string) bool {
	if errs := a.Val.Validate(v, "uuid"); len(errs) > 0 {
		a.respondError(w, http.StatusBadRequest, fmt.Errorf("bad %s %q", name, v), name+" must be a UUID")
		return false
	}
	return true
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request, id Identity) {
	convID := r.PathValue("id")
	if !a.validID(w, "id", convID) {
		return
	}
	if !a.member(w, r, id.UserID, convID) {
		return
	}
	conv, err := a.DB.GetConversation(r.Context(), convID)
	if errors.Is(err, ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, "Conversation not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not get conversation")
		return
	}
	a.respond(w, http.StatusOK, conv)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request, id Identity) {
	q := r.URL.Query()
	convID := q.Get("conversationId")
	if convID == "" {
		a.respondError(w, http.StatusBadRequest, errors.New("missing conversationId"), "conversationId required")
		return
	}
	if !a.validID(w, "conversationId", convID) {
		return
	}
	cursor := q.Get("cursor")
	if cursor != "" && !a.validID(w, "cursor", cursor) {
		return
	}
	limit := defaultPageSize
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			a.respondError(w, http.StatusBadRequest, errors.New("bad limit "+s), "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}
	if !a.member(w, r, id.UserID, convID) {
		return
	}

	page, err := a.DB.ListMessages(r.Context(), convID, cursor, limit)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list messages")
		return
	}
	a.Logger.Info("Got messages from DB", "count", len(page.Messages))
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	a.respond(w, http.StatusOK, page)
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request, _ Identity) {
	a.respond(w, http.StatusOK, a.Settings.Current())
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request, id Identity) {
	var body BotSettingsPatch
	if !a.decodeBody(w, r, &body) {
		return
	}
	s, err := a.Settings.Update(r.Context(), body)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not update settings")
		return
	}
	a.Logger.Info("Bot settings updated", "by", id.UserID, "thinkMode", s.ThinkMode, "model", s.Model)
	a.respond(w, http.StatusOK, s)
}

func (a *API) listModels(w http.ResponseWriter, r *http.Request, _ Identity) {
	type response struct {
		Models []string `json:"models"`
	}
	if a.Models == nil {
		a.respondError(w, http.StatusServiceUnavailable, errors.New("no model provider"), "AI assistant is unavailable")
		return
	}
	models, err := a.Models.ListModels(r.Context())
	if err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err, "AI assistant is unavailable")
		return
	}
	if models == nil {
		models = []string{}
	}
	a.respond(w, http.StatusOK, response{Models: models})
}

func (a *API) pushPublicKey(w http.ResponseWriter, r *http.Request) {
	type response struct {
		PublicKey string `json:"publicKey"`
	}
	if a.Push == nil || a.Push.PublicKey() == "" {
		a.respondError(w, http.StatusServiceUnavailable, errors.New("no VAPID key"), "Push not initialized")
		return
	}
	a.respond(w, http.StatusOK, response{PublicKey: a.Push.PublicKey()})
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request, id Identity) {
	type request struct {
		Endpoint string `json:"endpoint" validate:"required,url"`
		Keys     struct {
			P256dh string `json:"p256dh" validate:"required"`
			Auth   string `json:"auth" validate:"required"`
		} `json:"keys"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	err := a.DB.SavePushSubscription(r.Context(), PushSubscription{
		UserID:   id.UserID,
		Endpoint: body.Endpoint,
		P256dh:   body.Keys.P256dh,
		Auth:     body.Keys.Auth,
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request, id Identity) {
	type request struct {
		Endpoint string `json:"endpoint" validate:"required"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := a.DB.DeletePushSubscription(r.Context(), id.UserID, body.Endpoint); err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
