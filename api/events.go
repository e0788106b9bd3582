package api

import "encoding/json"

// Realtime event names sent by clients.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventToggleReaction = "toggle_reaction"
)

// Realtime event names sent by the server.
const (
	EventAck               = "ack"
	EventNewMessage        = "new_message"
	EventStreamStart       = "message_stream_start"
	EventStreamThinkChunk  = "message_stream_think_chunk"
	EventStreamChunk       = "message_stream_chunk"
	EventStreamEnd         = "message_stream_end"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventReactionUpdated   = "reaction_updated"
	EventError             = "error"
	EventBotError          = "bot_error"
)

// Error codes carried by EventError and failed acks.
const (
	CodeNotMember   = "NOT_MEMBER"
	CodeNotFound    = "NOT_FOUND"
	CodeRateLimited = "RATE_LIMITED"
	CodeEmptyBody   = "EMPTY_BODY"
	CodeInvalid     = "INVALID_PAYLOAD"
	CodeInternal    = "INTERNAL"
)

// A Frame is one realtime message in either direction. A client request
// that carries an ID is answered with an ack frame echoing it.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomRequest is the payload of join_room, leave_room and typing events.
type RoomRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

// SendMessageRequest is the payload of send_message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	Body           string `json:"body"`
}

// ToggleReactionRequest is the payload of toggle_reaction.
type ToggleReactionRequest struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// Ack answers a client request that carried an id.
type Ack struct {
	OK      bool     `json:"ok"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type NewMessageEvent struct {
	Message Message `json:"message"`
}

type StreamStartEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Sender         User   `json:"sender"`
	ThinkMode      bool   `json:"thinkMode"`
}

type StreamChunkEvent struct {
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
}

type StreamEndEvent struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
	Failed    bool   `json:"failed,omitempty"`
}

type TypingEvent struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	ConversationID string `json:"conversationId"`
}

type ReactionUpdatedEvent struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BotErrorEvent struct {
	Message string `json:"message"`
}
