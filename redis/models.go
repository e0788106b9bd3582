package redis

import (
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
)

// A message is the cached projection of a finished message. It carries just
// enough of the sender to build a prompt.
type message struct {
	ID             string `redis:"id"`
	ConversationID string `redis:"conversation_id"`
	SenderID       string `redis:"sender_id"`
	SenderName     string `redis:"sender_name"`
	SenderIsBot    bool   `redis:"sender_is_bot"`
	Body           string `redis:"body"`
	CreatedAt      int64  `redis:"created_at"`
}

func newMessage(m api.Message) *message {
	return &message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.Sender.DisplayName,
		SenderIsBot:    m.Sender.IsBot,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.UnixNano(),
	}
}

func (m message) APIMessage() api.Message {
	return api.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Sender: api.User{
			ID:          m.SenderID,
			DisplayName: m.SenderName,
			IsBot:       m.SenderIsBot,
		},
		Body:      m.Body,
		CreatedAt: time.Unix(0, m.CreatedAt).UTC(),
		Reactions: []api.Reaction{},
	}
}
