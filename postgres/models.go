package postgres

import (
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/uptrace/bun"
)

type user struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           string    `bun:",pk,default:gen_random_uuid()"`
	Username     string    `bun:",unique,notnull"`
	DisplayName  string    `bun:",notnull"`
	PasswordHash string    `bun:",nullzero"`
	IsBot        bool      `bun:",notnull,default:false"`
	IsAdmin      bool      `bun:",notnull,default:false"`
	AvatarColor  string    `bun:",nullzero"`
	CreatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type conversation struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID        string    `bun:",pk,type:uuid,default:gen_random_uuid()"`
	Name      string    `bun:",nullzero"`
	IsGroup   bool      `bun:",notnull,default:false"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	Members   []user    `bun:"m2m:conversation_members,join:Conversation=User"`
}

// member is the join row between users and conversations.
type member struct {
	bun.BaseModel `bun:"table:conversation_members,alias:cm"`

	ConversationID string        `bun:",pk,type:uuid"`
	Conversation   *conversation `bun:"rel:belongs-to,join:conversation_id=id"`
	UserID         string        `bun:",pk"`
	User           *user         `bun:"rel:belongs-to,join:user_id=id"`
}

type message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID             string     `bun:",pk,type:uuid,default:gen_random_uuid()"`
	ConversationID string     `bun:",type:uuid,notnull"`
	SenderID       string     `bun:",notnull"`
	Sender         *user      `bun:"rel:belongs-to,join:sender_id=id"`
	Body           string     `bun:",notnull"`
	IsStreaming    bool       `bun:",notnull,default:false"`
	Failed         bool       `bun:",notnull,default:false"`
	CreatedAt      time.Time  `bun:",nullzero,notnull,default:clock_timestamp()"`
	Reactions      []reaction `bun:"rel:has-many,join:id=message_id"`
}

type reaction struct {
	bun.BaseModel `bun:"table:message_reactions,alias:r"`

	MessageID string    `bun:",pk,type:uuid"`
	UserID    string    `bun:",pk"`
	Emoji     string    `bun:",pk"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:clock_timestamp()"`
}

type setting struct {
	bun.BaseModel `bun:"table:settings,alias:s"`

	Key   string `bun:",pk"`
	Value string `bun:",notnull"`
}

type pushSubscription struct {
	bun.BaseModel `bun:"table:push_subscriptions,alias:ps"`

	Endpoint  string    `bun:",pk"`
	UserID    string    `bun:",notnull"`
	P256dh    string    `bun:"p256dh,notnull"`
	Auth      string    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

func (u user) APIUser() api.User {
	out := api.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		IsBot:       u.IsBot,
		IsAdmin:     u.IsAdmin,
		CreatedAt:   u.CreatedAt,
	}
	if u.AvatarColor != "" {
		color := u.AvatarColor
		out.AvatarColor = &color
	}
	return out
}

func (c conversation) APIConversation() api.Conversation {
	members := make([]api.User, len(c.Members))
	for i, u := range c.Members {
		members[i] = u.APIUser()
	}
	out := api.Conversation{
		ID:        c.ID,
		IsGroup:   c.IsGroup,
		CreatedAt: c.CreatedAt,
		Members:   members,
	}
	if c.Name != "" {
		name := c.Name
		out.Name = &name
	}
	return out
}

func (m message) APIMessage() api.Message {
	reactions := make([]api.Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		reactions[i] = r.APIReaction()
	}
	out := api.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		IsStreaming:    m.IsStreaming,
		Failed:         m.Failed,
		CreatedAt:      m.CreatedAt,
		Reactions:      reactions,
	}
	if m.Sender != nil {
		out.Sender = m.Sender.APIUser()
	}
	return out
}

func (r reaction) APIReaction() api.Reaction {
	return api.Reaction{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: r.CreatedAt,
	}
}

func (s pushSubscription) APIPushSubscription() api.PushSubscription {
	return api.PushSubscription{
		UserID:   s.UserID,
		Endpoint: s.Endpoint,
		P256dh:   s.P256dh,
		Auth:     s.Auth,
	}
}
