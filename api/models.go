package api

import "time"

// BotUserID is the fixed identifier of the assistant's user row.
const BotUserID = "bot-ai-assistant"

// PendingIDPrefix marks client-side optimistic message ids.
const PendingIDPrefix = "pending-"

// MaxBodyLength is the maximum message body length in characters.
const MaxBodyLength = 4000

// A User is a person or the assistant taking part in conversations.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	IsBot       bool      `json:"isBot"`
	IsAdmin     bool      `json:"isAdmin"`
	AvatarColor *string   `json:"avatarColor"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewUser holds the fields needed to register a user.
type NewUser struct {
	Username     string
	DisplayName  string
	PasswordHash string
	IsAdmin      bool
	AvatarColor  string
}

// Identity is the authenticated principal bound to a request or connection.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	IsAdmin     bool
}

// A Conversation is either a direct conversation between two users or a
// named group.
type Conversation struct {
	ID          string    `json:"id"`
	Name        *string   `json:"name"`
	IsGroup     bool      `json:"isGroup"`
	CreatedAt   time.Time `json:"createdAt"`
	Members     []User    `json:"members"`
	LastMessage *Message  `json:"lastMessage"`
}

// NewConversation holds the fields needed to create a conversation.
type NewConversation struct {
	Name      *string
	IsGroup   bool
	MemberIDs []string
}

// A Message represents a persisted message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Sender         User       `json:"sender"`
	Body           string     `json:"body"`
	IsStreaming    bool       `json:"isStreaming"`
	Failed         bool       `json:"failed,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Reactions      []Reaction `json:"reactions"`
}

// MessageUpdate lists the mutable fields of a message. Nil fields are left
// untouched.
type MessageUpdate struct {
	Body        *string
	IsStreaming *bool
	Failed      *bool
}

// MessagePage is one page of a conversation's history in chronological
// order. NextCursor is empty when there are no older messages.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// A Reaction represents one user's emoji on a message.
type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// BotSettings configures every assistant response.
type BotSettings struct {
	ThinkMode    bool   `json:"thinkMode"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

// BotSettingsPatch is a partial update of BotSettings.
type BotSettingsPatch struct {
	ThinkMode    *bool   `json:"thinkMode"`
	Model        *string `json:"model" validate:"omitnil,min=1"`
	SystemPrompt *string `json:"systemPrompt" validate:"omitnil,min=1"`
}

// A PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	UserID   string
	Endpoint string
	P256dh   string
	Auth     string
}

// A PushNotification is the payload delivered to push endpoints.
type PushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}
