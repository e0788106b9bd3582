// Package bot decides when the assistant answers a message and streams its
// answers into the conversation.
package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/snie2012/family-chat-local-ai/api"
)

// DefaultName is the assistant's display name when its user row is missing.
const DefaultName = "AI Assistant"

// Aliases that mention the assistant in a group regardless of its display
// name.
var mentionAliases = []string{"@ai assistant", "@ai", "@bot"}

// ShouldRespond reports whether the assistant answers body. It never answers
// in conversations it is not part of and always answers in direct ones. In
// groups it answers only when mentioned with an "@" prefix, ignoring case.
func ShouldRespond(botIsMember, isGroup bool, botName, body string) bool {
	if !botIsMember {
		return false
	}
	if !isGroup {
		return true
	}
	return Mentioned(botName, body)
}

// Mentioned reports whether body mentions the assistant by name or alias.
func Mentioned(botName, body string) bool {
	lower := strings.ToLower(body)
	if botName != "" && strings.Contains(lower, "@"+strings.ToLower(botName)) {
		return true
	}
	for _, alias := range mentionAliases {
		if strings.Contains(lower, alias) {
			return true
		}
	}
	return false
}

// A PolicyStore answers the membership questions the policy needs.
type PolicyStore interface {
	IsMember(ctx context.Context, userID, conversationID string) (bool, error)
	IsGroup(ctx context.Context, conversationID string) (bool, error)
	GetUser(ctx context.Context, id string) (api.User, error)
}

// Policy gathers the facts for ShouldRespond from persisted state.
type Policy struct {
	Store PolicyStore
}

// ShouldRespond reports whether the assistant answers body sent to the
// conversation.
func (p *Policy) ShouldRespond(ctx context.Context, conversationID, body string) (bool, error) {
	member, err := p.Store.IsMember(ctx, api.BotUserID, conversationID)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	if !member {
		return false, nil
	}

	group, err := p.Store.IsGroup(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("is group: %w", err)
	}
	if !group {
		return true, nil
	}

	name := DefaultName
	u, err := p.Store.GetUser(ctx, api.BotUserID)
	if err == nil && u.DisplayName != "" {
		name = u.DisplayName
	}
	return ShouldRespond(true, true, name, body), nil
}
