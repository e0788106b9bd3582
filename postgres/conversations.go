package postgres

import (
	"context"
	"fmt"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/uptrace/bun"
)

// IsMember reports whether the user belongs to the conversation.
func (pg *Postgres) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model((*member)(nil)).
		Where("cm.user_id = ?", userID).
		Where("cm.conversation_id = ?", conversationID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return ok, nil
}

// MemberIDs returns the ids of every member of the conversation.
func (pg *Postgres) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	if err := pg.bun.NewSelect().
		Model((*member)(nil)).
		Column("user_id").
		Where("cm.conversation_id = ?", conversationID).
		Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return ids, nil
}

// IsGroup reports whether the conversation is a group conversation.
func (pg *Postgres) IsGroup(ctx context.Context, conversationID string) (bool, error) {
	var isGroup bool
	if err := pg.bun.NewSelect().
		Model((*conversation)(nil)).
		Column("is_group").
		Where("c.id = ?", conversationID).
		Scan(ctx, &isGroup); err != nil {
		return false, fmt.Errorf("get conversation %s: %w", conversationID, notFound(err))
	}
	return isGroup, nil
}

// GetConversation returns the conversation with its members.
func (pg *Postgres) GetConversation(ctx context.Context, id string) (api.Conversation, error) {
	c := new(conversation)
	if err := pg.bun.NewSelect().
		Model(c).
		Relation("Members").
		Where("c.id = ?", id).
		Scan(ctx); err != nil {
		return api.Conversation{}, fmt.Errorf("get conversation %s: %w", id, notFound(err))
	}
	return c.APIConversation(), nil
}

// ListConversations returns the user's conversations, newest first, each with
// its members and latest message.
func (pg *Postgres) ListConversations(ctx context.Context, userID string) ([]api.Conversation, error) {
	var convs []conversation
	if err := pg.bun.NewSelect().
		Model(&convs).
		Relation("Members").
		Where("c.id IN (?)", pg.bun.NewSelect().
			Model((*member)(nil)).
			Column("conversation_id").
			Where("cm.user_id = ?", userID)).
		Order("c.created_at DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if len(convs) == 0 {
		return []api.Conversation{}, nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	var last []message
	if err := pg.bun.NewSelect().
		Model(&last).
		Relation("Sender").
		DistinctOn("m.conversation_id").
		Where("m.conversation_id IN (?)", bun.In(ids)).
		OrderExpr("m.conversation_id, m.created_at DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan last messages: %w", err)
	}
	byConv := make(map[string]api.Message, len(last))
	for _, m := range last {
		byConv[m.ConversationID] = m.APIMessage()
	}

	out := make([]api.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.APIConversation()
		if m, ok := byConv[c.ID]; ok {
			out[i].LastMessage = &m
		}
	}
	return out, nil
}

// FindDirectConversation returns the non-group conversation whose only two
// members are a and b, or api.ErrNotFound.
func (pg *Postgres) FindDirectConversation(ctx context.Context, a, b string) (api.Conversation, error) {
	c := new(conversation)
	memberOf := func(userID string) *bun.SelectQuery {
		return pg.bun.NewSelect().
			Model((*member)(nil)).
			ColumnExpr("1").
			Where("cm.conversation_id = c.id").
			Where("cm.user_id = ?", userID)
	}
	err := pg.bun.NewSelect().
		Model(c).
		Relation("Members").
		Where("NOT c.is_group").
		Where("EXISTS (?)", memberOf(a)).
		Where("EXISTS (?)", memberOf(b)).
		Where("(SELECT count(*) FROM conversation_members AS x WHERE x.conversation_id = c.id) = 2").
		Order("c.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return api.Conversation{}, fmt.Errorf("find direct conversation: %w", notFound(err))
	}
	return c.APIConversation(), nil
}

// CreateConversation inserts a conversation and its members in one
// transaction.
func (pg *Postgres) CreateConversation(ctx context.Context, nc api.NewConversation) (api.Conversation, error) {
	c := &conversation{IsGroup: nc.IsGroup}
	if nc.Name != nil {
		c.Name = *nc.Name
	}
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(c).Returning("*").Exec(ctx); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		members := make([]member, len(nc.MemberIDs))
		for i, id := range nc.MemberIDs {
			members[i] = member{ConversationID: c.ID, UserID: id}
		}
		if _, err := tx.NewInsert().Model(&members).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		return nil
	})
	if err != nil {
		return api.Conversation{}, err
	}
	return pg.GetConversation(ctx, c.ID)
}
