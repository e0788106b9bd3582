package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/uptrace/bun"
)

// CreateMessage inserts a message and returns it with the generated fields
// and the sender projection filled in.
func (pg *Postgres) CreateMessage(ctx context.Context, msg api.Message) (api.Message, error) {
	m := &message{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		IsStreaming:    msg.IsStreaming,
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return api.Message{}, fmt.Errorf("insert: %w", err)
	}
	return pg.GetMessage(ctx, m.ID)
}

// GetMessage returns the message with its sender and reactions.
func (pg *Postgres) GetMessage(ctx context.Context, id string) (api.Message, error) {
	m := new(message)
	if err := pg.bun.NewSelect().
		Model(m).
		Relation("Sender").
		Relation("Reactions", orderReactions).
		Where("m.id = ?", id).
		Scan(ctx); err != nil {
		return api.Message{}, fmt.Errorf("get message %s: %w", id, notFound(err))
	}
	return m.APIMessage(), nil
}

// UpdateMessage applies the non-nil fields of u and returns the updated
// message.
func (pg *Postgres) UpdateMessage(ctx context.Context, id string, u api.MessageUpdate) (api.Message, error) {
	q := pg.bun.NewUpdate().Model((*message)(nil)).Where("id = ?", id)
	if u.Body != nil {
		q = q.Set("body = ?", *u.Body)
	}
	if u.IsStreaming != nil {
		q = q.Set("is_streaming = ?", *u.IsStreaming)
	}
	if u.Failed != nil {
		q = q.Set("failed = ?", *u.Failed)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return api.Message{}, fmt.Errorf("update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return api.Message{}, fmt.Errorf("update message %s: %w", id, api.ErrNotFound)
	}
	return pg.GetMessage(ctx, id)
}

// RecentMessages returns up to limit of the latest finished messages of the
// conversation, oldest first.
func (pg *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]api.Message, error) {
	var msgs []message
	if err := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Sender").
		Where("m.conversation_id = ?", conversationID).
		Where("NOT m.is_streaming").
		Where("NOT m.failed").
		OrderExpr("m.created_at DESC, m.id DESC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m.APIMessage()
	}
	return out, nil
}

// CountMessagesSince returns how many finished messages of the conversation
// were created at or after since.
func (pg *Postgres) CountMessagesSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	n, err := pg.bun.NewSelect().
		Model((*message)(nil)).
		Where("m.conversation_id = ?", conversationID).
		Where("NOT m.is_streaming").
		Where("NOT m.failed").
		Where("m.created_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// ListMessages returns one page of history. Pages are taken newest first
// starting before cursor (a message id) and returned in chronological order.
func (pg *Postgres) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (api.MessagePage, error) {
	var msgs []message
	q := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Sender").
		Relation("Reactions", orderReactions).
		Where("m.conversation_id = ?", conversationID).
		OrderExpr("m.created_at DESC, m.id DESC").
		Limit(limit + 1)
	if cursor != "" {
		q = q.Where("(m.created_at, m.id) < (SELECT x.created_at, x.id FROM messages AS x WHERE x.id = ?)", cursor)
	}
	if err := q.Scan(ctx); err != nil {
		return api.MessagePage{}, fmt.Errorf("scan: %w", err)
	}

	page := api.MessagePage{Messages: []api.Message{}}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next := msgs[limit-1].ID
		page.NextCursor = &next
	}
	page.Messages = make([]api.Message, len(msgs))
	for i, m := range msgs {
		page.Messages[len(msgs)-1-i] = m.APIMessage()
	}
	return page, nil
}

// StaleStreams returns messages still marked as streaming that were created
// before cutoff.
func (pg *Postgres) StaleStreams(ctx context.Context, cutoff time.Time) ([]api.Message, error) {
	var msgs []message
	if err := pg.bun.NewSelect().
		Model(&msgs).
		Where("m.is_streaming").
		Where("m.created_at < ?", cutoff).
		Order("m.created_at ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}
	return out, nil
}

// FailStream marks a message that is still streaming as finished and failed.
// It reports false, without error, when the message is no longer streaming.
func (pg *Postgres) FailStream(ctx context.Context, id string) (api.Message, bool, error) {
	res, err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("is_streaming = FALSE").
		Set("failed = TRUE").
		Where("id = ?", id).
		Where("is_streaming").
		Exec(ctx)
	if err != nil {
		return api.Message{}, false, fmt.Errorf("update: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return api.Message{}, false, err
	}
	m, err := pg.GetMessage(ctx, id)
	if err != nil {
		return api.Message{}, false, err
	}
	return m, true, nil
}

// ToggleReaction removes the (message, user, emoji) reaction if it exists and
// adds it otherwise. It returns the full reaction set of the message after
// the change.
func (pg *Postgres) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]api.Reaction, error) {
	var rs []reaction
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*reaction)(nil)).
			Where("message_id = ?", messageID).
			Where("user_id = ?", userID).
			Where("emoji = ?", emoji).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			r := &reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
			if _, err := tx.NewInsert().Model(r).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("insert reaction: %w", err)
			}
		}
		return tx.NewSelect().
			Model(&rs).
			Where("r.message_id = ?", messageID).
			OrderExpr("r.created_at ASC").
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]api.Reaction, len(rs))
	for i, r := range rs {
		out[i] = r.APIReaction()
	}
	return out, nil
}

func orderReactions(q *bun.SelectQuery) *bun.SelectQuery {
	return q.OrderExpr("r.created_at ASC")
}
