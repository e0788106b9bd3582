package postgres

import (
	"context"
	"fmt"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/uptrace/bun"
)

// LoadSettings returns every persisted setting keyed by name.
func (pg *Postgres) LoadSettings(ctx context.Context) (map[string]string, error) {
	var rows []setting
	if err := pg.bun.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SaveSettings upserts the given settings in a single statement.
func (pg *Postgres) SaveSettings(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	rows := make([]setting, 0, len(kv))
	for k, v := range kv {
		rows = append(rows, setting{Key: k, Value: v})
	}
	if _, err := pg.bun.NewInsert().
		Model(&rows).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// SavePushSubscription stores a push endpoint, moving it to the given user if
// the endpoint was registered before.
func (pg *Postgres) SavePushSubscription(ctx context.Context, sub api.PushSubscription) error {
	row := &pushSubscription{
		Endpoint: sub.Endpoint,
		UserID:   sub.UserID,
		P256dh:   sub.P256dh,
		Auth:     sub.Auth,
	}
	if _, err := pg.bun.NewInsert().
		Model(row).
		On("CONFLICT (endpoint) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("p256dh = EXCLUDED.p256dh").
		Set("auth = EXCLUDED.auth").
		Exec(ctx); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// DeletePushSubscription removes one of the user's endpoints.
func (pg *Postgres) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if _, err := pg.bun.NewDelete().
		Model((*pushSubscription)(nil)).
		Where("user_id = ?", userID).
		Where("endpoint = ?", endpoint).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// PushSubscriptions returns the endpoints registered by any of the users.
func (pg *Postgres) PushSubscriptions(ctx context.Context, userIDs []string) ([]api.PushSubscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []pushSubscription
	if err := pg.bun.NewSelect().
		Model(&rows).
		Where("ps.user_id IN (?)", bun.In(userIDs)).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.PushSubscription, len(rows))
	for i, r := range rows {
		out[i] = r.APIPushSubscription()
	}
	return out, nil
}

// DeletePushSubscriptions removes endpoints regardless of owner.
func (pg *Postgres) DeletePushSubscriptions(ctx context.Context, endpoints []string) error {
	if len(endpoints) == 0 {
		return nil
	}
	if _, err := pg.bun.NewDelete().
		Model((*pushSubscription)(nil)).
		Where("endpoint IN (?)", bun.In(endpoints)).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
