package postgres

import (
	"context"
	"fmt"

	"github.com/snie2012/family-chat-local-ai/api"
)

// ListUsers returns every user, humans first, ordered by display name.
func (pg *Postgres) ListUsers(ctx context.Context) ([]api.User, error) {
	var users []user
	if err := pg.bun.NewSelect().
		Model(&users).
		OrderExpr("u.is_bot ASC, u.display_name ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]api.User, len(users))
	for i, u := range users {
		out[i] = u.APIUser()
	}
	return out, nil
}

// GetUser returns the user with the given id or api.ErrNotFound.
func (pg *Postgres) GetUser(ctx context.Context, id string) (api.User, error) {
	u := new(user)
	if err := pg.bun.NewSelect().Model(u).Where("u.id = ?", id).Scan(ctx); err != nil {
		return api.User{}, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	return u.APIUser(), nil
}

// FindCredentials returns the user with the given username together with
// its password hash. Users without a password, such as the assistant, are
// reported as api.ErrNotFound.
func (pg *Postgres) FindCredentials(ctx context.Context, username string) (api.User, string, error) {
	u := new(user)
	err := pg.bun.NewSelect().
		Model(u).
		Where("u.username = ?", username).
		Where("u.password_hash IS NOT NULL").
		Scan(ctx)
	if err != nil {
		return api.User{}, "", fmt.Errorf("find credentials: %w", notFound(err))
	}
	return u.APIUser(), u.PasswordHash, nil
}

// InsertUser creates a user. A taken username yields api.ErrConflict.
func (pg *Postgres) InsertUser(ctx context.Context, nu api.NewUser) (api.User, error) {
	u := &user{
		Username:     nu.Username,
		DisplayName:  nu.DisplayName,
		PasswordHash: nu.PasswordHash,
		IsAdmin:      nu.IsAdmin,
		AvatarColor:  nu.AvatarColor,
	}
	if _, err := pg.bun.NewInsert().Model(u).Returning("*").Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return api.User{}, fmt.Errorf("insert user %s: %w", nu.Username, api.ErrConflict)
		}
		return api.User{}, fmt.Errorf("insert: %w", err)
	}
	return u.APIUser(), nil
}
