package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	db.RegisterModel((*member)(nil))
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the underlying connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// Ping reports whether the database is reachable.
func (pg *Postgres) Ping(ctx context.Context) error {
	return pg.bun.PingContext(ctx)
}

// Migrate creates the schema if it does not exist yet.
func (pg *Postgres) Migrate(ctx context.Context) error {
	tables := []struct {
		model any
		fks   []string
	}{
		{model: (*user)(nil)},
		{model: (*conversation)(nil)},
		{model: (*member)(nil), fks: []string{
			`("conversation_id") REFERENCES "conversations" ("id") ON DELETE CASCADE`,
			`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`,
		}},
		{model: (*message)(nil), fks: []string{
			`("conversation_id") REFERENCES "conversations" ("id") ON DELETE CASCADE`,
			`("sender_id") REFERENCES "users" ("id")`,
		}},
		{model: (*reaction)(nil), fks: []string{
			`("message_id") REFERENCES "messages" ("id") ON DELETE CASCADE`,
			`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`,
		}},
		{model: (*setting)(nil)},
		{model: (*pushSubscription)(nil), fks: []string{
			`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`,
		}},
	}
	for _, t := range tables {
		q := pg.bun.NewCreateTable().Model(t.model).IfNotExists()
		for _, fk := range t.fks {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []*bun.CreateIndexQuery{
		pg.bun.NewCreateIndex().Model((*message)(nil)).Index("messages_conversation_created_idx").
			IfNotExists().Column("conversation_id", "created_at"),
		pg.bun.NewCreateIndex().Model((*message)(nil)).Index("messages_streaming_idx").
			IfNotExists().Column("created_at").Where("is_streaming"),
		pg.bun.NewCreateIndex().Model((*member)(nil)).Index("conversation_members_user_idx").
			IfNotExists().Column("user_id"),
		pg.bun.NewCreateIndex().Model((*pushSubscription)(nil)).Index("push_subscriptions_user_idx").
			IfNotExists().Column("user_id"),
	}
	for _, q := range indexes {
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// SeedOptions describes the users created on first start.
type SeedOptions struct {
	BotDisplayName    string
	AdminUsername     string
	AdminDisplayName  string
	AdminPasswordHash string
}

// Seed creates the assistant user and the initial admin if they are missing.
// Existing rows are left untouched.
func (pg *Postgres) Seed(ctx context.Context, opts SeedOptions) error {
	bot := &user{
		ID:          api.BotUserID,
		Username:    "ai",
		DisplayName: opts.BotDisplayName,
		IsBot:       true,
		AvatarColor: "#6366f1",
	}
	if _, err := pg.bun.NewInsert().Model(bot).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}

	admin := &user{
		Username:     opts.AdminUsername,
		DisplayName:  opts.AdminDisplayName,
		PasswordHash: opts.AdminPasswordHash,
		IsAdmin:      true,
		AvatarColor:  "#10b981",
	}
	if _, err := pg.bun.NewInsert().Model(admin).On("CONFLICT (username) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

// notFound maps sql.ErrNoRows onto api.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}
