package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/snie2012/family-chat-local-ai/api"
)

// Redis provides caching in Redis.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli), nil
}

// New wraps an existing client.
func New(cli *redis.Client) *Redis {
	return &Redis{cli: cli}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	messagePrefix      = "messages"
	conversationPrefix = "conversations"
	maxSize            = 50
	ttl                = 24 * time.Hour
)

func messageKey(id string) string {
	return fmt.Sprintf("%s:%s", messagePrefix, id)
}

func timelineKey(conversationID string) string {
	return fmt.Sprintf("%s:%s:messages", conversationPrefix, conversationID)
}

// RecentMessages returns up to limit of the newest cached messages of the
// conversation, oldest first.
func (r *Redis) RecentMessages(ctx context.Context, conversationID string, limit int) ([]api.Message, error) {
	keys, err := r.cli.ZRevRange(ctx, timelineKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	cmds, err := r.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make([]api.Message, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		cmd := cmds[i].(*redis.MapStringStringCmd)
		if len(cmd.Val()) == 0 {
			// Hash expired before the timeline entry; skip it.
			continue
		}
		var msg message
		if err := cmd.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, msg.APIMessage())
	}
	return out, nil
}

// InsertMessage stores the message under messages:MESSAGE_ID and adds the key
// to the conversation's sorted timeline, keeping at most maxSize entries.
func (r *Redis) InsertMessage(ctx context.Context, msg api.Message) error {
	m := newMessage(msg)
	key := messageKey(m.ID)
	timeline := timelineKey(m.ConversationID)

	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, m)
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, timeline, redis.Z{
			Score:  float64(m.CreatedAt),
			Member: key,
		})
		pipe.Expire(ctx, timeline, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	if err := r.evictOldest(ctx, timeline); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

func (r *Redis) evictOldest(ctx context.Context, timeline string) error {
	vals, err := r.cli.ZRange(ctx, timeline, 0, int64(-maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}

	members := make([]any, len(vals))
	for i, v := range vals {
		members[i] = v
	}
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, timeline, members...)
		pipe.Del(ctx, vals...)
		return nil
	})
	return err
}
