package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const limiterPrefix = "ratelimit:send"

// slidingWindow trims timestamps at or before the cutoff ARGV[2], then admits
// the attempt only while fewer than ARGV[3] remain. Running it as a script keeps
// the check and the insert atomic across processes.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Limiter is a sliding-window admission control shared by every process
// that talks to the same Redis server.
type Limiter struct {
	Logger *slog.Logger
	Max    int
	Window time.Duration

	cli *redis.Client
	now func() time.Time
}

// NewLimiter returns a Limiter admitting max attempts per user per window.
func (r *Redis) NewLimiter(logger *slog.Logger, max int, window time.Duration) *Limiter {
	return &Limiter{
		Logger: logger,
		Max:    max,
		Window: window,
		cli:    r.cli,
		now:    time.Now,
	}
}

// Admit records an attempt by userID and reports whether it is allowed. When
// Redis is unavailable the attempt is admitted.
func (l *Limiter) Admit(ctx context.Context, userID string) bool {
	ok, err := l.admit(ctx, userID)
	if err != nil {
		l.Logger.Error("Could not check rate limit", "user_id", userID, "error", err.Error())
		return true
	}
	return ok
}

func (l *Limiter) admit(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("%s:%s", limiterPrefix, userID)
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.cli, []string{key},
		now, now-l.Window.Milliseconds(), l.Max, fmt.Sprintf("%d-%s", now, uuid.NewString()), l.Window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("sliding window: %w", err)
	}
	return res == 1, nil
}
