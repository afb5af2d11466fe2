package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a per-conversation list of ISO-8601 timestamps of the bot's own
// replies, used to rate limit them.
type Window struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewWindow(rdb *redis.Client, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{rdb: rdb, log: logger}
}

// Count returns how many recorded replies fall within span before now.
func (w *Window) Count(ctx context.Context, conversation string, now time.Time, span time.Duration) (int, error) {
	key := RazzleKey(conversation)
	vals, err := w.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("range %s: %w", key, err)
	}
	count := 0
	for _, v := range vals {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			w.log.Warn("skipping bad window entry", slog.String("key", key), slog.String("value", v))
			continue
		}
		if now.Sub(t) < span {
			count++
		}
	}
	return count, nil
}

// Push records a reply made at t and keeps the newest keep entries. keep
// must be at least the limit Count is compared against.
func (w *Window) Push(ctx context.Context, conversation string, t time.Time, keep int) error {
	key := RazzleKey(conversation)
	keep = max(keep, 1)
	_, err := w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, t.UTC().Format(time.RFC3339Nano))
		p.LTrim(ctx, key, 0, int64(keep-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}
