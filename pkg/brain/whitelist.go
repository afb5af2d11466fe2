package brain

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/roboricindustries/razzler/pkg/filelock"
)

// WhitelistKey is the Redis set of whitelisted public group ids.
const WhitelistKey = "whitelisted_groups"

// Whitelist is the set of groups the bot answers in. Redis holds the fast
// path; the JSON file is the source of truth across restarts.
type Whitelist struct {
	rdb  *redis.Client
	path string
	log  *slog.Logger
}

func NewWhitelist(rdb *redis.Client, path string, logger *slog.Logger) *Whitelist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Whitelist{rdb: rdb, path: path, log: logger}
}

// Load seeds the Redis set from the file, creating an empty file when
// there is none.
func (w *Whitelist) Load(ctx context.Context) ([]string, error) {
	groups := []string{}
	err := filelock.MutateJSON(ctx, w.path, &groups, func(*[]string) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	if len(groups) > 0 {
		members := make([]any, len(groups))
		for i, g := range groups {
			members[i] = g
		}
		if err := w.rdb.SAdd(ctx, WhitelistKey, members...).Err(); err != nil {
			return nil, fmt.Errorf("seed %s: %w", WhitelistKey, err)
		}
	}
	w.log.Info("whitelist loaded", slog.Int("groups", len(groups)), slog.Any("group_ids", groups))
	return groups, nil
}

func (w *Whitelist) Contains(ctx context.Context, groupID string) (bool, error) {
	ok, err := w.rdb.SIsMember(ctx, WhitelistKey, groupID).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", WhitelistKey, err)
	}
	return ok, nil
}

// Add whitelists a group; adding twice is a no-op.
func (w *Whitelist) Add(ctx context.Context, groupID string) error {
	if err := w.rdb.SAdd(ctx, WhitelistKey, groupID).Err(); err != nil {
		return fmt.Errorf("add to %s: %w", WhitelistKey, err)
	}
	groups := []string{}
	return filelock.MutateJSON(ctx, w.path, &groups, func(g *[]string) error {
		if !slices.Contains(*g, groupID) {
			*g = append(*g, groupID)
		}
		return nil
	})
}

// Remove drops a group; removing an absent group is a no-op.
func (w *Whitelist) Remove(ctx context.Context, groupID string) error {
	if err := w.rdb.SRem(ctx, WhitelistKey, groupID).Err(); err != nil {
		return fmt.Errorf("remove from %s: %w", WhitelistKey, err)
	}
	groups := []string{}
	return filelock.MutateJSON(ctx, w.path, &groups, func(g *[]string) error {
		*g = slices.DeleteFunc(*g, func(id string) bool { return id == groupID })
		return nil
	})
}
