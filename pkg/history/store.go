// Package history keeps each conversation's recent records in a Redis list,
// most recent first, capped on every write.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// ErrOriginalNotFound means a revised message had no original left in the
// visible history, e.g. it was evicted by the cap.
var ErrOriginalNotFound = errors.New("original message not in history")

type Store struct {
	rdb *redis.Client
	cap int
	log *slog.Logger
}

// NewStore returns a store capping every conversation at maxLen records.
func NewStore(rdb *redis.Client, maxLen int, logger *slog.Logger) *Store {
	if maxLen <= 0 {
		maxLen = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, cap: maxLen, log: logger}
}

func (s *Store) Cap() int { return s.cap }

// Append pushes rec to the head of the conversation's list and trims the
// tail in the same transaction.
func (s *Store) Append(ctx context.Context, conversation string, rec signal.Record) error {
	raw, err := signal.Encode(rec)
	if err != nil {
		return err
	}
	key := MessageKey(conversation)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, int64(s.cap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}
	return nil
}

// RawRange returns the stored entries, most recent first.
func (s *Store) RawRange(ctx context.Context, conversation string) ([]string, error) {
	key := MessageKey(conversation)
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return vals, nil
}

// Range decodes the conversation's records, most recent first. Entries of
// unknown shape are logged and skipped.
func (s *Store) Range(ctx context.Context, conversation string) ([]signal.Record, error) {
	vals, err := s.RawRange(ctx, conversation)
	if err != nil {
		return nil, err
	}
	out := make([]signal.Record, 0, len(vals))
	for i, v := range vals {
		rec, err := signal.DecodeRecord([]byte(v))
		if err != nil {
			s.log.Error("skipping undecodable history entry",
				slog.String("conversation", conversation), slog.Int("index", i), slog.Any("error", err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Len(ctx context.Context, conversation string) (int64, error) {
	return s.rdb.LLen(ctx, MessageKey(conversation)).Result()
}

// Set overwrites the entry at index (0 is the most recent).
func (s *Store) Set(ctx context.Context, conversation string, index int64, rec signal.Record) error {
	raw, err := signal.Encode(rec)
	if err != nil {
		return err
	}
	key := MessageKey(conversation)
	if err := s.rdb.LSet(ctx, key, index, raw).Err(); err != nil {
		return fmt.Errorf("set %s[%d]: %w", key, index, err)
	}
	return nil
}

// Remove deletes every entry equal to raw and reports how many went.
func (s *Store) Remove(ctx context.Context, conversation string, raw string) (int64, error) {
	key := MessageKey(conversation)
	n, err := s.rdb.LRem(ctx, key, 0, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("remove from %s: %w", key, err)
	}
	return n, nil
}

// Replace swaps the Incoming entry whose timestamp equals ts for revised.
// The list is scanned from the head and the first match is overwritten in
// place; the length never changes. The scan and the write are separate
// commands, so two concurrent replaces of the same entry race; the last
// write wins.
func (s *Store) Replace(ctx context.Context, conversation string, ts int64, revised *signal.IncomingMessage) error {
	vals, err := s.RawRange(ctx, conversation)
	if err != nil {
		return err
	}
	for i, v := range vals {
		rec, err := signal.DecodeRecord([]byte(v))
		if err != nil {
			continue
		}
		in, ok := rec.(*signal.IncomingMessage)
		if !ok || in.Timestamp() != ts {
			continue
		}
		if err := s.Set(ctx, conversation, int64(i), revised); err != nil {
			return err
		}
		s.log.Debug("replaced history entry", slog.String("conversation", conversation), slog.Int("index", i))
		return nil
	}
	return fmt.Errorf("%w: conversation %s timestamp %d", ErrOriginalNotFound, conversation, ts)
}
