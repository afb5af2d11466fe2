package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func incoming(ts int64, text string) *signal.IncomingMessage {
	return &signal.IncomingMessage{
		Account: "+999",
		Envelope: signal.Envelope{
			Source:      "+100",
			SourceUUID:  "u-100",
			SourceName:  "alice",
			Timestamp:   ts,
			DataMessage: &signal.DataMessage{Timestamp: ts, Message: &text},
		},
	}
}

func TestAppendEnforcesCap(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewStore(rdb, 5, nil)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.NoError(t, s.Append(ctx, "conv", incoming(int64(i), fmt.Sprint(i))))
		n, err := s.Len(ctx, "conv")
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(5))
	}

	recs, err := s.Range(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	// most recent first, exactly the last five in arrival order
	for i, rec := range recs {
		in := rec.(*signal.IncomingMessage)
		assert.Equal(t, int64(12-i), in.Timestamp())
	}
}

func TestRangeSkipsUndecodableEntries(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewStore(rdb, 10, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv", incoming(1, "a")))
	_, err := mr.Lpush(MessageKey("conv"), `{"garbage":true}`)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "conv", &signal.OutgoingMessage{Recipient: "+100", Message: "hi"}))

	recs, err := s.Range(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, signal.KindOutgoing, recs[0].Kind())
	assert.Equal(t, signal.KindIncoming, recs[1].Kind())
}

func TestReplaceInPlace(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewStore(rdb, 10, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv", incoming(1, "first")))
	require.NoError(t, s.Append(ctx, "conv", incoming(2, "with image")))
	require.NoError(t, s.Append(ctx, "conv", &signal.OutgoingMessage{Recipient: "+100", Message: "bot"}))
	require.NoError(t, s.Append(ctx, "conv", incoming(3, "last")))

	before, err := s.RawRange(ctx, "conv")
	require.NoError(t, err)

	revised := incoming(2, "with image [[[described]]]")
	require.NoError(t, s.Replace(ctx, "conv", 2, revised))

	after, err := s.RawRange(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		if i == 2 {
			rec, err := signal.DecodeRecord([]byte(after[i]))
			require.NoError(t, err)
			assert.Equal(t, "with image [[[described]]]", rec.(*signal.IncomingMessage).Text())
			continue
		}
		assert.Equal(t, before[i], after[i])
	}

	// replaying the same replace is harmless
	require.NoError(t, s.Replace(ctx, "conv", 2, revised))
	n, err := s.Len(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), n)
}

func TestReplaceMissingIsConsistencyFault(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewStore(rdb, 10, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv", incoming(1, "only")))

	err := s.Replace(ctx, "conv", 42, incoming(42, "ghost"))
	assert.ErrorIs(t, err, ErrOriginalNotFound)
	n, err := s.Len(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRemove(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewStore(rdb, 10, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv", incoming(1, "a")))
	raw, err := s.RawRange(ctx, "conv")
	require.NoError(t, err)

	n, err := s.Remove(ctx, "conv", raw[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWindow(t *testing.T) {
	_, rdb := newRedis(t)
	w := NewWindow(rdb, nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, w.Push(ctx, "conv", now.Add(-2*time.Minute), 10))
	require.NoError(t, w.Push(ctx, "conv", now.Add(-30*time.Second), 10))
	require.NoError(t, w.Push(ctx, "conv", now.Add(-10*time.Second), 10))

	n, err := w.Count(ctx, "conv", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Count(ctx, "other", now, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWindowKeepsEnoughForLimit(t *testing.T) {
	_, rdb := newRedis(t)
	w := NewWindow(rdb, nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC)

	for i := range 150 {
		require.NoError(t, w.Push(ctx, "conv", now.Add(-time.Duration(i)*time.Second), 150))
	}
	n, err := w.Count(ctx, "conv", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 150, n)

	require.NoError(t, w.Push(ctx, "conv", now, 150))
	require.NoError(t, w.Push(ctx, "small", now, 0))
	n, err = w.Count(ctx, "small", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = w.Count(ctx, "conv", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 150, n)
}
