package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	op        string
	recipient string
	text      string
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []call
	sendErr error
}

func (g *fakeGateway) record(c call) {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	g.mu.Unlock()
}

func (g *fakeGateway) Send(_ context.Context, recipient, message string, _ []string) error {
	g.record(call{"send", recipient, message})
	return g.sendErr
}

func (g *fakeGateway) React(_ context.Context, recipient, emoji, _ string, _ int64, remove bool) error {
	op := "react"
	if remove {
		op = "unreact"
	}
	g.record(call{op, recipient, emoji})
	return nil
}

func (g *fakeGateway) StartTyping(_ context.Context, recipient string) error {
	g.record(call{"typing-start", recipient, ""})
	return nil
}

func (g *fakeGateway) StopTyping(_ context.Context, recipient string) error {
	g.record(call{"typing-stop", recipient, ""})
	return nil
}

func (g *fakeGateway) snapshot() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func newHistory(t *testing.T) *history.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return history.NewStore(rdb, 3, nil)
}

func publish(t *testing.T, b *pubsub.MemoryBroker, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), common.OutgoingMessages.Queue, common.NewMeta(common.OutgoingMessages.Type, "test"), raw))
}

func runUntilIdle(t *testing.T, p *Producer, b *pubsub.MemoryBroker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, b)
	}()
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, b.WaitIdle(wctx, common.OutgoingMessages.Queue))
	cancel()
	<-done
}

func TestRelaysByShapeAndMirrorsMessages(t *testing.T) {
	gw := &fakeGateway{}
	hist := newHistory(t)
	b := pubsub.NewMemoryBroker(nil)
	p := New(gw, hist, Options{}, nil)

	publish(t, b, signal.OutgoingMessage{Recipient: "+100", Message: "PONG", Base64Attachments: []string{"aW1n"}})
	publish(t, b, signal.OutgoingReaction{Recipient: "+100", Reaction: "👍", TargetUUID: "u-100", Timestamp: 5})
	publish(t, b, signal.OutgoingTyping{Recipient: "+100", Typing: signal.TypingStart})
	publish(t, b, map[string]any{"nonsense": true})

	runUntilIdle(t, p, b)

	assert.Equal(t, []call{
		{"send", "+100", "PONG"},
		{"react", "+100", "👍"},
		{"typing-start", "+100", ""},
	}, gw.snapshot())

	recs, err := hist.Range(context.Background(), "+100")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	out := recs[0].(*signal.OutgoingMessage)
	assert.Equal(t, "PONG", out.Message)
	assert.Empty(t, out.Base64Attachments)

	// the unknown shape was acked, not rejected
	assert.Empty(t, b.Rejected(common.OutgoingMessages.Queue))
}

func TestFailedSendAckedAndNotMirrored(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("gateway down")}
	hist := newHistory(t)
	b := pubsub.NewMemoryBroker(nil)
	p := New(gw, hist, Options{}, nil)

	publish(t, b, signal.OutgoingMessage{Recipient: "+100", Message: "hello"})
	runUntilIdle(t, p, b)

	assert.Len(t, gw.snapshot(), 1)
	assert.Zero(t, b.Len(common.OutgoingMessages.Queue))
	assert.Empty(t, b.Rejected(common.OutgoingMessages.Queue))
	n, err := hist.Len(context.Background(), "+100")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMirrorRespectsCap(t *testing.T) {
	gw := &fakeGateway{}
	hist := newHistory(t)
	p := New(gw, hist, Options{}, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Deliver(ctx, &signal.OutgoingMessage{Recipient: "+100", Message: string(rune('a' + i))}))
	}
	recs, err := hist.Range(ctx, "+100")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "e", recs[0].(*signal.OutgoingMessage).Message)
	assert.Equal(t, "c", recs[2].(*signal.OutgoingMessage).Message)
}

func TestInvalidRecordNotSent(t *testing.T) {
	gw := &fakeGateway{}
	p := New(gw, newHistory(t), Options{}, nil)
	err := p.Deliver(context.Background(), &signal.OutgoingReaction{Recipient: "+100"})
	var ve *signal.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, gw.snapshot())
}

func TestThrottle(t *testing.T) {
	gw := &fakeGateway{}
	p := New(gw, newHistory(t), Options{Rate: 20, Burst: 1}, nil)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Deliver(ctx, &signal.OutgoingTyping{Recipient: "+1", Typing: signal.TypingStop}))
	}
	// two waits of 50ms after the initial burst token
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
