package brain

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roboricindustries/razzler/pkg/attachments"
	"github.com/roboricindustries/razzler/pkg/brain/commands"
	"github.com/roboricindustries/razzler/pkg/config"
	"github.com/roboricindustries/razzler/pkg/consumer"
	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/filelock"
	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/prefs"
	"github.com/roboricindustries/razzler/pkg/producer"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	botNumber   = "+447700900000"
	adminNumber = "+447700900001"
	userNumber  = "+447700900002"
	groupID     = "group.pub"
	internalID  = "internal-1"
)

type noLLM struct{}

func (noLLM) ChatCompletion(context.Context, llm.Tier, []llm.Message) (string, error) {
	return "", errors.New("unexpected chat completion")
}

func (noLLM) VisionCompletion(context.Context, []llm.Message) (string, error) {
	return "", errors.New("unexpected vision completion")
}

func (noLLM) GenerateImage(context.Context, string) ([]string, error) {
	return nil, errors.New("unexpected image generation")
}

type staticPrompts struct{}

func (staticPrompts) Prompt(_ context.Context, _ string, k prefs.Key) (string, error) {
	return string(k), nil
}

type fixture struct {
	brain     *Brain
	registry  *commands.Registry
	broker    *pubsub.MemoryBroker
	hist      *history.Store
	dir       *directory.Store
	whitelist *Whitelist
	rdb       *redis.Client
	root      string
}

func newFixture(t *testing.T, handlers ...string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root := t.TempDir()
	reg, err := commands.NewRegistry(handlers)
	require.NoError(t, err)

	f := &fixture{
		registry:  reg,
		broker:    pubsub.NewMemoryBroker(nil),
		hist:      history.NewStore(rdb, 20, nil),
		dir:       directory.NewStore(filepath.Join(root, "phonebook.json"), nil),
		whitelist: NewWhitelist(rdb, filepath.Join(root, "whitelisted_groups.json"), nil),
		rdb:       rdb,
		root:      root,
	}
	require.NoError(t, f.dir.ReplaceGroups(context.Background(), []signal.Group{{ID: groupID, InternalID: internalID, Name: "friends"}}))

	deps := &commands.Deps{
		BotNumber: botNumber,
		BotName:   "razzler",
		Settings:  config.Brain{MaxChatHistoryTokens: 500},
		History:   f.hist,
		Window:    history.NewWindow(rdb, nil),
		LLM:       noLLM{},
		Tokens:    llm.NewTiktokenCounter(nil, nil),
		Prompts:   staticPrompts{},
		Files:     attachments.NewFileStore(root),
		Location:  time.UTC,
	}
	f.brain = New(reg, deps, f.dir, f.whitelist, f.broker, Options{Name: "brain-test", Admins: []string{adminNumber}}, nil)
	return f
}

func message(sender, group, text string, ts int64) *signal.IncomingMessage {
	m := &signal.IncomingMessage{
		Account: botNumber,
		Envelope: signal.Envelope{
			Source:       sender,
			SourceNumber: sender,
			SourceUUID:   "uuid-" + sender,
			SourceName:   "someone",
			Timestamp:    ts,
			DataMessage:  &signal.DataMessage{Timestamp: ts, Message: &text},
		},
	}
	if group != "" {
		m.Envelope.DataMessage.GroupInfo = &signal.GroupInfo{GroupID: group, Type: "DELIVER"}
	}
	return m
}

func (f *fixture) outbound(t *testing.T) []signal.Record {
	t.Helper()
	var out []signal.Record
	for _, raw := range f.broker.Drain(common.OutgoingMessages.Queue) {
		rec, err := signal.DecodeOutbound(raw)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func (f *fixture) whitelisted(t *testing.T) (bool, []string) {
	t.Helper()
	ok, err := f.whitelist.Contains(context.Background(), groupID)
	require.NoError(t, err)
	var file []string
	_, err = filelock.ReadJSON(filepath.Join(f.root, "whitelisted_groups.json"), &file)
	require.NoError(t, err)
	return ok, file
}

func TestDirectMessageRunsHandlers(t *testing.T) {
	f := newFixture(t, "ping", "react")
	require.NoError(t, f.brain.Process(context.Background(), message(userNumber, "", "ping", 1000), common.Meta{}))

	out := f.outbound(t)
	require.Len(t, out, 1)
	m, ok := out[0].(*signal.OutgoingMessage)
	require.True(t, ok)
	assert.Equal(t, userNumber, m.Recipient)
	assert.Equal(t, "PONG", m.Message)
}

func TestGroupNotWhitelistedIsDropped(t *testing.T) {
	f := newFixture(t, "ping")
	require.NoError(t, f.brain.Process(context.Background(), message(userNumber, groupID, "ping", 1000), common.Meta{}))
	assert.Empty(t, f.outbound(t))
}

func TestWhitelistCommands(t *testing.T) {
	f := newFixture(t, "ping")
	ctx := context.Background()

	require.NoError(t, f.brain.Process(ctx, message(adminNumber, groupID, "!whitelist", 1000), common.Meta{}))
	require.NoError(t, f.brain.Process(ctx, message(adminNumber, groupID, "!whitelist", 2000), common.Meta{}))
	ok, file := f.whitelisted(t)
	assert.True(t, ok)
	assert.Equal(t, []string{groupID}, file)

	acks := f.outbound(t)
	require.Len(t, acks, 2)
	r := acks[0].(*signal.OutgoingReaction)
	assert.Equal(t, "👍", r.Reaction)
	assert.Equal(t, internalID, r.Recipient)
	assert.Equal(t, int64(1000), r.Timestamp)

	require.NoError(t, f.brain.Process(ctx, message(userNumber, groupID, "ping", 3000), common.Meta{}))
	out := f.outbound(t)
	require.Len(t, out, 1)
	assert.Equal(t, internalID, out[0].(*signal.OutgoingMessage).Recipient)

	require.NoError(t, f.brain.Process(ctx, message(adminNumber, groupID, "!blacklist", 4000), common.Meta{}))
	ok, file = f.whitelisted(t)
	assert.False(t, ok)
	assert.Empty(t, file)
	assert.Len(t, f.outbound(t), 1, "blacklist is acknowledged")

	require.NoError(t, f.brain.Process(ctx, message(userNumber, groupID, "ping", 5000), common.Meta{}))
	assert.Empty(t, f.outbound(t))
}

func TestBlacklistUnknownGroupIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.brain.Process(context.Background(), message(adminNumber, groupID, "!blacklist", 1000), common.Meta{}))
	ok, file := f.whitelisted(t)
	assert.False(t, ok)
	assert.Empty(t, file)
}

func TestWhitelistRequiresAdmin(t *testing.T) {
	f := newFixture(t, "ping")
	require.NoError(t, f.brain.Process(context.Background(), message(userNumber, groupID, "!whitelist", 1000), common.Meta{}))
	ok, _ := f.whitelisted(t)
	assert.False(t, ok)
	assert.Empty(t, f.outbound(t))
}

func TestAdminMatchedByUUID(t *testing.T) {
	f := newFixture(t)
	f.brain.admins["uuid-admin"] = true
	msg := message(userNumber, groupID, "!whitelist", 1000)
	msg.Envelope.SourceUUID = "uuid-admin"
	require.NoError(t, f.brain.Process(context.Background(), msg, common.Meta{}))
	ok, _ := f.whitelisted(t)
	assert.True(t, ok)
}

func TestWhitelistLoadSeedsRedis(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.root, "whitelisted_groups.json")
	require.NoError(t, filelock.WriteJSONAtomic(path, []string{"group.a", "group.b"}))

	groups, err := f.whitelist.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"group.a", "group.b"}, groups)
	members, err := f.rdb.SMembers(context.Background(), WhitelistKey).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"group.a", "group.b"}, members)
}

func TestWhitelistLoadCreatesFile(t *testing.T) {
	f := newFixture(t)
	groups, err := f.whitelist.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
	var file []string
	found, err := filelock.ReadJSON(filepath.Join(f.root, "whitelisted_groups.json"), &file)
	require.NoError(t, err)
	assert.True(t, found)
}

// scripted handlers for dispatch order and revision tests
type reviser struct{ text string }

func (reviser) Name() string { return "reviser" }
func (reviser) CanHandle(context.Context, *signal.IncomingMessage, *commands.Env) bool {
	return true
}
func (r reviser) Handle(_ context.Context, msg *signal.IncomingMessage, env *commands.Env, emit commands.Emit) error {
	c := *msg
	d := *msg.Data()
	c.Envelope.DataMessage = &d
	c.SetText(r.text)
	if err := emit(&c); err != nil {
		return err
	}
	return emit(signal.NewReaction(env.Conversation, "👁️", msg))
}

type observer struct {
	mu   sync.Mutex
	seen []string
}

func (*observer) Name() string { return "observer" }
func (*observer) CanHandle(context.Context, *signal.IncomingMessage, *commands.Env) bool {
	return true
}
func (o *observer) Handle(_ context.Context, msg *signal.IncomingMessage, env *commands.Env, emit commands.Emit) error {
	o.mu.Lock()
	o.seen = append(o.seen, msg.Text())
	o.mu.Unlock()
	return emit(&signal.OutgoingMessage{Recipient: env.Conversation, Message: "seen"})
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) CanHandle(context.Context, *signal.IncomingMessage, *commands.Env) bool {
	return true
}
func (failing) Handle(_ context.Context, msg *signal.IncomingMessage, env *commands.Env, emit commands.Emit) error {
	if err := emit(signal.NewReaction(env.Conversation, "❌", msg)); err != nil {
		return err
	}
	return errors.New("backend exploded")
}

func TestRevisionReplacesHistoryAndFeedsLaterHandlers(t *testing.T) {
	f := newFixture(t)
	obs := &observer{}
	f.registry.Register(reviser{text: "described"})
	f.registry.Register(obs)
	ctx := context.Background()

	msg := message(userNumber, "", "raw", 1000)
	require.NoError(t, f.hist.Append(ctx, userNumber, message(userNumber, "", "earlier", 500)))
	require.NoError(t, f.hist.Append(ctx, userNumber, msg))

	require.NoError(t, f.brain.Process(ctx, msg, common.Meta{}))

	assert.Equal(t, []string{"described"}, obs.seen)
	recs, err := f.hist.Range(ctx, userNumber)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "described", recs[0].(*signal.IncomingMessage).Text())
	assert.Equal(t, "earlier", recs[1].(*signal.IncomingMessage).Text())

	out := f.outbound(t)
	require.Len(t, out, 2, "revisions are not published")
	assert.Equal(t, signal.KindReaction, out[0].Kind())
	assert.Equal(t, signal.KindOutgoing, out[1].Kind())
}

func TestRevisionOfEvictedMessageFails(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(reviser{text: "described"})

	err := f.brain.Process(context.Background(), message(userNumber, "", "raw", 1000), common.Meta{})
	assert.ErrorIs(t, err, history.ErrOriginalNotFound)
	assert.ErrorIs(t, err, pubsub.ErrNoRetry)
}

func TestHandlerFailureStopsTurn(t *testing.T) {
	f := newFixture(t, "ping")
	obs := &observer{}
	f.registry.Register(failing{})
	f.registry.Register(obs)

	err := f.brain.Process(context.Background(), message(userNumber, "", "ping", 1000), common.Meta{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pubsub.ErrNoRetry)
	assert.Equal(t, pubsub.Reject, pubsub.Dispose(err))
	assert.Empty(t, obs.seen)

	// responses already emitted stay published
	out := f.outbound(t)
	require.Len(t, out, 2)
	assert.Equal(t, "PONG", out[0].(*signal.OutgoingMessage).Message)
	assert.Equal(t, "❌", out[1].(*signal.OutgoingReaction).Reaction)
}

func TestConsumeRejectsUndecodable(t *testing.T) {
	f := newFixture(t, "ping")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.broker.Publish(ctx, common.IncomingMessages.Queue, common.NewMeta(common.IncomingMessages.Type, "test"), []byte("{not json")))
	done := make(chan error, 1)
	go func() { done <- f.brain.Run(ctx, f.broker) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, f.broker.WaitIdle(waitCtx, common.IncomingMessages.Queue))
	cancel()
	<-done

	assert.Empty(t, f.broker.Rejected(common.IncomingMessages.Queue), "poison is acked, not rejected")
	assert.Equal(t, 0, f.broker.Len(common.OutgoingMessages.Queue))
}

func TestConsumeDecodesDelivery(t *testing.T) {
	f := newFixture(t, "ping")
	ctx := context.Background()

	body, err := json.Marshal(message(userNumber, "", "ping", 1000))
	require.NoError(t, err)
	require.NoError(t, f.brain.consume(ctx, amqp.Delivery{MessageId: "in-1", Body: body}))
	out := f.outbound(t)
	require.Len(t, out, 1)
	assert.Equal(t, "PONG", out[0].(*signal.OutgoingMessage).Message)

	rejected := metrics.BrainMessages.WithLabelValues(metrics.ResultRejected)
	before := testutil.ToFloat64(rejected)
	err = f.brain.consume(ctx, amqp.Delivery{MessageId: "in-2", Body: []byte(`{"envelope":`)})
	assert.ErrorIs(t, err, pubsub.ErrPoison)
	assert.Equal(t, pubsub.Ack, pubsub.Dispose(err))
	assert.Equal(t, before+1, testutil.ToFloat64(rejected))
}

// gateway is both ends of the gateway for the end-to-end run.
type gateway struct {
	mu     sync.Mutex
	events [][]byte
	sent   []string
}

func (g *gateway) Receive(ctx context.Context, fn func(context.Context, []byte) error) error {
	g.mu.Lock()
	events := g.events
	g.events = nil
	g.mu.Unlock()
	for _, e := range events {
		if err := fn(ctx, e); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (g *gateway) DownloadAttachment(context.Context, string) ([]byte, error) {
	return nil, errors.New("no attachments")
}

func (g *gateway) ListGroups(context.Context) ([]signal.Group, error) { return nil, nil }

func (g *gateway) Send(_ context.Context, recipient, message string, _ []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, recipient+": "+message)
	return nil
}

func (g *gateway) React(context.Context, string, string, string, int64, bool) error { return nil }
func (g *gateway) StartTyping(context.Context, string) error                      { return nil }
func (g *gateway) StopTyping(context.Context, string) error                       { return nil }

func TestPingEndToEnd(t *testing.T) {
	f := newFixture(t, "ping")
	gw := &gateway{}
	raw, err := json.Marshal(message(userNumber, "", "ping", 1000))
	require.NoError(t, err)
	gw.events = [][]byte{raw}

	cons := consumer.New(gw, f.dir, f.hist, attachments.NewFileStore(f.root), f.broker, consumer.Options{Name: "consumer-test"}, nil)
	prod := producer.New(gw, f.hist, producer.Options{Name: "producer-test"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = cons.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = f.broker.RunWithConsumers(ctx, f.brain.Spec(), prod.Spec())
	}()

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.sent) == 1
	}, 5*time.Second, 10*time.Millisecond)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, f.broker.WaitIdle(waitCtx))
	cancel()
	wg.Wait()

	assert.Equal(t, []string{userNumber + ": PONG"}, gw.sent)
	recs, err := f.hist.Range(context.Background(), userNumber)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "PONG", recs[0].(*signal.OutgoingMessage).Message)
	assert.Equal(t, "ping", recs[1].(*signal.IncomingMessage).Text())
}
