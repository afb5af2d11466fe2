package prefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/razzler/pkg/llm"
)

func openTestStore(t *testing.T, dataDir string) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "prefs.db"), NewDefaults(dataDir), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestGetFillsDefaults(t *testing.T) {
	s := openTestStore(t, "")
	p, err := s.Get(context.Background(), "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", p.UserID)
	for _, k := range Keys {
		assert.NotEmpty(t, p.Get(k), "key %s", k)
	}
	assert.Equal(t, "A dreaming robot screaming into the dark void, as it stares back at them.", p.DreamPrompt)
}

func TestDataDirOverridesEmbedded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "personality.txt"), []byte("  a grumpy toaster \n"), 0o644))

	s := openTestStore(t, dir)
	got, err := s.Prompt(context.Background(), "u", KeyPersonality)
	require.NoError(t, err)
	assert.Equal(t, "a grumpy toaster", got)
}

func TestUpdateAndClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	require.NoError(t, s.Update(ctx, "u", Update{Personality: strp("pirate")}))
	require.NoError(t, s.Update(ctx, "u", Update{Reply: strp("be brief")}))

	p, err := s.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "pirate", p.Personality)
	assert.Equal(t, "be brief", p.Reply)

	other, err := s.Get(ctx, "someone-else")
	require.NoError(t, err)
	assert.NotEqual(t, "pirate", other.Personality)

	require.NoError(t, s.Clear(ctx, "u"))
	p, err = s.Get(ctx, "u")
	require.NoError(t, err)
	assert.NotEqual(t, "pirate", p.Personality)
}

func TestUpdateEmptyIsNoop(t *testing.T) {
	s := openTestStore(t, "")
	assert.NoError(t, s.Update(context.Background(), "u", Update{}))
	assert.Error(t, s.Update(context.Background(), "", Update{Reply: strp("x")}))
}

func TestLedgerAccumulates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")
	l := NewLedger(s.DB())

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, l.Record(ctx, "+100", llm.Usage{PromptTokens: 10}, 0.25))
	require.NoError(t, l.Record(ctx, "+100", llm.Usage{CompletionTokens: 5}, 0.5))
	require.NoError(t, l.Record(ctx, "+200", llm.Usage{Images: 1}, 0.04))

	spent, err := l.Spent(ctx, "+100")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spent, 1e-9)

	total, err = l.Total(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.79, total, 1e-9)

	none, err := l.Spent(ctx, "+300")
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestKeyValid(t *testing.T) {
	assert.True(t, KeyDescribeImage.Valid())
	assert.False(t, Key("insult").Valid())
	_, err := NewDefaults("").Get("insult")
	assert.Error(t, err)
}
