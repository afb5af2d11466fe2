package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/forPelevin/gomoji"

	"github.com/roboricindustries/razzler/pkg/config"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/prefs"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// ReplyWhenActiveChat joins in unprompted, more likely the busier the chat
// has been since the bot last spoke.
type ReplyWhenActiveChat struct{}

func (ReplyWhenActiveChat) Name() string { return "reply_when_active_chat" }

func (ReplyWhenActiveChat) CanHandle(ctx context.Context, msg *signal.IncomingMessage, env *Env) bool {
	if msg.Text() == "" || env.mentionsBot(msg) {
		return false
	}
	return env.chatIsActive(ctx, env.Settings.ActiveChat)
}

func (ReplyWhenActiveChat) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	return replier{prompt: prefs.KeyReply, tier: llm.TierQuality}.run(ctx, msg, env, emit, nil)
}

// ReactToChat reacts to a message with an emoji the model picks, on the
// same activity heuristic as ReplyWhenActiveChat.
type ReactToChat struct{}

func (ReactToChat) Name() string { return "react_to_chat" }

func (ReactToChat) CanHandle(ctx context.Context, msg *signal.IncomingMessage, env *Env) bool {
	if msg.Text() == "" {
		return false
	}
	return env.chatIsActive(ctx, env.Settings.ReactToChat)
}

func (ReactToChat) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	personality, err := env.prompt(ctx, msg, prefs.KeyPersonality)
	if err != nil {
		return env.failed(msg, emit, err)
	}
	instructions, err := env.prompt(ctx, msg, prefs.KeyReactWhenActiveChat)
	if err != nil {
		return env.failed(msg, emit, err)
	}
	msgs, err := env.BuildContext(ctx, ContextRequest{
		Tier:    llm.TierFast,
		Current: msg,
		System:  []string{personality, instructions},
	})
	if err != nil {
		return env.failed(msg, emit, err)
	}

	resp, err := env.LLM.ChatCompletion(ctx, llm.TierFast, msgs)
	if errors.Is(err, llm.ErrBudgetExceeded) {
		env.logger().Warn("skipping reaction over budget", slog.String("conversation", env.Conversation))
		return nil
	}
	if err != nil {
		return env.failed(msg, emit, err)
	}

	emoji, ok := FirstEmoji(resp)
	if !ok {
		env.logger().Warn("no emoji in model response", slog.String("response", resp))
		return nil
	}
	return emit(env.reaction(emoji, msg))
}

// FirstEmoji returns the leftmost emoji in s.
func FirstEmoji(s string) (string, bool) {
	found := gomoji.FindAll(s)
	if len(found) == 0 {
		return "", false
	}
	first, at := found[0].Character, strings.Index(s, found[0].Character)
	for _, e := range found[1:] {
		if i := strings.Index(s, e.Character); i >= 0 && (at < 0 || i < at) {
			first, at = e.Character, i
		}
	}
	return first, true
}

// chatActivity counts the data messages received since the bot last spoke,
// stopping at Lookback.
func (e *Env) chatActivity(ctx context.Context, lookback time.Duration) (int, error) {
	recs, err := e.History.Range(ctx, e.Conversation)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-lookback)
	count := 0
scan:
	for _, rec := range recs {
		switch r := rec.(type) {
		case *signal.OutgoingMessage:
			break scan
		case *signal.IncomingMessage:
			if lookback > 0 && time.UnixMilli(r.Timestamp()).Before(cutoff) {
				break scan
			}
			if r.Data() != nil {
				count++
			}
		}
	}
	return count, nil
}

// SpeakProbability maps a message count onto [0,1] between min and max.
func SpeakProbability(count int, cfg config.ActiveChat) float64 {
	if cfg.MaxMessages <= cfg.MinMessages {
		if count >= cfg.MaxMessages {
			return 1
		}
		return 0
	}
	p := float64(count-cfg.MinMessages) / float64(cfg.MaxMessages-cfg.MinMessages)
	return min(max(p, 0), 1)
}

func (e *Env) chatIsActive(ctx context.Context, cfg config.ActiveChat) bool {
	count, err := e.chatActivity(ctx, cfg.Lookback)
	if err != nil {
		e.logger().Error("measure chat activity", slog.String("conversation", e.Conversation), slog.Any("error", err))
		return false
	}
	p := SpeakProbability(count, cfg)
	draw := e.draw()
	e.logger().Debug("chat activity", slog.String("conversation", e.Conversation),
		slog.Int("count", count), slog.String("p", fmt.Sprintf("%.2f", p)), slog.Float64("draw", draw))
	return draw < p
}

func (e *Env) draw() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}
