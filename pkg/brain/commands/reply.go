package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/prefs"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// Reply answers a message whose only @-mention is the bot. Messages with
// images are left to the image handlers, which reply with vision context.
type Reply struct{}

func (Reply) Name() string { return "reply" }

func (Reply) CanHandle(_ context.Context, msg *signal.IncomingMessage, env *Env) bool {
	d := msg.Data()
	if d == nil || !env.botIsSoleMention(msg) {
		return false
	}
	return len(d.ImageAttachments()) == 0 && len(d.QuotedImages()) == 0
}

func (Reply) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	return replier{prompt: prefs.KeyReply, tier: llm.TierQuality}.run(ctx, msg, env, emit, nil)
}

// ReplyRazzleTarget answers a message that mentions the bot first and then
// somebody else to be razzled.
type ReplyRazzleTarget struct{}

func (ReplyRazzleTarget) Name() string { return "reply_razzle_target" }

func (ReplyRazzleTarget) CanHandle(_ context.Context, msg *signal.IncomingMessage, env *Env) bool {
	d := msg.Data()
	return d != nil && len(d.Mentions) >= 2 && env.isBot(d.Mentions[0])
}

func (ReplyRazzleTarget) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	return replier{prompt: prefs.KeyReplyRazzleTarget, tier: llm.TierQuality}.run(ctx, msg, env, emit, nil)
}

// replier is the rate limited reply flow shared by the replying handlers.
type replier struct {
	prompt prefs.Key
	tier   llm.Tier
}

func (r replier) run(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit, images []llm.Image) error {
	if err := emit(env.reaction("🧠", msg)); err != nil {
		return err
	}

	count, limited, err := env.rateLimited(ctx)
	if err != nil {
		return env.failed(msg, emit, err)
	}
	if limited {
		env.logger().Info("reply rate limited", slog.String("conversation", env.Conversation), slog.Int("recent", count))
		if err := emit(env.message(env.rateLimitText(count))); err != nil {
			return err
		}
		return emit(env.reaction("🤫", msg))
	}

	if err := emit(env.typing(signal.TypingStart)); err != nil {
		return err
	}
	resp, genErr := r.generate(ctx, msg, env, images)
	if err := emit(env.typing(signal.TypingStop)); err != nil {
		env.logger().Warn("emit typing stop", slog.Any("error", err))
	}

	switch {
	case errors.Is(genErr, llm.ErrBudgetExceeded):
		return refuseOverBudget(msg, env, emit)
	case genErr != nil:
		return env.failed(msg, emit, genErr)
	case resp == "":
		return env.failed(msg, emit, errors.New("empty completion"))
	}

	if err := emit(env.message(resp)); err != nil {
		return err
	}
	if err := env.Window.Push(ctx, env.Conversation, env.now(), env.Settings.RateLimit.MaxReplies); err != nil {
		env.logger().Error("record reply in window", slog.String("conversation", env.Conversation), slog.Any("error", err))
	}
	return emit(env.reaction("✅", msg))
}

func (r replier) generate(ctx context.Context, msg *signal.IncomingMessage, env *Env, images []llm.Image) (string, error) {
	personality, err := env.prompt(ctx, msg, prefs.KeyPersonality)
	if err != nil {
		return "", err
	}
	instructions, err := env.prompt(ctx, msg, r.prompt)
	if err != nil {
		return "", err
	}
	msgs, err := env.BuildContext(ctx, ContextRequest{
		Tier:    r.tier,
		Current: msg,
		Images:  images,
		System:  []string{personality, instructions},
	})
	if err != nil {
		return "", err
	}

	var resp string
	if len(images) > 0 {
		resp, err = env.LLM.VisionCompletion(ctx, msgs)
	} else {
		resp, err = env.LLM.ChatCompletion(ctx, r.tier, msgs)
	}
	if err != nil {
		return "", err
	}
	return env.cleanResponse(resp), nil
}

// rateLimited counts the bot's replies inside the configured window.
func (e *Env) rateLimited(ctx context.Context) (int, bool, error) {
	rl := e.Settings.RateLimit
	if rl.MaxReplies <= 0 || rl.Window <= 0 {
		return 0, false, nil
	}
	n, err := e.Window.Count(ctx, e.Conversation, e.now(), rl.Window)
	if err != nil {
		return 0, false, err
	}
	return n, n >= rl.MaxReplies, nil
}

func (e *Env) rateLimitText(count int) string {
	minutes := strconv.FormatFloat(e.Settings.RateLimit.Window.Minutes(), 'f', -1, 64)
	return fmt.Sprintf("I've been summoned %d times in the last %s minutes, wait a while and try again.", count, minutes)
}

// cleanResponse drops the speaker label models like to prefix replies with.
func (e *Env) cleanResponse(s string) string {
	s = strings.TrimSpace(s)
	name := e.botName()
	s = trimPrefixFold(s, name+":")
	s = trimPrefixFold(s, "the "+name)
	s = strings.TrimPrefix(s, ":")
	return strings.TrimSpace(s)
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}
