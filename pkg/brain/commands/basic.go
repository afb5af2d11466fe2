package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/prefs"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

const (
	summonPrompt        = "Reply to your summons. You have just been summoned."
	fallbackDream       = "A dreaming robot screaming into the dark void, as it stares back at them."
	budgetRefusal       = "I've used up my allowance for now, try again later."
	dreamTrigger        = "dream"
	dreamReply          = "Here is your dream."
	defaultImageCaption = "Describe the images you see."
)

// Ping answers "ping" with "PONG".
type Ping struct{}

func (Ping) Name() string { return "ping" }

func (Ping) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return textIs(msg, "ping")
}

func (Ping) Handle(_ context.Context, _ *signal.IncomingMessage, env *Env, emit Emit) error {
	return emit(env.message("PONG"))
}

// React answers "react" with a thumbs up.
type React struct{}

func (React) Name() string { return "react" }

func (React) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return textIs(msg, "react")
}

func (React) Handle(_ context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	return emit(env.reaction("👍", msg))
}

// Summon has the model improvise an answer to "summon".
type Summon struct{}

func (Summon) Name() string { return "summon" }

func (Summon) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return textIs(msg, "summon")
}

func (Summon) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	resp, err := env.LLM.ChatCompletion(ctx, llm.TierFast, []llm.Message{llm.System(summonPrompt)})
	if errors.Is(err, llm.ErrBudgetExceeded) {
		return refuseOverBudget(msg, env, emit)
	}
	if err != nil {
		return env.failed(msg, emit, err)
	}
	return emit(env.message(strings.TrimSpace(resp)))
}

// CreateImage draws "dream <prompt>", falling back to the sender's dream
// prompt preference.
type CreateImage struct{}

func (CreateImage) Name() string { return "create_image" }

func (CreateImage) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return msg.Data() != nil && strings.HasPrefix(strings.ToLower(msg.Text()), dreamTrigger)
}

func (CreateImage) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	if err := emit(env.reaction("🎨", msg)); err != nil {
		return err
	}

	prompt := strings.TrimSpace(msg.Text()[len(dreamTrigger):])
	if prompt == "" {
		p, err := env.prompt(ctx, msg, prefs.KeyDreamPrompt)
		if err != nil {
			env.logger().Warn("dream prompt unavailable", slog.Any("error", err))
		}
		prompt = p
	}
	if prompt == "" {
		prompt = fallbackDream
	}

	env.logger().Info("creating image", slog.String("prompt", prompt))
	images, err := env.LLM.GenerateImage(ctx, prompt)
	if errors.Is(err, llm.ErrBudgetExceeded) {
		return refuseOverBudget(msg, env, emit)
	}
	if err != nil {
		return env.failed(msg, emit, err)
	}
	return emit(env.message(dreamReply, images...))
}

func refuseOverBudget(msg *signal.IncomingMessage, env *Env, emit Emit) error {
	env.logger().Warn("refusing over budget", slog.String("conversation", env.Conversation))
	if err := emit(env.message(budgetRefusal)); err != nil {
		return err
	}
	return emit(env.reaction("🤫", msg))
}
