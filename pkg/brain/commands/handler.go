// Package commands holds the named message handlers the brain runs over
// every whitelisted inbound message, and the LLM context builder they share.
package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roboricindustries/razzler/pkg/config"
	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/prefs"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// Emit hands one response to the dispatcher. Outgoing records are published
// in emit order; a revised *signal.IncomingMessage replaces its original in
// history before Emit returns.
type Emit func(signal.Record) error

// Handler is a named predicate plus action. Handle may emit any number of
// records and should emit a ❌ reaction before returning an error.
type Handler interface {
	Name() string
	CanHandle(ctx context.Context, msg *signal.IncomingMessage, env *Env) bool
	Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error
}

// Prompts resolves a user's prompt preference, falling back to defaults.
type Prompts interface {
	Prompt(ctx context.Context, userID string, k prefs.Key) (string, error)
}

// Files loads stored attachment payloads.
type Files interface {
	Base64(ref string) (string, error)
}

// Deps are the collaborators shared by every turn of one brain unit.
type Deps struct {
	BotNumber string
	BotName   string
	Settings  config.Brain

	History *history.Store
	Window  *history.Window
	LLM     llm.Backend
	Tokens  llm.Tokenizer
	Prompts Prompts
	Files   Files

	// Location renders history timestamps for the model
	Location *time.Location
	Rand     func() float64
	Now      func() time.Time
	Log      *slog.Logger
}

// Env is the per-message view handlers work with.
type Env struct {
	*Deps
	// Conversation is the history key and the recipient of every response.
	Conversation string
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

func (e *Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Env) botName() string {
	if e.BotName != "" {
		return e.BotName
	}
	return "razzler"
}

func (e *Env) reaction(emoji string, msg *signal.IncomingMessage) *signal.OutgoingReaction {
	return signal.NewReaction(e.Conversation, emoji, msg)
}

func (e *Env) message(text string, base64Attachments ...string) *signal.OutgoingMessage {
	return &signal.OutgoingMessage{Recipient: e.Conversation, Message: text, Base64Attachments: base64Attachments}
}

func (e *Env) typing(state signal.TypingState) *signal.OutgoingTyping {
	return &signal.OutgoingTyping{Recipient: e.Conversation, Typing: state}
}

func (e *Env) isBot(m signal.Mention) bool {
	return e.BotNumber != "" && m.Number == e.BotNumber
}

// botIsSoleMention reports whether the bot is the only @-mention.
func (e *Env) botIsSoleMention(msg *signal.IncomingMessage) bool {
	d := msg.Data()
	return d != nil && len(d.Mentions) == 1 && e.isBot(d.Mentions[0])
}

func (e *Env) mentionsBot(msg *signal.IncomingMessage) bool {
	d := msg.Data()
	if d == nil {
		return false
	}
	for _, m := range d.Mentions {
		if e.isBot(m) {
			return true
		}
	}
	return false
}

func (e *Env) prompt(ctx context.Context, msg *signal.IncomingMessage, k prefs.Key) (string, error) {
	p, err := e.Prompts.Prompt(ctx, msg.Envelope.SourceUUID, k)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(p), nil
}

// failed emits the error reaction and hands err back for the dispatcher.
func (e *Env) failed(msg *signal.IncomingMessage, emit Emit, err error) error {
	if emitErr := emit(e.reaction("❌", msg)); emitErr != nil {
		e.logger().Error("emit error reaction", slog.Any("error", emitErr))
	}
	return err
}

func textIs(msg *signal.IncomingMessage, word string) bool {
	return msg.Data() != nil && strings.EqualFold(msg.Text(), word)
}
