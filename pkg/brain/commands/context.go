package commands

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/roboricindustries/razzler/pkg/llm"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

const historyTimeLayout = "2006-01-02 15:04:05"

var descriptionRe = regexp.MustCompile(`(?s)\s*\[\[\[.*?\]\]\]`)

// StripDescriptions removes every bracketed image description from text.
func StripDescriptions(text string) string {
	return strings.TrimSpace(descriptionRe.ReplaceAllString(text, ""))
}

// ContextRequest describes one chat completion to build.
type ContextRequest struct {
	Tier llm.Tier
	// Current is the message being answered; its images are attached to
	// its own history entry.
	Current *signal.IncomingMessage
	Images  []llm.Image
	// System prompts appended after the history, in order
	System []string
}

// BuildContext renders the conversation history oldest-first, newest entries
// first to claim the token budget. The newest entry is always kept.
func (e *Env) BuildContext(ctx context.Context, req ContextRequest) ([]llm.Message, error) {
	recs, err := e.History.Range(ctx, e.Conversation)
	if err != nil {
		return nil, err
	}
	budget := e.Settings.MaxChatHistoryTokens

	var (
		picked   []llm.Message // newest first
		used     int
		injected bool
	)
	for _, rec := range recs {
		var m llm.Message
		switch r := rec.(type) {
		case *signal.IncomingMessage:
			if r.Data() == nil {
				continue
			}
			text := r.Text()
			current := !injected && len(req.Images) > 0 && req.Current != nil && r.Timestamp() == req.Current.Timestamp()
			if current {
				text = StripDescriptions(text)
			} else if text == "" {
				continue
			}
			m = llm.User(e.formatIncoming(r.SenderName(), r.Timestamp(), text))
			if current {
				m.Images = req.Images
				injected = true
			}
		case *signal.OutgoingMessage:
			if r.Message == "" {
				continue
			}
			m = llm.Assistant(e.botName() + ": " + r.Message)
		default:
			continue
		}

		n := e.Tokens.Count(req.Tier, m.Content)
		if len(picked) > 0 && budget > 0 && used+n > budget {
			e.logger().Debug("history truncated at token budget",
				slog.String("conversation", e.Conversation), slog.Int("tokens", used), slog.Int("messages", len(picked)))
			break
		}
		used += n
		picked = append(picked, m)
	}

	if len(req.Images) > 0 && !injected && req.Current != nil {
		// the message scrolled out of history; send it as the latest turn
		cur := llm.User(e.formatIncoming(req.Current.SenderName(), req.Current.Timestamp(), StripDescriptions(req.Current.Text())))
		cur.Images = req.Images
		picked = append([]llm.Message{cur}, picked...)
	}

	slices.Reverse(picked)
	for _, s := range req.System {
		if s != "" {
			picked = append(picked, llm.System(s))
		}
	}
	return picked, nil
}

func (e *Env) formatIncoming(sender string, tsMillis int64, text string) string {
	ts := time.UnixMilli(tsMillis).In(e.location()).Format(historyTimeLayout)
	return fmt.Sprintf("%s [%s]: %s", sender, ts, text)
}
