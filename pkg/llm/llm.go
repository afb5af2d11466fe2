// Package llm is the boundary to the language model backend: chat, vision
// and image generation, plus token counting and spend metering.
package llm

import (
	"context"
	"errors"
)

// Tier selects a model class; concrete model names come from config.
type Tier string

const (
	TierFast    Tier = "fast"
	TierQuality Tier = "quality"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is inline image content for vision requests.
type Image struct {
	ContentType string
	Base64      string
}

func (i Image) DataURL() string { return "data:" + i.ContentType + ";base64," + i.Base64 }

type Message struct {
	Role    Role
	Content string
	Images  []Image
}

func System(s string) Message    { return Message{Role: RoleSystem, Content: s} }
func User(s string) Message      { return Message{Role: RoleUser, Content: s} }
func Assistant(s string) Message { return Message{Role: RoleAssistant, Content: s} }

// Backend is the model provider.
type Backend interface {
	ChatCompletion(ctx context.Context, tier Tier, msgs []Message) (string, error)
	VisionCompletion(ctx context.Context, msgs []Message) (string, error)
	// GenerateImage returns base64 encoded images.
	GenerateImage(ctx context.Context, prompt string) ([]string, error)
}

// Tokenizer counts tokens the way the tier's model would.
type Tokenizer interface {
	Count(tier Tier, text string) int
}

// ErrBudgetExceeded is returned instead of calling the backend once the
// configured spend ceiling is reached.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// Usage is what one backend call consumed.
type Usage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Images           int64
}

// Ledger accumulates spend per spender.
type Ledger interface {
	Record(ctx context.Context, spender string, u Usage, costUSD float64) error
	Total(ctx context.Context) (float64, error)
}

type spenderKey struct{}

// WithSpender tags ctx with who the calls made under it are billed to.
func WithSpender(ctx context.Context, spender string) context.Context {
	return context.WithValue(ctx, spenderKey{}, spender)
}

func SpenderFrom(ctx context.Context) string {
	if s, ok := ctx.Value(spenderKey{}).(string); ok && s != "" {
		return s
	}
	return "unknown"
}
