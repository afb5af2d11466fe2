package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/prefs"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

var quoteBlockRe = regexp.MustCompile(`(?s)\[Quote\].*\[End quote\]`)

// ErrNoImages means none of the image attachments had a stored payload.
var ErrNoImages = errors.New("no image payloads available")

// SeeImage describes the images a message carries and splices the
// description into the stored message. It replies too when the bot is the
// sole mention.
type SeeImage struct{}

func (SeeImage) Name() string { return "see_image" }

func (SeeImage) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return len(msg.Data().ImageAttachments()) > 0
}

func (SeeImage) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	if err := emit(env.reaction("🕵️", msg)); err != nil {
		return err
	}

	var refs []imageRef
	for _, a := range msg.Data().ImageAttachments() {
		refs = append(refs, imageRef{ref: a.Data, contentType: a.ContentType})
	}
	images, err := env.loadImages(refs)
	if err != nil {
		return env.failed(msg, emit, err)
	}

	desc, err := env.describe(ctx, msg, strings.TrimSpace(msg.Text()), images)
	if errors.Is(err, llm.ErrBudgetExceeded) {
		return refuseOverBudget(msg, env, emit)
	}
	if err != nil {
		return env.failed(msg, emit, err)
	}

	revised := revise(msg, strings.TrimSpace(fmt.Sprintf("%s [[[This message contains an image. Image description: '%s']]]", msg.Text(), desc)))
	if err := emit(revised); err != nil {
		return err
	}
	if err := emit(env.reaction("👁️", msg)); err != nil {
		return err
	}
	return replyWithImages(ctx, revised, env, emit, images)
}

// SeeQuotedImage describes the images of a quoted message and rewrites the
// quote block of the stored message to carry the description.
type SeeQuotedImage struct{}

func (SeeQuotedImage) Name() string { return "see_quoted_image" }

func (SeeQuotedImage) CanHandle(_ context.Context, msg *signal.IncomingMessage, _ *Env) bool {
	return len(msg.Data().QuotedImages()) > 0
}

func (SeeQuotedImage) Handle(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit) error {
	if err := emit(env.reaction("🕵️", msg)); err != nil {
		return err
	}

	quote := msg.Data().Quote
	var refs []imageRef
	for _, a := range msg.Data().QuotedImages() {
		refs = append(refs, imageRef{ref: a.Ref(), contentType: a.ContentType})
	}
	images, err := env.loadImages(refs)
	if err != nil {
		return env.failed(msg, emit, err)
	}

	rest := strings.TrimSpace(quoteBlockRe.ReplaceAllString(msg.Text(), ""))
	caption := strings.TrimSpace(StripDescriptions(rest))
	desc, err := env.describe(ctx, msg, caption, images)
	if errors.Is(err, llm.ErrBudgetExceeded) {
		return refuseOverBudget(msg, env, emit)
	}
	if err != nil {
		return env.failed(msg, emit, err)
	}
	if err := emit(env.reaction("👁️", msg)); err != nil {
		return err
	}

	author := quote.Author
	if author == "" {
		author = quote.AuthorNumber
	}
	text := fmt.Sprintf("[Quote]\nIn reply to %s:\n\"%s\"\n[[[The quoted message contains an image. Image description: '%s']]]\n[End quote]\n\n%s",
		author, quote.Text, desc, rest)
	revised := revise(msg, text)
	if err := emit(revised); err != nil {
		return err
	}
	return replyWithImages(ctx, revised, env, emit, images)
}

func replyWithImages(ctx context.Context, msg *signal.IncomingMessage, env *Env, emit Emit, images []llm.Image) error {
	if !env.botIsSoleMention(msg) {
		return nil
	}
	if err := emit(env.reaction("🗣️", msg)); err != nil {
		return err
	}
	return replier{prompt: prefs.KeyReply, tier: llm.TierQuality}.run(ctx, msg, env, emit, images)
}

type imageRef struct {
	ref         string
	contentType string
}

func (e *Env) loadImages(refs []imageRef) ([]llm.Image, error) {
	var out []llm.Image
	for _, r := range refs {
		if r.ref == "" {
			continue
		}
		b64, err := e.Files.Base64(r.ref)
		if err != nil {
			return nil, fmt.Errorf("load image %s: %w", r.ref, err)
		}
		out = append(out, llm.Image{ContentType: r.contentType, Base64: b64})
	}
	if len(out) == 0 {
		return nil, ErrNoImages
	}
	return out, nil
}

// describe asks the vision model about images, guided by the sender's
// describe_image prompt.
func (e *Env) describe(ctx context.Context, msg *signal.IncomingMessage, caption string, images []llm.Image) (string, error) {
	prompt, err := e.prompt(ctx, msg, prefs.KeyDescribeImage)
	if err != nil {
		return "", err
	}
	if caption == "" {
		caption = defaultImageCaption
	}
	var msgs []llm.Message
	if prompt != "" {
		msgs = append(msgs, llm.System(prompt))
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: caption, Images: images})

	desc, err := e.LLM.VisionCompletion(ctx, msgs)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(desc), nil
}

// revise copies msg with its text replaced; the original is left untouched.
func revise(msg *signal.IncomingMessage, text string) *signal.IncomingMessage {
	c := *msg
	if d := msg.Data(); d != nil {
		dc := *d
		c.Envelope.DataMessage = &dc
	}
	c.SetText(text)
	return &c
}
