package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig maps tiers to models and carries request defaults.
type OpenAIConfig struct {
	APIKey              string
	BaseURL             string
	FastModel           string
	QualityModel        string
	VisionModel         string
	ImageModel          string
	MaxCompletionTokens int64
	Temperature         float64
	ImageSize           string
	ImageDetail         string // "low","high","auto"
	Prices              map[string]Price
}

// OpenAIProvider implements Backend with the official SDK and records what
// each call cost in the ledger.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
	ledger Ledger
	log    *slog.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, ledger Ledger, logger *slog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.ImageDetail == "" {
		cfg.ImageDetail = "low"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		ledger: ledger,
		log:    logger.With(slog.String("component", "openai")),
	}
}

func (p *OpenAIProvider) model(tier Tier) (string, error) {
	switch tier {
	case TierFast:
		return p.cfg.FastModel, nil
	case TierQuality:
		return p.cfg.QualityModel, nil
	}
	return "", fmt.Errorf("invalid model tier %q", tier)
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, tier Tier, msgs []Message) (string, error) {
	model, err := p.model(tier)
	if err != nil {
		return "", err
	}
	return p.complete(ctx, model, msgs)
}

func (p *OpenAIProvider) VisionCompletion(ctx context.Context, msgs []Message) (string, error) {
	return p.complete(ctx, p.cfg.VisionModel, msgs)
}

func (p *OpenAIProvider) complete(ctx context.Context, model string, msgs []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: p.buildMessages(msgs),
	}
	if p.cfg.MaxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.cfg.MaxCompletionTokens)
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}

	p.log.Debug("chat completion", slog.String("model", model), slog.Int("messages", len(msgs)))
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", model, err)
	}
	p.record(ctx, Usage{
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	})
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[rand.IntN(len(resp.Choices))].Message.Content, nil
}

func (p *OpenAIProvider) buildMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    img.DataURL(),
					Detail: p.cfg.ImageDetail,
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt string) ([]string, error) {
	params := openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(p.cfg.ImageModel),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}
	if p.cfg.ImageSize != "" {
		params.Size = openai.ImageGenerateParamsSize(p.cfg.ImageSize)
	}
	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	images := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		}
	}
	p.record(ctx, Usage{Model: p.cfg.ImageModel, Images: int64(len(images))})
	if len(images) == 0 {
		return nil, errors.New("image generation returned no images")
	}
	return images, nil
}

func (p *OpenAIProvider) record(ctx context.Context, u Usage) {
	if p.ledger == nil {
		return
	}
	spender := SpenderFrom(ctx)
	cost := Cost(p.cfg.Prices, u)
	// spend is bookkeeping; a failed write must not fail the reply
	if err := p.ledger.Record(context.WithoutCancel(ctx), spender, u, cost); err != nil {
		p.log.Error("record spend failed", slog.String("spender", spender), slog.Any("error", err))
	}
}
