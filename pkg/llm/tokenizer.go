package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// BPE ranks ship with the binary; no downloads at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const fallbackEncoding = "cl100k_base"

// TiktokenCounter counts tokens with each tier model's BPE encoding.
type TiktokenCounter struct {
	models map[Tier]string
	log    *slog.Logger

	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter(models map[Tier]string, logger *slog.Logger) *TiktokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TiktokenCounter{models: models, log: logger, encs: make(map[string]*tiktoken.Tiktoken)}
}

func (t *TiktokenCounter) Count(tier Tier, text string) int {
	enc := t.encoding(t.models[tier])
	if enc == nil {
		// rough fallback: ~4 bytes per token
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) encoding(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		t.log.Debug("no encoding for model, using fallback", slog.String("model", model), slog.String("encoding", fallbackEncoding))
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			t.log.Error("tokenizer unavailable", slog.Any("error", err))
			enc = nil
		}
	}
	t.encs[model] = enc
	return enc
}
