// Package prefs stores per-user prompt preferences and the LLM spend ledger
// in SQLite.
package prefs

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key names one overridable prompt.
type Key string

const (
	KeyReply               Key = "reply"
	KeyReplyRazzleTarget   Key = "reply_razzle_target"
	KeyPersonality         Key = "personality"
	KeyDreamPrompt         Key = "dream_prompt"
	KeyDescribeImage       Key = "describe_image"
	KeyReactWhenActiveChat Key = "react_when_active_chat"
)

// Keys lists every preference in column order.
var Keys = []Key{
	KeyReply,
	KeyReplyRazzleTarget,
	KeyPersonality,
	KeyDreamPrompt,
	KeyDescribeImage,
	KeyReactWhenActiveChat,
}

func (k Key) Valid() bool {
	for _, known := range Keys {
		if k == known {
			return true
		}
	}
	return false
}

// Preferences is a user's resolved prompts; every field is filled.
type Preferences struct {
	UserID              string `json:"user_id"`
	Reply               string `json:"reply"`
	ReplyRazzleTarget   string `json:"reply_razzle_target"`
	Personality         string `json:"personality"`
	DreamPrompt         string `json:"dream_prompt"`
	DescribeImage       string `json:"describe_image"`
	ReactWhenActiveChat string `json:"react_when_active_chat"`
}

func (p *Preferences) field(k Key) *string {
	switch k {
	case KeyReply:
		return &p.Reply
	case KeyReplyRazzleTarget:
		return &p.ReplyRazzleTarget
	case KeyPersonality:
		return &p.Personality
	case KeyDreamPrompt:
		return &p.DreamPrompt
	case KeyDescribeImage:
		return &p.DescribeImage
	case KeyReactWhenActiveChat:
		return &p.ReactWhenActiveChat
	}
	return nil
}

// Get returns the prompt for k, or "" for an unknown key.
func (p Preferences) Get(k Key) string {
	if f := p.field(k); f != nil {
		return *f
	}
	return ""
}

// Update is a partial write; nil fields are left as they are.
type Update struct {
	Reply               *string `json:"reply,omitempty"`
	ReplyRazzleTarget   *string `json:"reply_razzle_target,omitempty"`
	Personality         *string `json:"personality,omitempty"`
	DreamPrompt         *string `json:"dream_prompt,omitempty"`
	DescribeImage       *string `json:"describe_image,omitempty"`
	ReactWhenActiveChat *string `json:"react_when_active_chat,omitempty"`
}

func (u Update) values() []*string {
	return []*string{u.Reply, u.ReplyRazzleTarget, u.Personality, u.DreamPrompt, u.DescribeImage, u.ReactWhenActiveChat}
}

func (u Update) Empty() bool {
	for _, v := range u.values() {
		if v != nil {
			return false
		}
	}
	return true
}

//go:embed defaults/*.txt
var embedded embed.FS

// Defaults resolves fallback prompts: <dir>/prompts/<key>.txt first, then
// the copies built into the binary.
type Defaults struct {
	dir string
}

func NewDefaults(dataDir string) Defaults { return Defaults{dir: dataDir} }

func (d Defaults) Get(k Key) (string, error) {
	if !k.Valid() {
		return "", fmt.Errorf("unknown preference %q", k)
	}
	if d.dir != "" {
		b, err := os.ReadFile(filepath.Join(d.dir, "prompts", string(k)+".txt"))
		if err == nil && strings.TrimSpace(string(b)) != "" {
			return strings.TrimSpace(string(b)), nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read default %s: %w", k, err)
		}
	}
	b, err := embedded.ReadFile("defaults/" + string(k) + ".txt")
	if err != nil {
		return "", fmt.Errorf("no default for %s: %w", k, err)
	}
	return strings.TrimSpace(string(b)), nil
}
