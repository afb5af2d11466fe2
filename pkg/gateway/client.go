// Package gateway talks to the signal REST gateway: a websocket receive
// stream plus REST calls to send, react, toggle typing, fetch attachments
// and list groups.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// ErrStatus is wrapped by every non-2xx response.
var ErrStatus = errors.New("gateway: unexpected status")

type Config struct {
	// Host[:port] of the gateway, or a full http(s) base URL
	Service string
	// The bot's own number
	Number  string
	Timeout time.Duration
}

type Client struct {
	base   *url.URL
	number string
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("gateway service is required")
	}
	if cfg.Number == "" {
		return nil, fmt.Errorf("gateway phone number is required")
	}
	raw := cfg.Service
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway service: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   base,
		number: cfg.Number,
		http:   &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		log:    logger.With(slog.String("component", "gateway")),
	}, nil
}

func (c *Client) Number() string { return c.number }

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = u.Path + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) receiveURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/v1/receive/" + c.number
	return u.String()
}

// Receive streams raw events to fn until ctx ends, the connection drops or
// fn fails. It returns nil only when ctx was cancelled.
func (c *Client) Receive(ctx context.Context, fn func(ctx context.Context, raw []byte) error) error {
	conn, _, err := c.dialer.DialContext(ctx, c.receiveURL(), nil)
	if err != nil {
		return fmt.Errorf("dial receive stream: %w", err)
	}
	defer conn.Close()

	// Close connection when context is cancelled to unblock ReadMessage
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	c.log.Info("receive stream open", slog.String("number", c.number))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read receive stream: %w", err)
		}
		if err := fn(ctx, msg); err != nil {
			return err
		}
	}
}

type sendRequest struct {
	Base64Attachments []string `json:"base64_attachments"`
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
}

// Send posts a text (plus optional base64 attachments) to recipient.
func (c *Client) Send(ctx context.Context, recipient, message string, base64Attachments []string) error {
	if base64Attachments == nil {
		base64Attachments = []string{}
	}
	return c.do(ctx, http.MethodPost, c.endpoint("v2", "send"), sendRequest{
		Base64Attachments: base64Attachments,
		Message:           message,
		Number:            c.number,
		Recipients:        []string{recipient},
	}, nil)
}

type reactionRequest struct {
	Recipient    string `json:"recipient"`
	Reaction     string `json:"reaction"`
	TargetAuthor string `json:"target_author"`
	Timestamp    int64  `json:"timestamp"`
}

// React adds (or with remove, takes back) an emoji on the message sent by
// targetAuthor at timestamp.
func (c *Client) React(ctx context.Context, recipient, emoji, targetAuthor string, timestamp int64, remove bool) error {
	method := http.MethodPost
	if remove {
		method = http.MethodDelete
	}
	return c.do(ctx, method, c.endpoint("v1", "reactions", c.number), reactionRequest{
		Recipient:    recipient,
		Reaction:     emoji,
		TargetAuthor: targetAuthor,
		Timestamp:    timestamp,
	}, nil)
}

type typingRequest struct {
	Recipient string `json:"recipient"`
}

func (c *Client) StartTyping(ctx context.Context, recipient string) error {
	return c.do(ctx, http.MethodPut, c.endpoint("v1", "typing-indicator", c.number), typingRequest{Recipient: recipient}, nil)
}

func (c *Client) StopTyping(ctx context.Context, recipient string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("v1", "typing-indicator", c.number), typingRequest{Recipient: recipient}, nil)
}

// DownloadAttachment fetches the raw payload of attachment id.
func (c *Client) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, c.endpoint("v1", "attachments", id), nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ListGroups returns every group the bot's number belongs to.
func (c *Client) ListGroups(ctx context.Context) ([]signal.Group, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, c.endpoint("v1", "groups", c.number), nil, &buf); err != nil {
		return nil, err
	}
	var groups []signal.Group
	if err := json.Unmarshal(buf.Bytes(), &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in any, out io.Writer) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: %d %s", ErrStatus, method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if _, err := io.Copy(out, resp.Body); err != nil {
			return fmt.Errorf("read %s response: %w", req.URL.Path, err)
		}
	}
	return nil
}
