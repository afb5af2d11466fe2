// Package consumer turns the gateway's receive stream into Incoming records
// on the inbound queue.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roboricindustries/razzler/pkg/attachments"
	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// Gateway is the part of the gateway client a consumer uses.
type Gateway interface {
	Receive(ctx context.Context, fn func(ctx context.Context, raw []byte) error) error
	DownloadAttachment(ctx context.Context, id string) ([]byte, error)
	ListGroups(ctx context.Context) ([]signal.Group, error)
}

type Options struct {
	Name string
	// Reconnect backoff for the receive stream
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterPct   int
}

type Consumer struct {
	gw    Gateway
	dir   *directory.Store
	hist  *history.Store
	files *attachments.FileStore
	pub   pubsub.Publisher
	opts  Options
	log   *slog.Logger
}

func New(gw Gateway, dir *directory.Store, hist *history.Store, files *attachments.FileStore, pub pubsub.Publisher, opts Options, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "consumer"
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	return &Consumer{
		gw:    gw,
		dir:   dir,
		hist:  hist,
		files: files,
		pub:   pub,
		opts:  opts,
		log:   logger.With(slog.String("unit", opts.Name)),
	}
}

// Run refreshes groups once, then reads the receive stream until ctx ends,
// redialling with backoff when the stream drops.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.RefreshGroups(ctx); err != nil {
		c.log.Warn("initial group refresh failed", slog.Any("error", err))
	}

	attempt := 0
	for {
		err := c.gw.Receive(ctx, func(ctx context.Context, raw []byte) error {
			attempt = 0
			c.Handle(ctx, raw)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := pubsub.JitteredDelay(c.opts.BackoffBase*time.Duration(1<<min(attempt, 10)), c.opts.BackoffCap, c.opts.JitterPct)
		c.log.Warn("receive stream dropped, redialling", slog.Any("error", err), slog.Duration("in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Handle processes one raw gateway event. Failures are logged, never
// returned: one bad event must not stop the stream.
func (c *Consumer) Handle(ctx context.Context, raw []byte) {
	var msg signal.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.ConsumerEvents.WithLabelValues(metrics.ResultRejected).Inc()
		c.log.Error("malformed gateway event", slog.Any("error", err), slog.String("raw", truncate(raw, 256)))
		return
	}
	result, err := c.process(ctx, &msg)
	if err != nil {
		c.log.Error("process event failed",
			slog.Int64("timestamp", msg.Envelope.Timestamp),
			slog.String("source", msg.Envelope.Source),
			slog.Any("error", err))
		result = metrics.ResultError
	}
	metrics.ConsumerEvents.WithLabelValues(result).Inc()
}

func (c *Consumer) process(ctx context.Context, msg *signal.IncomingMessage) (string, error) {
	env := msg.Envelope
	if _, err := c.dir.UpdateContact(ctx, env.SourceUUID, env.SourceNumber, env.SourceName); err != nil {
		return "", fmt.Errorf("update contact: %w", err)
	}

	switch {
	case env.ReceiptMessage != nil:
		c.log.Debug("receipt message")
		return metrics.ResultDropped, nil
	case env.TypingMessage != nil:
		c.log.Debug("typing message")
		return metrics.ResultDropped, nil
	case env.DataMessage == nil:
		c.log.Debug("event without data", slog.String("source", env.Source))
		return metrics.ResultDropped, nil
	}
	data := env.DataMessage

	if gid := msg.GroupID(); gid != "" {
		known, err := c.dir.HasGroup(gid)
		if err != nil {
			return "", err
		}
		if !known {
			c.log.Info("new group, refreshing", slog.String("group_id", gid))
			if err := c.RefreshGroups(ctx); err != nil {
				return "", err
			}
		}
	}

	if err := c.downloadAttachments(ctx, data); err != nil {
		return "", err
	}

	// handlers read mentions in text order
	signal.SortMentions(data.Mentions)
	if data.Message != nil {
		msg.SetText(signal.ResolveMentions(*data.Message, data.Mentions, c.dir.MentionName))
	}
	if q := data.Quote; q != nil {
		signal.SortMentions(q.Mentions)
		q.Text = signal.ResolveMentions(q.Text, q.Mentions, c.dir.MentionName)
		msg.SetText(QuoteBlock(q.Author, q.Text, msg.Text()))
		if err := c.downloadQuoteAttachments(ctx, q); err != nil {
			return "", err
		}
	}

	conv, err := c.dir.ConversationKey(msg)
	if err != nil {
		return "", fmt.Errorf("conversation key: %w", err)
	}
	if err := c.hist.Append(ctx, conv, msg); err != nil {
		return "", err
	}

	meta := common.NewMeta(common.IncomingMessages.Type, c.opts.Name)
	if err := pubsub.PublishJSON(ctx, c.pub, common.IncomingMessages.Queue, meta, msg); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	c.log.Info("queued incoming message",
		slog.Int64("timestamp", env.Timestamp),
		slog.String("source", env.SourceNumber),
		slog.String("conversation", conv))
	return metrics.ResultOK, nil
}

// QuoteBlock prefixes message with the quoted text.
func QuoteBlock(author, quoted, message string) string {
	return fmt.Sprintf("[Quote]\nIn reply to %s:\n\"%s\"\n[End quote]\n\n%s", author, quoted, message)
}

func (c *Consumer) downloadAttachments(ctx context.Context, data *signal.DataMessage) error {
	for i := range data.Attachments {
		a := &data.Attachments[i]
		ref, err := c.fetch(ctx, a.ID)
		if err != nil {
			return err
		}
		a.Data = ref
	}
	return nil
}

func (c *Consumer) downloadQuoteAttachments(ctx context.Context, q *signal.QuoteMessage) error {
	for i := range q.Attachments {
		a := &q.Attachments[i]
		if a.Thumbnail == nil || a.Thumbnail.ID == "" {
			continue
		}
		ref, err := c.fetch(ctx, a.Thumbnail.ID)
		if err != nil {
			return err
		}
		a.Data = ref
	}
	return nil
}

func (c *Consumer) fetch(ctx context.Context, id string) (string, error) {
	c.log.Info("downloading attachment", slog.String("id", id))
	content, err := c.gw.DownloadAttachment(ctx, id)
	if err != nil {
		return "", fmt.Errorf("download attachment %s: %w", id, err)
	}
	ref, err := c.files.Save(id, content)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// RefreshGroups pulls the gateway's group list into the directory.
func (c *Consumer) RefreshGroups(ctx context.Context) error {
	groups, err := c.gw.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	if err := c.dir.ReplaceGroups(ctx, groups); err != nil {
		return err
	}
	c.log.Info("groups refreshed", slog.Int("groups", len(groups)))
	return nil
}

// ScheduleGroupRefresh runs RefreshGroups on a cron spec until ctx ends.
// An empty spec schedules nothing.
func (c *Consumer) ScheduleGroupRefresh(ctx context.Context, spec string) error {
	if spec == "" {
		return nil
	}
	sched := cron.New()
	if _, err := sched.AddFunc(spec, func() {
		if err := c.RefreshGroups(ctx); err != nil {
			c.log.Warn("scheduled group refresh failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("group refresh schedule %q: %w", spec, err)
	}
	sched.Start()
	go func() {
		<-ctx.Done()
		<-sched.Stop().Done()
	}()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
