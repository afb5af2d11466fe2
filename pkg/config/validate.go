package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.General.NumProducers < 0 || c.General.NumConsumers < 0 || c.General.NumBrains < 0 {
		add("general: unit counts must not be negative")
	}
	if c.General.DataDir == "" {
		add("general.data_dir is required")
	}
	if _, err := time.LoadLocation(c.General.Timezone); err != nil {
		add("general.timezone: %v", err)
	}
	if s := c.General.GroupRefreshSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add("general.group_refresh_schedule: %v", err)
		}
	}

	if c.Signal.PhoneNumber != "" && !strings.HasPrefix(c.Signal.PhoneNumber, "+") {
		add("signal.phone_number must be in international format, got %q", c.Signal.PhoneNumber)
	}
	if c.Signal.MessageHistoryLength <= 0 {
		add("signal.message_history_length must be positive")
	}
	if c.Signal.SendRate < 0 || c.Signal.SendBurst < 0 {
		add("signal: send_rate and send_burst must not be negative")
	}

	if !strings.HasPrefix(c.RabbitMQ.URL, "amqp://") && !strings.HasPrefix(c.RabbitMQ.URL, "amqps://") {
		add("rabbitmq.url must be an amqp:// or amqps:// URL")
	}
	if c.RabbitMQ.Prefetch < 0 {
		add("rabbitmq.prefetch must not be negative")
	}

	known := make(map[string]bool, len(DefaultCommands))
	for _, n := range DefaultCommands {
		known[n] = true
	}
	for _, n := range c.Brain.Commands {
		if !known[n] {
			add("brain.commands: unknown handler %q", n)
		}
	}
	if c.Brain.BotName == "" {
		add("brain.bot_name is required")
	}
	if c.Brain.MaxChatHistoryTokens < 0 {
		add("brain.max_chat_history_tokens must not be negative")
	}
	if c.Brain.RateLimit.MaxReplies < 0 || c.Brain.RateLimit.Window < 0 {
		add("brain.rate_limit must not be negative")
	}
	for name, ac := range map[string]ActiveChat{"active_chat": c.Brain.ActiveChat, "react_to_chat": c.Brain.ReactToChat} {
		if ac.MinMessages < 0 || ac.MaxMessages <= ac.MinMessages {
			add("brain.%s: need 0 <= min_messages < max_messages", name)
		}
	}

	if c.OpenAI.FastModel == "" || c.OpenAI.QualityModel == "" {
		add("openai: fast_model and quality_model are required")
	}
	if c.OpenAI.BudgetUSD < 0 {
		add("openai.budget_usd must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format: unknown format %q", c.Logging.Format)
	}
	return errors.Join(errs...)
}
