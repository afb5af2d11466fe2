// Package config loads razzler configuration from a YAML file, the
// environment (prefix RAZZLER_) and an optional .env file.
package config

import (
	"time"

	"github.com/roboricindustries/razzler/pkg/llm"
)

type Config struct {
	General  General  `mapstructure:"general" yaml:"general"`
	Signal   Signal   `mapstructure:"signal" yaml:"signal"`
	Redis    Redis    `mapstructure:"redis" yaml:"redis"`
	RabbitMQ RabbitMQ `mapstructure:"rabbitmq" yaml:"rabbitmq"`
	Brain    Brain    `mapstructure:"brain" yaml:"brain"`
	OpenAI   OpenAI   `mapstructure:"openai" yaml:"openai"`
	Prefs    Prefs    `mapstructure:"prefs" yaml:"prefs"`
	Logging  Logging  `mapstructure:"logging" yaml:"logging"`
	Metrics  Metrics  `mapstructure:"metrics" yaml:"metrics"`
}

type General struct {
	NumProducers int    `mapstructure:"num_producers" yaml:"num_producers"`
	NumConsumers int    `mapstructure:"num_consumers" yaml:"num_consumers"`
	NumBrains    int    `mapstructure:"num_brains" yaml:"num_brains"`
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	// IANA zone used when rendering history timestamps for the model
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
	// cron spec; empty disables the periodic refresh
	GroupRefreshSchedule string `mapstructure:"group_refresh_schedule" yaml:"group_refresh_schedule"`
}

type Signal struct {
	Service              string        `mapstructure:"service" yaml:"service"`
	PhoneNumber          string        `mapstructure:"phone_number" yaml:"phone_number"`
	AdminNumber          string        `mapstructure:"admin_number" yaml:"admin_number"`
	MessageHistoryLength int           `mapstructure:"message_history_length" yaml:"message_history_length"`
	SendRate             float64       `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst            int           `mapstructure:"send_burst" yaml:"send_burst"`
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Redis struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Password string `mapstructure:"password" yaml:"password"`
}

type RabbitMQ struct {
	URL                    string `mapstructure:"url" yaml:"url"`
	Prefetch               int    `mapstructure:"prefetch" yaml:"prefetch"`
	PublishPoolSize        int    `mapstructure:"publish_pool_size" yaml:"publish_pool_size"`
	ConnTimeoutSeconds     int    `mapstructure:"conn_timeout_seconds" yaml:"conn_timeout_seconds"`
	DialAttempts           int    `mapstructure:"dial_attempts" yaml:"dial_attempts"`
	ReconnectBaseSeconds   int    `mapstructure:"reconnect_base_seconds" yaml:"reconnect_base_seconds"`
	ReconnectCapSeconds    int    `mapstructure:"reconnect_cap_seconds" yaml:"reconnect_cap_seconds"`
	ReconnectJitterPercent int    `mapstructure:"reconnect_jitter_percent" yaml:"reconnect_jitter_percent"`
}

type Brain struct {
	// enabled handler names; run in the registry's fixed order
	Commands []string `mapstructure:"commands" yaml:"commands"`
	// numbers or uuids allowed to !whitelist / !blacklist
	Admins               []string   `mapstructure:"admins" yaml:"admins"`
	BotName              string     `mapstructure:"bot_name" yaml:"bot_name"`
	MaxChatHistoryTokens int        `mapstructure:"max_chat_history_tokens" yaml:"max_chat_history_tokens"`
	RateLimit            RateLimit  `mapstructure:"rate_limit" yaml:"rate_limit"`
	ActiveChat           ActiveChat `mapstructure:"active_chat" yaml:"active_chat"`
	ReactToChat          ActiveChat `mapstructure:"react_to_chat" yaml:"react_to_chat"`
}

type RateLimit struct {
	MaxReplies int           `mapstructure:"max_replies" yaml:"max_replies"`
	Window     time.Duration `mapstructure:"window" yaml:"window"`
}

// ActiveChat tunes the chat volume heuristic: below MinMessages the bot
// stays quiet, at MaxMessages it always speaks.
type ActiveChat struct {
	MinMessages int           `mapstructure:"min_messages" yaml:"min_messages"`
	MaxMessages int           `mapstructure:"max_messages" yaml:"max_messages"`
	Lookback    time.Duration `mapstructure:"lookback" yaml:"lookback"`
}

type OpenAI struct {
	APIKey              string               `mapstructure:"api_key" yaml:"api_key"`
	BaseURL             string               `mapstructure:"base_url" yaml:"base_url"`
	FastModel           string               `mapstructure:"fast_model" yaml:"fast_model"`
	QualityModel        string               `mapstructure:"quality_model" yaml:"quality_model"`
	VisionModel         string               `mapstructure:"vision_model" yaml:"vision_model"`
	ImageModel          string               `mapstructure:"image_model" yaml:"image_model"`
	MaxCompletionTokens int64                `mapstructure:"max_completion_tokens" yaml:"max_completion_tokens"`
	ImageSize           string               `mapstructure:"image_size" yaml:"image_size"`
	BudgetUSD           float64              `mapstructure:"budget_usd" yaml:"budget_usd"`
	Prices              map[string]llm.Price `mapstructure:"prices" yaml:"prices"`
}

func (o OpenAI) Models() map[llm.Tier]string {
	return map[llm.Tier]string{llm.TierFast: o.FastModel, llm.TierQuality: o.QualityModel}
}

type Prefs struct {
	DBPath               string        `mapstructure:"db_path" yaml:"db_path"`
	Listen               string        `mapstructure:"listen" yaml:"listen"`
	JWTSecret            string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry            time.Duration `mapstructure:"jwt_expiry" yaml:"jwt_expiry"`
	OTPTTL               time.Duration `mapstructure:"otp_ttl" yaml:"otp_ttl"`
	DefaultCountryPrefix string        `mapstructure:"default_country_prefix" yaml:"default_country_prefix"`
	AllowedOrigins       []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type Logging struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
}

type Metrics struct {
	// empty disables the endpoint
	Listen string `mapstructure:"listen" yaml:"listen"`
}
