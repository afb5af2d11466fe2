package config

import (
	"github.com/roboricindustries/razzler/pkg/gateway"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
)

func (c *Config) PubSub(appID string) pubsub.RabbitMQConfig {
	return pubsub.RabbitMQConfig{
		URL:                         c.RabbitMQ.URL,
		Queues:                      []string{common.IncomingMessages.Queue, common.OutgoingMessages.Queue},
		AppID:                       appID,
		PublishPoolSize:             c.RabbitMQ.PublishPoolSize,
		ConsumerPrefetch:            c.RabbitMQ.Prefetch,
		ConnTimeoutSeconds:          c.RabbitMQ.ConnTimeoutSeconds,
		DialAttempts:                c.RabbitMQ.DialAttempts,
		ReconnectBackoffBaseSeconds: c.RabbitMQ.ReconnectBaseSeconds,
		ReconnectBackoffCapSeconds:  c.RabbitMQ.ReconnectCapSeconds,
		ReconnectJitterPercent:      c.RabbitMQ.ReconnectJitterPercent,
	}
}

func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		Service: c.Signal.Service,
		Number:  c.Signal.PhoneNumber,
		Timeout: c.Signal.Timeout,
	}
}

func (c *Config) LLM() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:              c.OpenAI.APIKey,
		BaseURL:             c.OpenAI.BaseURL,
		FastModel:           c.OpenAI.FastModel,
		QualityModel:        c.OpenAI.QualityModel,
		VisionModel:         c.OpenAI.VisionModel,
		ImageModel:          c.OpenAI.ImageModel,
		MaxCompletionTokens: c.OpenAI.MaxCompletionTokens,
		ImageSize:           c.OpenAI.ImageSize,
		Prices:              c.OpenAI.Prices,
	}
}
