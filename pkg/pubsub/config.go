package pubsub

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig defines client config and topology defaults
type RabbitMQConfig struct {
	URL                         string
	Queues                      []string // durable queues declared on connect
	AppID                       string
	PublishPoolSize             int
	ConsumerPrefetch            int
	ConnTimeoutSeconds          int
	DialAttempts                int
	PoolRetryDelayMs            int
	ReconnectBackoffBaseSeconds int
	ReconnectBackoffCapSeconds  int
	ReconnectJitterPercent      int
	Dialer                      func(ctx context.Context, url string) (*amqp.Connection, error)
}
