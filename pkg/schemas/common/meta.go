package common

import (
	"time"

	"github.com/google/uuid"
)

// Meta travels as AMQP properties alongside every published record.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID string `json:"correlation_id,omitempty"`
	// Unique message ID
	ID string `json:"id"`
	// Emitting unit, e.g. "consumer", "brain"
	Producer string `json:"producer,omitempty"`
	// Timestamp when the record was published
	Time time.Time `json:"time"`
	// Record type, e.g. signal.incoming.v1
	Type string `json:"type"`
}

// NewMeta stamps a fresh ID and time.
func NewMeta(typ, producer string) Meta {
	return Meta{
		ID:       uuid.NewString(),
		Producer: producer,
		Time:     time.Now().UTC(),
		Type:     typ,
	}
}

// Caused returns a copy correlated with the message that caused it.
func (m Meta) Caused(cause Meta) Meta {
	m.CorrelationID = cause.CorrelationID
	if m.CorrelationID == "" {
		m.CorrelationID = cause.ID
	}
	return m
}
