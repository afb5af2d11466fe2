package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindIncoming Kind = "incoming"
	KindOutgoing Kind = "outgoing"
	KindReaction Kind = "reaction"
	KindTyping   Kind = "typing"
)

// Record is one of *IncomingMessage, *OutgoingMessage, *OutgoingReaction or
// *OutgoingTyping. History entries only ever hold the first three.
type Record interface {
	Kind() Kind
}

// ErrUnknownRecord is returned for payloads matching no record shape.
var ErrUnknownRecord = errors.New("unknown record shape")

// DecodeRecord classifies a history entry by the keys it carries.
func DecodeRecord(raw []byte) (Record, error) {
	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if rec.Kind() == KindTyping {
		return nil, fmt.Errorf("%w: typing indicator in history", ErrUnknownRecord)
	}
	return rec, nil
}

// DecodeOutbound decodes an outbound queue payload.
func DecodeOutbound(raw []byte) (Record, error) {
	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if rec.Kind() == KindIncoming {
		return nil, fmt.Errorf("%w: incoming message on outbound queue", ErrUnknownRecord)
	}
	return rec, nil
}

func decode(raw []byte) (Record, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRecord, err)
	}
	has := func(k string) bool {
		v, ok := keys[k]
		return ok && string(v) != "null"
	}

	var rec Record
	switch {
	case has("envelope"):
		rec = &IncomingMessage{}
	case has("recipient") && has("reaction") && has("target_uuid"):
		rec = &OutgoingReaction{}
	case has("recipient") && has("typing"):
		rec = &OutgoingTyping{}
	case has("recipient") && has("message"):
		rec = &OutgoingMessage{}
	default:
		return nil, ErrUnknownRecord
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRecord, err)
	}
	return rec, nil
}

// Encode serializes a record for the queue or the history store.
func Encode(r Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", r.Kind(), err)
	}
	return b, nil
}
