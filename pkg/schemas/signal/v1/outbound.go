package signal

// OutgoingMessage is a text (and optional inline attachments) to send.
type OutgoingMessage struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	// Attachment content, base64 encoded, never a reference
	Base64Attachments []string `json:"base64_attachments,omitempty"`
}

// OutgoingReaction adds or removes an emoji reaction on a message.
type OutgoingReaction struct {
	Recipient  string `json:"recipient"`
	Reaction   string `json:"reaction"`
	TargetUUID string `json:"target_uuid"`
	// Timestamp of the message reacted to
	Timestamp int64 `json:"timestamp"`
	IsRemove  bool  `json:"is_remove,omitempty"`
}

type TypingState string

const (
	TypingStart TypingState = "start"
	TypingStop  TypingState = "stop"
)

// OutgoingTyping toggles the typing indicator in a conversation.
type OutgoingTyping struct {
	Recipient string      `json:"recipient"`
	Typing    TypingState `json:"typing"`
}

func (m *OutgoingMessage) Kind() Kind  { return KindOutgoing }
func (r *OutgoingReaction) Kind() Kind { return KindReaction }
func (t *OutgoingTyping) Kind() Kind   { return KindTyping }

func (m *OutgoingMessage) Validate() error {
	ve := &ValidationError{}
	if m.Recipient == "" {
		ve.add("recipient", "required")
	}
	if m.Message == "" && len(m.Base64Attachments) == 0 {
		ve.add("message", "message or attachments required")
	}
	return ve.orNil()
}

func (r *OutgoingReaction) Validate() error {
	ve := &ValidationError{}
	if r.Recipient == "" {
		ve.add("recipient", "required")
	}
	if r.Reaction == "" {
		ve.add("reaction", "required")
	}
	if r.TargetUUID == "" {
		ve.add("target_uuid", "required")
	}
	if r.Timestamp <= 0 {
		ve.add("timestamp", "must be positive")
	}
	return ve.orNil()
}

func (t *OutgoingTyping) Validate() error {
	ve := &ValidationError{}
	if t.Recipient == "" {
		ve.add("recipient", "required")
	}
	switch t.Typing {
	case TypingStart, TypingStop:
	default:
		ve.add("typing", "unknown")
	}
	return ve.orNil()
}

// NewReaction builds the reaction a handler emits on the message it is
// processing.
func NewReaction(recipient, emoji string, target *IncomingMessage) *OutgoingReaction {
	return &OutgoingReaction{
		Recipient:  recipient,
		Reaction:   emoji,
		TargetUUID: target.Envelope.SourceUUID,
		Timestamp:  target.Envelope.Timestamp,
	}
}
