package common

// QueueMeta names a durable queue and the record type it carries.
type QueueMeta struct {
	Queue string // e.g. "incoming_messages"
	Type  string // e.g. "signal.incoming.v1"
}

var (
	IncomingMessages = QueueMeta{Queue: "incoming_messages", Type: "signal.incoming.v1"}
	OutgoingMessages = QueueMeta{Queue: "outgoing_messages", Type: "signal.outgoing.v1"}
)
