package signal

// MentionPlaceholder is the object replacement character the gateway puts
// in message text where an @-mention is rendered.
const MentionPlaceholder = "￼"

// IncomingMessage is one event from the gateway receive stream.
type IncomingMessage struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	// UNIX timestamp, in milliseconds
	Timestamp int64 `json:"timestamp"`

	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
}

type ReceiptMessage struct {
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	IsViewed   bool    `json:"isViewed"`
	Timestamps []int64 `json:"timestamps"`
}

type TypingMessage struct {
	Action    string `json:"action"` // "STARTED","STOPPED"
	Timestamp int64  `json:"timestamp"`
}

type DataMessage struct {
	Timestamp        int64         `json:"timestamp"`
	Message          *string       `json:"message"`
	ExpiresInSeconds int           `json:"expiresInSeconds"`
	ViewOnce         bool          `json:"viewOnce"`
	Attachments      []Attachment  `json:"attachments,omitempty"`
	Reaction         *Reaction     `json:"reaction,omitempty"`
	Mentions         []Mention     `json:"mentions,omitempty"`
	Quote            *QuoteMessage `json:"quote,omitempty"`
	GroupInfo        *GroupInfo    `json:"groupInfo,omitempty"`
}

type Attachment struct {
	// Gateway id used to download the payload
	ID          string  `json:"id"`
	ContentType string  `json:"contentType"` // "image/jpeg","video/mp4",...
	Filename    *string `json:"filename"`
	Size        int64   `json:"size,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Caption     *string `json:"caption,omitempty"`
	UploadTS    int64   `json:"uploadTimestamp,omitempty"`
	// Opaque attachment store ref, filled once the payload is downloaded
	Data string `json:"data,omitempty"`
}

type QuoteAttachment struct {
	ContentType string      `json:"contentType"`
	Filename    string      `json:"filename"`
	Thumbnail   *Attachment `json:"thumbnail,omitempty"`
	Data        string      `json:"data,omitempty"`
}

type QuoteMessage struct {
	ID           int64             `json:"id"`
	Author       string            `json:"author"`
	AuthorNumber string            `json:"authorNumber"`
	AuthorUUID   string            `json:"authorUuid"`
	Text         string            `json:"text"`
	Mentions     []Mention         `json:"mentions,omitempty"`
	Attachments  []QuoteAttachment `json:"attachments,omitempty"`
}

type Mention struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	UUID   string `json:"uuid"`
	// Offsets are UTF-16 code units, as reported by the gateway
	Start  int `json:"start"`
	Length int `json:"length"`
}

type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

type Reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetAuthorNumber  string `json:"targetAuthorNumber"`
	TargetAuthorUUID    string `json:"targetAuthorUuid"`
	TargetSentTimestamp int64  `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

func (m *IncomingMessage) Kind() Kind { return KindIncoming }

// Data returns the data-bearing part of the event, or nil for receipts,
// typing indicators and sync events.
func (m *IncomingMessage) Data() *DataMessage { return m.Envelope.DataMessage }

// Text returns the message body, "" when absent.
func (m *IncomingMessage) Text() string {
	if d := m.Data(); d != nil && d.Message != nil {
		return *d.Message
	}
	return ""
}

// SetText replaces the message body.
func (m *IncomingMessage) SetText(s string) {
	if d := m.Data(); d != nil {
		d.Message = &s
	}
}

func (m *IncomingMessage) Timestamp() int64 { return m.Envelope.Timestamp }

// GroupID returns the public group id, "" for direct conversations.
func (m *IncomingMessage) GroupID() string {
	if d := m.Data(); d != nil && d.GroupInfo != nil {
		return d.GroupInfo.GroupID
	}
	return ""
}

func (m *IncomingMessage) IsGroup() bool { return m.GroupID() != "" }

// SenderName picks the most human label available for the sender.
func (m *IncomingMessage) SenderName() string {
	switch {
	case m.Envelope.SourceName != "":
		return m.Envelope.SourceName
	case m.Envelope.SourceNumber != "":
		return m.Envelope.SourceNumber
	default:
		return m.Envelope.Source
	}
}

// IsImage reports whether the attachment carries an image payload.
func (a Attachment) IsImage() bool { return isImageType(a.ContentType) }

func (a QuoteAttachment) IsImage() bool { return isImageType(a.ContentType) }

// Ref is the store ref of the quoted payload, falling back to the thumbnail.
func (a QuoteAttachment) Ref() string {
	if a.Data != "" {
		return a.Data
	}
	if a.Thumbnail != nil {
		return a.Thumbnail.Data
	}
	return ""
}

// ImageAttachments lists image attachments of the message itself.
func (d *DataMessage) ImageAttachments() []Attachment {
	if d == nil {
		return nil
	}
	var out []Attachment
	for _, a := range d.Attachments {
		if a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}

// QuotedImages lists image attachments of the quoted message.
func (d *DataMessage) QuotedImages() []QuoteAttachment {
	if d == nil || d.Quote == nil {
		return nil
	}
	var out []QuoteAttachment
	for _, a := range d.Quote.Attachments {
		if a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}

func isImageType(ct string) bool {
	return len(ct) >= 6 && ct[:6] == "image/"
}
