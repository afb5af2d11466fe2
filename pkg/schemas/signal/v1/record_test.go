package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecordClassifiesByShape(t *testing.T) {
	text := "hello"
	in := &IncomingMessage{
		Account: "+100",
		Envelope: Envelope{
			Source:     "+200",
			SourceUUID: "u-200",
			Timestamp:  1717075009000,
			DataMessage: &DataMessage{
				Timestamp: 1717075009000,
				Message:   &text,
			},
		},
	}
	tests := []struct {
		name string
		rec  Record
		want Kind
	}{
		{"incoming", in, KindIncoming},
		{"outgoing", &OutgoingMessage{Recipient: "+200", Message: "PONG"}, KindOutgoing},
		{"reaction", NewReaction("+200", "👍", in), KindReaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.rec)
			require.NoError(t, err)
			got, err := DecodeRecord(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind())
			assert.Equal(t, tt.rec, got)
		})
	}
}

func TestDecodeRecordRejectsUnknownShapes(t *testing.T) {
	for _, raw := range []string{
		`{"foo":1}`,
		`not json`,
		`{"recipient":"+1"}`,
		`{"recipient":"+1","typing":"start"}`,
		`{"envelope":null,"account":"+1"}`,
	} {
		_, err := DecodeRecord([]byte(raw))
		assert.ErrorIs(t, err, ErrUnknownRecord, raw)
	}
}

func TestDecodeOutbound(t *testing.T) {
	rec, err := DecodeOutbound([]byte(`{"recipient":"+1","typing":"stop"}`))
	require.NoError(t, err)
	typing, ok := rec.(*OutgoingTyping)
	require.True(t, ok)
	assert.Equal(t, TypingStop, typing.Typing)

	rec, err = DecodeOutbound([]byte(`{"recipient":"+1","reaction":"👍","target_uuid":"u","timestamp":5}`))
	require.NoError(t, err)
	assert.Equal(t, KindReaction, rec.Kind())

	_, err = DecodeOutbound([]byte(`{"envelope":{"source":"+1","timestamp":1},"account":"+2"}`))
	assert.ErrorIs(t, err, ErrUnknownRecord)
}

func TestValidate(t *testing.T) {
	err := (&OutgoingMessage{}).Validate()
	require.ErrorIs(t, err, ErrInvalidContract)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Issues, 2)

	assert.NoError(t, (&OutgoingMessage{Recipient: "+1", Base64Attachments: []string{"aGk="}}).Validate())
	assert.Error(t, (&OutgoingReaction{Recipient: "+1", Reaction: "👍"}).Validate())
	assert.Error(t, (&OutgoingTyping{Recipient: "+1", Typing: "maybe"}).Validate())
}

func TestImageHelpers(t *testing.T) {
	d := &DataMessage{
		Attachments: []Attachment{{ID: "a", ContentType: "image/png"}, {ID: "b", ContentType: "audio/aac"}},
		Quote: &QuoteMessage{Attachments: []QuoteAttachment{
			{ContentType: "image/jpeg", Thumbnail: &Attachment{ID: "t", Data: "attachments/t"}},
		}},
	}
	require.Len(t, d.ImageAttachments(), 1)
	assert.Equal(t, "a", d.ImageAttachments()[0].ID)
	require.Len(t, d.QuotedImages(), 1)
	assert.Equal(t, "attachments/t", d.QuotedImages()[0].Ref())
}
