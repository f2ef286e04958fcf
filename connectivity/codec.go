package connectivity

import (
	"strconv"
	"strings"
	"time"

	"meshnet/models"
)

// Delimiter separates the four wire fields of a message payload.
const Delimiter = "|"

const wireFieldCount = 4

// Encode serializes a message as "id|millis|sender|text". The text field is
// written verbatim and may itself contain the delimiter.
func Encode(message models.Message) []byte {
	var b strings.Builder
	b.Grow(len(message.ID) + len(message.Sender) + len(message.Text) + 24)
	b.WriteString(message.ID)
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatInt(message.Timestamp.UnixMilli(), 10))
	b.WriteString(Delimiter)
	b.WriteString(message.Sender)
	b.WriteString(Delimiter)
	b.WriteString(message.Text)
	return []byte(b.String())
}

// Decode parses a wire payload. Only the first three delimiters split fields;
// everything after the third belongs to the text.
func Decode(payload []byte) (models.Message, error) {
	parts := strings.SplitN(string(payload), Delimiter, wireFieldCount)
	if len(parts) < wireFieldCount {
		return models.Message{}, ErrMalformedPayload
	}

	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return models.Message{}, ErrMalformedPayload
	}

	return models.Message{
		ID:        parts[0],
		Timestamp: time.UnixMilli(millis),
		Sender:    parts[2],
		Text:      parts[3],
	}, nil
}
