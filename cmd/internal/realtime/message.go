package realtime

import (
	"strings"
	"time"
	"unicode/utf8"

	v1 "forge/shared/contracts/realtime/v1"
)

// Message is the canonical persisted message representation.
// ID, Seq and CreatedAt are assigned by the store at insert time.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	SenderName     string
	Body           string
	Image          string
	ClientMsgID    string
	CreatedAt      time.Time
}

// Wire converts a stored message into its protocol representation.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		Image:          m.Image,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt,
	}
}

func wireMessages(in []Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, m.Wire())
	}
	return out
}

// NormalizeConversationID trims id and checks it is usable as a room key.
func NormalizeConversationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidConversation
	}
	if len(id) > maxConversationIDBytes {
		return "", ErrInvalidConversation
	}
	return id, nil
}

// SendInput is one send request as handed to the Engine.
type SendInput struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Image          string
	ClientMsgID    string
}

// normalize trims the identifying fields and enforces content rules. Body is kept
// verbatim so indentation in pasted code survives; it only has to be non-blank.
// The returned error always wraps ErrInvalidMessage.
func (in SendInput) normalize() (SendInput, error) {
	out := SendInput{
		ConversationID: strings.TrimSpace(in.ConversationID),
		SenderID:       strings.TrimSpace(in.SenderID),
		SenderName:     strings.TrimSpace(in.SenderName),
		Body:           in.Body,
		Image:          strings.TrimSpace(in.Image),
		ClientMsgID:    strings.TrimSpace(in.ClientMsgID),
	}

	if _, err := NormalizeConversationID(out.ConversationID); err != nil {
		return SendInput{}, invalidf("missing or oversized conversation_id")
	}
	if out.SenderID == "" {
		return SendInput{}, invalidf("missing sender_id")
	}
	if len(out.SenderID) > maxSenderIDBytes {
		return SendInput{}, invalidf("sender_id too long")
	}
	if utf8.RuneCountInString(out.SenderName) > maxSenderNameChars {
		return SendInput{}, invalidf("sender_name too long: max=%d chars", maxSenderNameChars)
	}
	if strings.TrimSpace(out.Body) == "" && out.Image == "" {
		return SendInput{}, invalidf("empty message: body or image required")
	}
	if utf8.RuneCountInString(out.Body) > maxMessageChars {
		return SendInput{}, invalidf("message too long: max=%d chars", maxMessageChars)
	}
	if len(out.Image) > maxImageRefBytes {
		return SendInput{}, invalidf("image reference too long: max=%d bytes", maxImageRefBytes)
	}
	if len(out.ClientMsgID) > maxClientMsgIDBytes {
		return SendInput{}, invalidf("client_msg_id too long")
	}
	return out, nil
}
