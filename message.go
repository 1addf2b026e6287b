package mixsession

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/opd-ai/mixsession/engine"
)

// MaxTextLength bounds the text of one message in bytes.
const MaxTextLength = 4096

var (
	// ErrEmptyMessage is returned when sending a message without text.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrMessageTooLong is returned when text exceeds MaxTextLength.
	ErrMessageTooLong = errors.New("message text too long")
)

// Message is an inbound direct message.
type Message struct {
	ID          []byte
	SenderID    []byte
	RecipientID []byte
	Text        string
	// ReplyTo is the id of the message this one answers, if any.
	ReplyTo   []byte
	Timestamp time.Time
	RoundID   int64
	RoundURL  string
}

// GroupMessage is an inbound group message.
type GroupMessage struct {
	GroupID   []byte
	ID        []byte
	SenderID  []byte
	Text      string
	ReplyTo   []byte
	Timestamp time.Time
	RoundID   int64
	RoundURL  string
}

// payload is the body carried inside the engine's opaque message payload.
type payload struct {
	Text    string `json:"text"`
	ReplyTo []byte `json:"reply_to,omitempty"`
}

func encodePayload(text string, replyTo []byte) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > MaxTextLength {
		return nil, ErrMessageTooLong
	}
	if !utf8.ValidString(text) {
		return nil, errors.New("message text is not valid UTF-8")
	}
	return json.Marshal(payload{Text: text, ReplyTo: replyTo})
}

func decodePayload(raw []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, fmt.Errorf("decode message payload: %w", err)
	}
	if p.Text == "" {
		return payload{}, ErrEmptyMessage
	}
	return p, nil
}

func messageFrom(m engine.ReceivedMessage) (Message, error) {
	p, err := decodePayload(m.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          m.ID,
		SenderID:    m.Sender,
		RecipientID: m.RecipientID,
		Text:        p.Text,
		ReplyTo:     p.ReplyTo,
		Timestamp:   time.Unix(0, m.Timestamp),
		RoundID:     m.RoundID,
		RoundURL:    m.RoundURL,
	}, nil
}

func groupMessageFrom(m engine.GroupMessage) (GroupMessage, error) {
	p, err := decodePayload(m.Payload)
	if err != nil {
		return GroupMessage{}, err
	}
	return GroupMessage{
		GroupID:   m.GroupID,
		ID:        m.MessageID,
		SenderID:  m.SenderID,
		Text:      p.Text,
		ReplyTo:   p.ReplyTo,
		Timestamp: time.Unix(0, m.Timestamp),
		RoundID:   m.RoundID,
		RoundURL:  m.RoundURL,
	}, nil
}
