package huddle

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Frame is the wire format for every realtime message in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrFrameIgnored marks a frame that was well-formed JSON but carried an
// unknown type or lacked the fields its type requires. Such frames are dropped.
var ErrFrameIgnored = errors.New("frame ignored")

// ============================================================================
// Outgoing Events
// ============================================================================

// OutgoingEventType tags client-to-server commands.
type OutgoingEventType string

const (
	OutgoingSendMessage OutgoingEventType = "send_message"
	OutgoingTypingStart OutgoingEventType = "typing_start"
	OutgoingTypingStop  OutgoingEventType = "typing_stop"
	OutgoingMarkRead    OutgoingEventType = "mark_read"
)

// OutgoingEvent is a client-to-server command.
type OutgoingEvent struct {
	Type           OutgoingEventType
	ConversationID string
	Content        string
	MessageType    MessageType
	MessageID      string
}

type outgoingData struct {
	ConversationID string       `json:"conversationId"`
	Content        *string      `json:"content"`
	MessageType    *MessageType `json:"messageType"`
	MessageID      string       `json:"messageId,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
}

// ============================================================================
// Incoming Events
// ============================================================================

// IncomingEventType tags server-to-client events.
type IncomingEventType string

const (
	IncomingNewMessage  IncomingEventType = "new_message"
	IncomingTypingStart IncomingEventType = "typing_start"
	IncomingTypingStop  IncomingEventType = "typing_stop"
	IncomingReadReceipt IncomingEventType = "read_receipt"
)

// IncomingEvent is a decoded server-to-client event.
type IncomingEvent interface {
	EventType() IncomingEventType
	Conversation() string
}

// MessageEvent carries a new message.
type MessageEvent struct {
	ConversationID string
	Message        Message
}

func (MessageEvent) EventType() IncomingEventType { return IncomingNewMessage }
func (e MessageEvent) Conversation() string       { return e.ConversationID }

// TypingEvent reports that a user started or stopped typing.
type TypingEvent struct {
	ConversationID string
	UserID         string
	UserName       string
	IsTyping       bool
}

func (e TypingEvent) EventType() IncomingEventType {
	if e.IsTyping {
		return IncomingTypingStart
	}
	return IncomingTypingStop
}
func (e TypingEvent) Conversation() string { return e.ConversationID }

// ReadReceiptEvent reports that a message was read.
type ReadReceiptEvent struct {
	ConversationID string
	MessageID      string
	UserID         string
}

func (ReadReceiptEvent) EventType() IncomingEventType { return IncomingReadReceipt }
func (e ReadReceiptEvent) Conversation() string       { return e.ConversationID }

type messageSnapshot struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	SenderID       string  `json:"senderId"`
	Content        *string `json:"content"`
	MessageType    string  `json:"messageType"`
	Timestamp      string  `json:"timestamp"`
	IsRead         bool    `json:"isRead"`
}

type incomingData struct {
	ConversationID string           `json:"conversationId"`
	Message        *messageSnapshot `json:"message"`
	MessageID      string           `json:"messageId"`
	UserID         string           `json:"userId"`
	UserName       string           `json:"userName"`
}

// ============================================================================
// Codec
// ============================================================================

// Codec converts between events and wire frames.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a codec stamping times with the wall clock.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// Encode serializes an outgoing command.
func (c *Codec) Encode(ev OutgoingEvent) ([]byte, error) {
	switch ev.Type {
	case OutgoingSendMessage, OutgoingTypingStart, OutgoingTypingStop, OutgoingMarkRead:
	default:
		return nil, newError(ErrorSendFailed, "unknown outgoing event type "+string(ev.Type))
	}
	if ev.ConversationID == "" {
		return nil, newError(ErrorSendFailed, "conversation id is required")
	}

	data := outgoingData{ConversationID: ev.ConversationID}
	switch ev.Type {
	case OutgoingSendMessage:
		content := ev.Content
		msgType := ev.MessageType
		if msgType == "" {
			msgType = MessageTypeText
		}
		data.Content = &content
		data.MessageType = &msgType
		data.Timestamp = c.now().UTC().Format(time.RFC3339Nano)
	case OutgoingMarkRead:
		data.MessageID = ev.MessageID
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, wrapError(ErrorSendFailed, "encode data", err)
	}
	return json.Marshal(Frame{Type: string(ev.Type), Data: raw})
}

// Decode parses one inbound frame. It returns ErrFrameIgnored for unknown
// types and incomplete payloads, and a DecodingFailed error when the frame is
// not valid JSON at all.
func (c *Codec) Decode(raw []byte) (IncomingEvent, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, wrapError(ErrorDecodingFailed, "invalid frame", err)
	}

	switch IncomingEventType(frame.Type) {
	case IncomingNewMessage, IncomingTypingStart, IncomingTypingStop, IncomingReadReceipt:
	default:
		return nil, ErrFrameIgnored
	}

	var data incomingData
	if len(frame.Data) == 0 || json.Unmarshal(frame.Data, &data) != nil {
		return nil, ErrFrameIgnored
	}

	switch IncomingEventType(frame.Type) {
	case IncomingNewMessage:
		return c.decodeMessage(&data)
	case IncomingTypingStart, IncomingTypingStop:
		if data.ConversationID == "" || data.UserID == "" {
			return nil, ErrFrameIgnored
		}
		name := data.UserName
		if name == "" {
			name = data.UserID
		}
		return TypingEvent{
			ConversationID: data.ConversationID,
			UserID:         data.UserID,
			UserName:       name,
			IsTyping:       IncomingEventType(frame.Type) == IncomingTypingStart,
		}, nil
	default:
		ev := ReadReceiptEvent{ConversationID: data.ConversationID, MessageID: data.MessageID, UserID: data.UserID}
		if data.Message != nil {
			if ev.MessageID == "" {
				ev.MessageID = data.Message.ID
			}
			if ev.ConversationID == "" {
				ev.ConversationID = data.Message.ConversationID
			}
		}
		if ev.ConversationID == "" || ev.MessageID == "" {
			return nil, ErrFrameIgnored
		}
		return ev, nil
	}
}

func (c *Codec) decodeMessage(data *incomingData) (IncomingEvent, error) {
	snap := data.Message
	if snap == nil || snap.ID == "" || snap.SenderID == "" {
		return nil, ErrFrameIgnored
	}
	convID := snap.ConversationID
	if convID == "" {
		convID = data.ConversationID
	}
	if convID == "" {
		return nil, ErrFrameIgnored
	}

	msg := Message{
		ID:             snap.ID,
		ConversationID: convID,
		SenderID:       snap.SenderID,
		MessageType:    MessageType(snap.MessageType),
		IsRead:         snap.IsRead,
	}
	if snap.Content != nil {
		msg.Content = *snap.Content
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}
	if ts, err := time.Parse(time.RFC3339Nano, snap.Timestamp); err == nil {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = c.now()
	}
	return MessageEvent{ConversationID: convID, Message: msg}, nil
}
