package huddle

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageType distinguishes plain text from other message kinds.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// Message is a single chat message. Identity is ID.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`
}

// sortMessages orders messages by timestamp, keeping arrival order for ties.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
}

// ============================================================================
// Conversations
// ============================================================================

// TypingUser is a participant currently composing a message.
type TypingUser struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Conversation is a two-party or N-party chat.
type Conversation struct {
	ID                   string                `json:"id"`
	ParticipantIDs       []string              `json:"participantIds"`
	ParticipantNames     map[string]string     `json:"participantNames,omitempty"`
	Title                string                `json:"title,omitempty"`
	LastMessage          string                `json:"lastMessage,omitempty"`
	LastMessageTimestamp time.Time             `json:"lastMessageTimestamp"`
	UnreadCount          int                   `json:"unreadCount"`
	TypingUsers          map[string]TypingUser `json:"typingUsers,omitempty"`
}

// DisplayName returns the title when set, otherwise the names of every
// participant other than currentUserID.
func (c *Conversation) DisplayName(currentUserID string) string {
	if c.Title != "" {
		return c.Title
	}
	var names []string
	for _, id := range c.ParticipantIDs {
		if id == currentUserID {
			continue
		}
		if name := c.ParticipantNames[id]; name != "" {
			names = append(names, name)
		} else {
			names = append(names, id)
		}
	}
	if len(names) == 0 {
		return c.ID
	}
	return strings.Join(names, ", ")
}

// ActiveTypingUsers returns the typing users whose indicator has not expired,
// sorted by user id.
func (c *Conversation) ActiveTypingUsers(now time.Time) []TypingUser {
	var out []TypingUser
	for _, u := range c.TypingUsers {
		if u.ExpiresAt.After(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c Conversation) clone() Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.ParticipantNames != nil {
		names := make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			names[k] = v
		}
		c.ParticipantNames = names
	}
	if c.TypingUsers != nil {
		typing := make(map[string]TypingUser, len(c.TypingUsers))
		for k, v := range c.TypingUsers {
			typing[k] = v
		}
		c.TypingUsers = typing
	}
	return c
}

// sortConversations orders conversations by most recent activity first.
func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageTimestamp.After(convs[j].LastMessageTimestamp)
	})
}
