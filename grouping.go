package huddle

import "time"

// DefaultTimestampGap is the silence after which a timestamp separator is shown.
const DefaultTimestampGap = 300 * time.Second

// MessageItem is a message annotated for display.
type MessageItem struct {
	Message
	ShowTimestamp bool
	ShowAvatar    bool
	IsMine        bool
}

// GroupMessages annotates msgs, which must be in display order. A timestamp
// is shown on the first message and after any gap longer than gap; an avatar
// is shown on the last message of each run from the same sender.
func GroupMessages(msgs []Message, currentUserID string, gap time.Duration) []MessageItem {
	if gap <= 0 {
		gap = DefaultTimestampGap
	}
	items := make([]MessageItem, len(msgs))
	for i, m := range msgs {
		item := MessageItem{Message: m, IsMine: m.SenderID == currentUserID}
		if i == 0 || m.Timestamp.Sub(msgs[i-1].Timestamp) > gap {
			item.ShowTimestamp = true
		}
		if i == len(msgs)-1 || msgs[i+1].SenderID != m.SenderID {
			item.ShowAvatar = true
		}
		items[i] = item
	}
	return items
}
