package models

// Conversation is the direct conversation between the current user and
// OtherUserID.
type Conversation struct {
	OtherUserID string   `json:"otherUserId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

type UnreadSummary struct {
	Chat          int `json:"chat"`
	Notifications int `json:"notifications"`
}
