package models

// Duplex events consumed by the client.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventUserStatusChange  = "user_status_change"
	EventOnlineUsers       = "online_users"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventNewMessage        = "new_message"
	EventMessageSent       = "message_sent"
	EventMessageError      = "message_error"
	EventMessagesRead      = "messages_read"
)

// Duplex events emitted by the client.
const (
	EventUserOnline  = "user_online"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventSendMessage = "send_message"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type UserStatusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserStoppedTyping clears the typing entry. A positive GraceMs keeps the
// entry alive for that long instead of clearing it immediately.
type UserStoppedTyping struct {
	UserID  string `json:"userId"`
	GraceMs int    `json:"graceMs,omitempty"`
}

type MessagesRead struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

// MessageError is the application-level rejection of a duplex send.
type MessageError struct {
	TempID string `json:"tempId"`
	Error  string `json:"error"`
}

type TypingSignal struct {
	RecipientID string `json:"recipientId"`
}
