package models

import (
	"time"
)

type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// CanTransition reports whether a message may move from s to next.
// Only pending->sent, pending->failed and failed->pending are reachable.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case MessageStatusPending:
		return next == MessageStatusSent || next == MessageStatusFailed
	case MessageStatusFailed:
		return next == MessageStatusPending
	default:
		return false
	}
}

type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindImage   MessageKind = "image"
	MessageKindArtwork MessageKind = "artwork"
	MessageKindOffer   MessageKind = "offer"
)

func (k MessageKind) OrDefault() MessageKind {
	if k == "" {
		return MessageKindText
	}
	return k
}

// Message is a single chat message. ID is assigned by the server and is empty
// until the message is acknowledged; TempID is assigned locally and always set
// for messages this client sent.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"messageType"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	Read           bool          `json:"read,omitempty"`
}

// Peer returns the other participant of the message from self's point of view.
func (m Message) Peer(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// SendMessageRequest is the body of POST /chat/send and of the send_message
// duplex event.
type SendMessageRequest struct {
	RecipientID string      `json:"recipientId" validate:"required"`
	Content     string      `json:"content" validate:"required"`
	MessageType MessageKind `json:"messageType"`
	TempID      string      `json:"tempId,omitempty"`
}
