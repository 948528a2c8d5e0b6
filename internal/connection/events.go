package connection

import (
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/pkg/pubsub"
)

// Events holds one typed topic per duplex event kind. Consumers subscribe
// to what they need and call the returned cancel func when done.
type Events struct {
	State         *pubsub.Topic[models.Transition]
	StatusChanges *pubsub.Topic[models.UserStatusChange]
	OnlineUsers   *pubsub.Topic[models.OnlineUsers]
	Typing        *pubsub.Topic[models.UserTyping]
	StoppedTyping *pubsub.Topic[models.UserStoppedTyping]
	NewMessages   *pubsub.Topic[models.Message]
	MessageSent   *pubsub.Topic[models.Message]
	MessageErrors *pubsub.Topic[models.MessageError]
	MessagesRead  *pubsub.Topic[models.MessagesRead]
}

func newEvents() *Events {
	return &Events{
		State:         pubsub.NewTopic[models.Transition](),
		StatusChanges: pubsub.NewTopic[models.UserStatusChange](),
		OnlineUsers:   pubsub.NewTopic[models.OnlineUsers](),
		Typing:        pubsub.NewTopic[models.UserTyping](),
		StoppedTyping: pubsub.NewTopic[models.UserStoppedTyping](),
		NewMessages:   pubsub.NewTopic[models.Message](),
		MessageSent:   pubsub.NewTopic[models.Message](),
		MessageErrors: pubsub.NewTopic[models.MessageError](),
		MessagesRead:  pubsub.NewTopic[models.MessagesRead](),
	}
}

func (e *Events) close() {
	e.State.Close()
	e.StatusChanges.Close()
	e.OnlineUsers.Close()
	e.Typing.Close()
	e.StoppedTyping.Close()
	e.NewMessages.Close()
	e.MessageSent.Close()
	e.MessageErrors.Close()
	e.MessagesRead.Close()
}
