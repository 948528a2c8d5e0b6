package delivery

import (
	"errors"
	"fmt"

	"github.com/nguyentranbao-ct/chat-client/internal/registry"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotRetryable   = errors.New("message is not retryable")
	ErrInFlight       = errors.New("message delivery already in flight")
	ErrRejected       = errors.New("message rejected")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrBadRecipient   = errors.New("invalid recipient")

	errAckTimeout = errors.New("duplex acknowledgement timed out")
	errSettled    = errors.New("message already settled")

	errAckWithoutID = fmt.Errorf("%w: acknowledgement without message id", registry.ErrMalformed)
)
