package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	pkgmdw "github.com/nguyentranbao-ct/chat-client/internal/server/middleware"
)

type Connection interface {
	State() models.ConnectionState
	Transitions() []models.Transition
	Session() *auth.Session
	Reconnect(ctx context.Context) error
}

type Messenger interface {
	Send(ctx context.Context, recipientID, content string, kind models.MessageKind) (models.Message, error)
	SendAsync(recipientID, content string, kind models.MessageKind) (models.Message, error)
	Retry(ctx context.Context, tempID string) (models.Message, error)
	RetryAsync(tempID string) (models.Message, error)
	LoadConversation(ctx context.Context, peer string) ([]models.Message, error)
	SyncConversations(ctx context.Context) ([]models.Conversation, error)
	SetActive(peer string, focused bool)
	Active() (peer string, focused bool)
}

type Conversations interface {
	Conversations() []models.Conversation
	Conversation(peer string) (models.Conversation, bool)
	Messages(peer string) []models.Message
	IsLoaded(peer string) bool
}

type Presence interface {
	IsOnline(userID string) bool
	IsTyping(userID string) bool
}

type Typing interface {
	Keystroke(ctx context.Context, recipientID string)
	Active(recipientID string) bool
}

type Unread interface {
	MarkRead(ctx context.Context, peer string) (int, error)
	Summary() models.UnreadSummary
}

type Visibility interface {
	SetVisible(visible bool)
	Visible() bool
}

type Controller interface {
	Health(c echo.Context) error
	GetConnection(c echo.Context) error
	Reconnect(c echo.Context) error
	ListConversations(c echo.Context) error
	GetConversation(c echo.Context) error
	GetMessages(c echo.Context) error
	SendMessage(c echo.Context) error
	RetryMessage(c echo.Context) error
	MarkRead(c echo.Context) error
	SetFocus(c echo.Context) error
	Typing(c echo.Context) error
	GetPresence(c echo.Context) error
	GetUnread(c echo.Context) error
	SetVisibility(c echo.Context) error
}

type controller struct {
	conn       Connection
	messenger  Messenger
	convs      Conversations
	presence   Presence
	typing     Typing
	unread     Unread
	visibility Visibility
}

type ControllerParams struct {
	Connection    Connection
	Messenger     Messenger
	Conversations Conversations
	Presence      Presence
	Typing        Typing
	Unread        Unread
	Visibility    Visibility
}

func NewController(p ControllerParams) Controller {
	return &controller{
		conn:       p.Connection,
		messenger:  p.Messenger,
		convs:      p.Conversations,
		presence:   p.Presence,
		typing:     p.Typing,
		unread:     p.Unread,
		visibility: p.Visibility,
	}
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, pkgmdw.Response{Success: true, Data: data})
}

// bind decodes path, query and body into req and validates it.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *controller) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chatd",
	})
}

type connectionResponse struct {
	State       models.ConnectionState `json:"state"`
	UserID      string                 `json:"userId,omitempty"`
	Transitions []models.Transition    `json:"transitions"`
}

func (h *controller) GetConnection(c echo.Context) error {
	resp := connectionResponse{
		State:       h.conn.State(),
		Transitions: h.conn.Transitions(),
	}
	if s := h.conn.Session(); s != nil {
		resp.UserID = s.UserID
	}
	return ok(c, http.StatusOK, resp)
}

func (h *controller) Reconnect(c echo.Context) error {
	if err := h.conn.Reconnect(c.Request().Context()); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, map[string]models.ConnectionState{"state": h.conn.State()})
}

func (h *controller) ListConversations(c echo.Context) error {
	if c.QueryParam("refresh") == "true" {
		convs, err := h.messenger.SyncConversations(c.Request().Context())
		if err != nil {
			return err
		}
		return ok(c, http.StatusOK, convs)
	}
	return ok(c, http.StatusOK, h.convs.Conversations())
}

type peerRequest struct {
	UserID string `param:"userId" validate:"required"`
}

type conversationResponse struct {
	models.Conversation
	Focused   bool `json:"focused"`
	Composing bool `json:"composing"`
}

// GetConversation reports the local summary of one conversation along with
// whether it has focus and whether the user is typing in it.
func (h *controller) GetConversation(c echo.Context) error {
	var req peerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, found := h.convs.Conversation(req.UserID)
	if !found {
		return errUnknownConversation
	}
	active, focused := h.messenger.Active()
	return ok(c, http.StatusOK, conversationResponse{
		Conversation: conv,
		Focused:      focused && active == req.UserID,
		Composing:    h.typing.Active(req.UserID),
	})
}

// GetMessages fetches the history the first time a conversation is viewed
// and serves it locally afterwards.
func (h *controller) GetMessages(c echo.Context) error {
	var req peerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if !h.convs.IsLoaded(req.UserID) || c.QueryParam("refresh") == "true" {
		msgs, err := h.messenger.LoadConversation(c.Request().Context(), req.UserID)
		if err != nil {
			return err
		}
		return ok(c, http.StatusOK, msgs)
	}
	return ok(c, http.StatusOK, h.convs.Messages(req.UserID))
}

type sendMessageRequest struct {
	UserID      string             `param:"userId" validate:"required"`
	Content     string             `json:"content" validate:"required"`
	MessageType models.MessageKind `json:"messageType" validate:"messagekind"`
}

// SendMessage returns the pending message at once. With ?wait=true it
// returns after delivery settles instead.
func (h *controller) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if c.QueryParam("wait") == "true" {
		msg, err := h.messenger.Send(c.Request().Context(), req.UserID, req.Content, req.MessageType)
		if err != nil && msg.TempID == "" {
			return err
		}
		return ok(c, http.StatusOK, msg)
	}
	msg, err := h.messenger.SendAsync(req.UserID, req.Content, req.MessageType)
	if err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, msg)
}

type retryRequest struct {
	TempID string `param:"tempId" validate:"required"`
}

func (h *controller) RetryMessage(c echo.Context) error {
	var req retryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if c.QueryParam("wait") == "true" {
		msg, err := h.messenger.Retry(c.Request().Context(), req.TempID)
		if err != nil && msg.TempID == "" {
			return err
		}
		return ok(c, http.StatusOK, msg)
	}
	msg, err := h.messenger.RetryAsync(req.TempID)
	if err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, msg)
}

func (h *controller) MarkRead(c echo.Context) error {
	var req peerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	marked, err := h.unread.MarkRead(c.Request().Context(), req.UserID)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]any{
		"markedCount": marked,
		"unread":      h.unread.Summary(),
	})
}

type focusRequest struct {
	UserID  string `param:"userId" validate:"required"`
	Focused *bool  `json:"focused" validate:"required"`
}

func (h *controller) SetFocus(c echo.Context) error {
	var req focusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	h.messenger.SetActive(req.UserID, *req.Focused)
	return c.NoContent(http.StatusNoContent)
}

func (h *controller) Typing(c echo.Context) error {
	var req peerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	h.typing.Keystroke(c.Request().Context(), req.UserID)
	return c.NoContent(http.StatusNoContent)
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Typing bool   `json:"typing"`
}

func (h *controller) GetPresence(c echo.Context) error {
	var req peerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return ok(c, http.StatusOK, presenceResponse{
		UserID: req.UserID,
		Online: h.presence.IsOnline(req.UserID),
		Typing: h.presence.IsTyping(req.UserID),
	})
}

func (h *controller) GetUnread(c echo.Context) error {
	return ok(c, http.StatusOK, h.unread.Summary())
}

type visibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

func (h *controller) SetVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	h.visibility.SetVisible(*req.Visible)
	return ok(c, http.StatusOK, map[string]bool{"visible": h.visibility.Visible()})
}
