package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

const (
	pathSend               = "/chat/send"
	pathConversations      = "/chat/conversations"
	pathConversation       = "/chat/conversation/{userId}"
	pathMarkRead           = "/chat/read/{userId}"
	pathChatUnread         = "/chat/unread-count"
	pathNotificationUnread = "/notifications/unread-count"

	maxErrorBody = 512
)

var requestDuration = util.MustHistogramVec("chatapi_request_duration_seconds", "method", "path", "status")

// Client is the request/response transport of the chat backend. Every read
// and the mark-read call are deduplicated by method and path; every call
// except SendMessage is retried on transient failures. SendMessage is
// retried but never deduplicated since each send is a distinct message.
type Client interface {
	SendMessage(ctx context.Context, req models.SendMessageRequest) (*models.Message, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, userID string) ([]models.Message, error)
	MarkRead(ctx context.Context, userID string) (int, error)
	ChatUnreadCount(ctx context.Context) (int, error)
	NotificationUnreadCount(ctx context.Context) (int, error)
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type markReadResponse struct {
	MarkedCount int `json:"markedCount"`
}

type countResponse struct {
	Count int `json:"count"`
}

type client struct {
	http     *resty.Client
	creds    auth.CredentialSource
	registry *registry.Registry
	policy   registry.Policy
}

func NewClient(cfg *config.Config, creds auth.CredentialSource, reg *registry.Registry) Client {
	policy := registry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxJitter: cfg.Retry.MaxJitter,
	}
	return &client{
		http:     util.NewRestyClient(cfg.ChatAPI.Timeout).SetBaseURL(cfg.ChatAPI.BaseURL),
		creds:    creds,
		registry: reg,
		policy:   policy,
	}
}

func (c *client) SendMessage(ctx context.Context, req models.SendMessageRequest) (*models.Message, error) {
	req.MessageType = req.MessageType.OrDefault()
	msg, err := registry.WithRetry(ctx, c.policy, func(ctx context.Context) (*models.Message, error) {
		var out models.Message
		if err := c.call(ctx, http.MethodPost, pathSend, nil, req, &out); err != nil {
			return nil, err
		}
		if out.ID == "" {
			return nil, fmt.Errorf("%w: acknowledgement without id", registry.ErrMalformed)
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

func (c *client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	out, err := idempotent(ctx, c, http.MethodGet, pathConversations, nil, []models.Conversation{})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (c *client) GetConversation(ctx context.Context, userID string) ([]models.Message, error) {
	out, err := idempotent(ctx, c, http.MethodGet, pathConversation, map[string]string{"userId": userID}, []models.Message{})
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", userID, err)
	}
	return out, nil
}

func (c *client) MarkRead(ctx context.Context, userID string) (int, error) {
	out, err := idempotent(ctx, c, http.MethodPatch, pathMarkRead, map[string]string{"userId": userID}, markReadResponse{})
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", userID, err)
	}
	return out.MarkedCount, nil
}

func (c *client) ChatUnreadCount(ctx context.Context) (int, error) {
	out, err := idempotent(ctx, c, http.MethodGet, pathChatUnread, nil, countResponse{})
	if err != nil {
		return 0, fmt.Errorf("chat unread count: %w", err)
	}
	return out.Count, nil
}

func (c *client) NotificationUnreadCount(ctx context.Context) (int, error) {
	out, err := idempotent(ctx, c, http.MethodGet, pathNotificationUnread, nil, countResponse{})
	if err != nil {
		return 0, fmt.Errorf("notification unread count: %w", err)
	}
	return out.Count, nil
}

// idempotent runs a deduplicated, retried call and decodes its data into a
// fresh T. Callers that join a shared call receive the same decoded value.
func idempotent[T any](ctx context.Context, c *client, method, path string, params map[string]string, zero T) (T, error) {
	key := method + " " + expand(path, params)
	return registry.Deduped(ctx, c.registry, key, func(ctx context.Context) (T, error) {
		return registry.WithRetry(ctx, c.policy, func(ctx context.Context) (T, error) {
			out := zero
			err := c.call(ctx, method, path, params, nil, &out)
			return out, err
		})
	})
}

func (c *client) call(ctx context.Context, method, path string, params map[string]string, body, out any) error {
	session, err := c.creds.Session()
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", session.BearerHeader()).
		SetHeader("Accept", "application/json").
		SetPathParams(params)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		requestDuration.WithLabelValues(method, path, "error").Observe(time.Since(start).Seconds())
		return &registry.TransportError{Err: err}
	}
	requestDuration.WithLabelValues(method, path, strconv.Itoa(resp.StatusCode())).Observe(time.Since(start).Seconds())

	if resp.StatusCode() >= http.StatusBadRequest {
		b := resp.Body()
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return &registry.HTTPError{Status: resp.StatusCode(), Body: string(b)}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrMalformed, err)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrMalformed, err)
	}
	return nil
}

func expand(path string, params map[string]string) string {
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", v)
	}
	return path
}
