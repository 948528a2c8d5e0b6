package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/config"
	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
)

func testToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "me", Role: "artist"}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func newTestClient(t *testing.T, handler http.Handler) (Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ChatAPI: config.ChatAPIConfig{BaseURL: srv.URL, Timeout: 2 * time.Second},
		Retry:   config.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxJitter: time.Millisecond},
	}
	token := testToken(t)
	return NewClient(cfg, auth.Static(token), registry.New()), token
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	var gotAuth string
	var gotBody models.SendMessageRequest
	c, token := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeData(w, http.StatusCreated, models.Message{
			ID: "m1", TempID: gotBody.TempID, SenderID: "me", RecipientID: gotBody.RecipientID,
			Content: gotBody.Content, Status: models.MessageStatusSent,
		})
	}))

	msg, err := c.SendMessage(t.Context(), models.SendMessageRequest{RecipientID: "peer", Content: "hello", TempID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer "+token, gotAuth)
	assert.Equal(t, models.MessageKindText, gotBody.MessageType)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "t1", msg.TempID)
}

func TestSendMessageExhaustsOnRepeated503(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.SendMessage(t.Context(), models.SendMessageRequest{RecipientID: "peer", Content: "hi", TempID: "t2"})
	require.Error(t, err)

	var he *registry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSendMessageValidationErrorIsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"content too long"}`, http.StatusUnprocessableEntity)
	}))

	_, err := c.SendMessage(t.Context(), models.SendMessageRequest{RecipientID: "peer", Content: "x", TempID: "t3"})
	require.Error(t, err)
	assert.Equal(t, registry.KindTerminal, registry.Classify(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetConversationDeduplicatesConcurrentCalls(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chat/conversation/peer", r.URL.Path)
		<-release
		writeData(w, http.StatusOK, []models.Message{{ID: "m1", Content: "a"}, {ID: "m2", Content: "b"}})
	}))

	const n = 8
	var wg sync.WaitGroup
	results := make([][]models.Message, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = c.GetConversation(context.Background(), "peer")
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, msgs := range results {
		assert.Len(t, msgs, 2)
	}
}

func TestMarkReadReturnsServerCount(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/chat/read/peer", r.URL.Path)
		writeData(w, http.StatusOK, map[string]int{"markedCount": 3})
	}))

	n, err := c.MarkRead(t.Context(), "peer")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUnreadCounts(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/unread-count":
			writeData(w, http.StatusOK, map[string]int{"count": 5})
		case "/notifications/unread-count":
			writeData(w, http.StatusOK, map[string]int{"count": 2})
		default:
			http.NotFound(w, r)
		}
	}))

	chat, err := c.ChatUnreadCount(t.Context())
	require.NoError(t, err)
	notif, err := c.NotificationUnreadCount(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 5, chat)
	assert.Equal(t, 2, notif)
}

func TestMalformedPayloadIsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))

	_, err := c.ListConversations(t.Context())
	assert.ErrorIs(t, err, registry.ErrMalformed)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeData(w, http.StatusOK, []models.Conversation{{OtherUserID: "peer", UnreadCount: 1}})
	}))

	convs, err := c.ListConversations(t.Context())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "peer", convs[0].OtherUserID)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCancelledCallIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.ChatUnreadCount(ctx)

	assert.ErrorIs(t, err, registry.ErrCancelled)
	assert.Equal(t, int32(1), hits.Load())
}
