package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nguyentranbao-ct/chat-client/internal/models"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(tempID string, at time.Time) models.Message {
	return models.Message{TempID: tempID, SenderID: "me", RecipientID: "peer", Content: tempID, CreatedAt: at}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
		if out[i] == "" {
			out[i] = m.TempID
		}
	}
	return out
}

func TestStoreOrdersByCreatedAt(t *testing.T) {
	s := NewStore()
	s.InsertPending(pending("t1", t0))
	s.InsertPending(pending("t2", t0.Add(2*time.Second)))
	s.Upsert("me", models.Message{ID: "in1", SenderID: "peer", RecipientID: "me", CreatedAt: t0.Add(time.Second)})

	assert.Equal(t, []string{"t1", "in1", "t2"}, ids(s.Messages("peer")))

	_, err := s.Settle("t2", models.Message{ID: "s2", CreatedAt: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	_, err = s.Settle("t1", models.Message{ID: "s1", CreatedAt: t0})
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "in1", "s2"}, ids(s.Messages("peer")))
}

func TestStoreSettleFirstWins(t *testing.T) {
	s := NewStore()
	s.InsertPending(pending("t1", t0))

	applied, err := s.Settle("t1", models.Message{ID: "a"})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Settle("t1", models.Message{ID: "b"})
	require.NoError(t, err)
	assert.False(t, applied)

	msgs := s.Messages("peer")
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, models.MessageStatusSent, msgs[0].Status)

	_, err = s.Settle("nope", models.Message{ID: "c"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestStoreSettleRejectsAckWithoutID(t *testing.T) {
	s := NewStore()
	s.InsertPending(pending("t1", t0))
	s.InsertPending(pending("t2", t0.Add(time.Second)))

	for _, tempID := range []string{"t1", "t2"} {
		applied, err := s.Settle(tempID, models.Message{TempID: tempID})
		assert.ErrorIs(t, err, registry.ErrMalformed)
		assert.False(t, applied)
	}
	assert.False(t, s.Upsert("me", models.Message{TempID: "t1", SenderID: "me", RecipientID: "peer"}))

	msgs := s.Messages("peer")
	assert.Equal(t, []string{"t1", "t2"}, ids(msgs))
	for _, m := range msgs {
		assert.Equal(t, models.MessageStatusPending, m.Status)
	}
}

func TestStoreSettleReplacesServerCopy(t *testing.T) {
	s := NewStore()
	s.InsertPending(pending("t1", t0))
	s.Upsert("me", models.Message{ID: "srv", SenderID: "me", RecipientID: "peer", CreatedAt: t0})

	_, err := s.Settle("t1", models.Message{ID: "srv", CreatedAt: t0})
	require.NoError(t, err)

	msgs := s.Messages("peer")
	require.Len(t, msgs, 1)
	assert.Equal(t, "t1", msgs[0].TempID)
	assert.Equal(t, "srv", msgs[0].ID)
}

func TestStoreStatusTransitions(t *testing.T) {
	s := NewStore()
	s.InsertPending(pending("t1", t0))

	_, err := s.MarkPending("t1")
	require.NoError(t, err, "abandoned pending message may be retried")

	assert.True(t, s.Fail("t1"))
	assert.False(t, s.Fail("t1"))

	_, err = s.Settle("t1", models.Message{ID: "late"})
	assert.ErrorIs(t, err, errSettled)
	ack, ok := s.TakeLateAck("t1")
	require.True(t, ok)
	assert.Equal(t, "late", ack.ID)

	msg, err := s.MarkPending("t1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, msg.Status)

	_, err = s.Settle("t1", ack)
	require.NoError(t, err)
	assert.False(t, s.Fail("t1"))

	_, err = s.MarkPending("t1")
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = s.MarkPending("missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestStoreUpsertSkipsKnownIDs(t *testing.T) {
	s := NewStore()
	m := models.Message{ID: "m1", ConversationID: "c1", SenderID: "peer", RecipientID: "me", CreatedAt: t0}

	assert.True(t, s.Upsert("me", m))
	assert.False(t, s.Upsert("me", m))
	assert.Equal(t, 1, s.MergeHistory("me", "peer", []models.Message{m, {ID: "m2", SenderID: "me", RecipientID: "peer", CreatedAt: t0.Add(time.Second)}}))

	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("peer")))
	assert.True(t, s.IsLoaded("peer"))
	peer, ok := s.PeerFor("c1")
	require.True(t, ok)
	assert.Equal(t, "peer", peer)
}

func TestStoreReadReceiptsMarkNewestOwnMessages(t *testing.T) {
	s := NewStore()
	for i, id := range []string{"a", "b", "c"} {
		s.Upsert("me", models.Message{ID: id, ConversationID: "c1", SenderID: "me", RecipientID: "peer", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	s.Upsert("me", models.Message{ID: "x", ConversationID: "c1", SenderID: "peer", RecipientID: "me", CreatedAt: t0.Add(10 * time.Second)})

	assert.Equal(t, 2, s.MarkReadReceipts("me", "c1", 2))

	read := map[string]bool{}
	for _, m := range s.Messages("peer") {
		read[m.ID] = m.Read
	}
	assert.Equal(t, map[string]bool{"a": false, "b": true, "c": true, "x": false}, read)
	assert.Zero(t, s.MarkReadReceipts("me", "unknown", 5))
}

func TestStoreUnreadNeverNegative(t *testing.T) {
	s := NewStore()
	s.IncrementUnread("a")
	s.IncrementUnread("a")
	s.IncrementUnread("b")

	assert.Equal(t, 2, s.DecrementUnread("a", 5))
	assert.Zero(t, s.Unread("a"))
	assert.Zero(t, s.DecrementUnread("missing", 1))
	assert.Equal(t, 1, s.TotalUnread())
}

func TestStoreConversationsByRecency(t *testing.T) {
	s := NewStore()
	s.Upsert("me", models.Message{ID: "1", SenderID: "a", RecipientID: "me", CreatedAt: t0})
	s.Upsert("me", models.Message{ID: "2", SenderID: "b", RecipientID: "me", CreatedAt: t0.Add(time.Minute)})
	s.MergeConversations("me", []models.Conversation{{OtherUserID: "c", UnreadCount: 4}})

	convs := s.Conversations()
	require.Len(t, convs, 3)
	assert.Equal(t, "b", convs[0].OtherUserID)
	assert.Equal(t, "a", convs[1].OtherUserID)
	assert.Equal(t, "c", convs[2].OtherUserID)
	assert.Equal(t, 4, convs[2].UnreadCount)
	assert.Nil(t, convs[2].LastMessage)
}
