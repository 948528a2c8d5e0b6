package delivery

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nguyentranbao-ct/chat-client/internal/models"
)

type item struct {
	msg  models.Message
	peer string
	seq  uint64
}

func (a *item) before(b *item) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}

type conversation struct {
	peer   string
	items  []*item
	unread int
	loaded bool
}

// Store holds every conversation and its messages in createdAt order.
// Pending messages sort by their tempId allocation time until the server
// assigns one. Messages are never removed, only marked failed or retried.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*conversation
	byTemp   map[string]*item
	byID     map[string]*item
	convByID map[string]string
	lateAcks map[string]models.Message
	seq      uint64
}

func NewStore() *Store {
	return &Store{
		convs:    make(map[string]*conversation),
		byTemp:   make(map[string]*item),
		byID:     make(map[string]*item),
		convByID: make(map[string]string),
		lateAcks: make(map[string]models.Message),
	}
}

func (s *Store) conversation(peer string) *conversation {
	c, ok := s.convs[peer]
	if !ok {
		c = &conversation{peer: peer}
		s.convs[peer] = c
	}
	return c
}

func (s *Store) insert(c *conversation, it *item) {
	s.seq++
	it.seq = s.seq
	s.place(c, it)
	if it.msg.ConversationID != "" {
		s.convByID[it.msg.ConversationID] = c.peer
	}
}

func (s *Store) place(c *conversation, it *item) {
	i := sort.Search(len(c.items), func(i int) bool { return it.before(c.items[i]) })
	c.items = slices.Insert(c.items, i, it)
}

func (s *Store) remove(c *conversation, it *item) {
	if i := slices.Index(c.items, it); i >= 0 {
		c.items = slices.Delete(c.items, i, i+1)
	}
}

func (s *Store) setStatus(it *item, next models.MessageStatus) error {
	if !it.msg.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrNotRetryable, it.msg.Status, next)
	}
	it.msg.Status = next
	transitionsTotal.WithLabelValues(string(next)).Inc()
	return nil
}

// InsertPending appends a locally created message addressed to its
// recipient.
func (s *Store) InsertPending(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Status = models.MessageStatusPending
	it := &item{msg: msg, peer: msg.RecipientID}
	s.insert(s.conversation(msg.RecipientID), it)
	s.byTemp[msg.TempID] = it
}

// Settle reconciles the pending message tempID with the server
// acknowledgement. Only the first settlement applies; it reports whether
// this call was that one. An acknowledgement without a server id is
// malformed and changes nothing.
func (s *Store) Settle(tempID string, ack models.Message) (bool, error) {
	if ack.ID == "" {
		return false, errAckWithoutID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byTemp[tempID]
	if !ok {
		return false, ErrUnknownMessage
	}
	switch it.msg.Status {
	case models.MessageStatusSent:
		return false, nil
	case models.MessageStatusFailed:
		s.lateAcks[tempID] = ack
		return false, errSettled
	}

	if err := s.setStatus(it, models.MessageStatusSent); err != nil {
		return false, err
	}
	s.adopt(it, ack)
	return true, nil
}

func (s *Store) adopt(it *item, ack models.Message) {
	c := s.convs[it.peer]
	if ack.ID != "" {
		if dup, ok := s.byID[ack.ID]; ok && dup != it {
			s.remove(s.convs[dup.peer], dup)
		}
		it.msg.ID = ack.ID
		s.byID[ack.ID] = it
	}
	if ack.ConversationID != "" {
		it.msg.ConversationID = ack.ConversationID
		s.convByID[ack.ConversationID] = it.peer
	}
	if !ack.CreatedAt.IsZero() {
		it.msg.CreatedAt = ack.CreatedAt
	}
	s.remove(c, it)
	s.place(c, it)
}

// TakeLateAck returns an acknowledgement that arrived after tempID had
// already failed.
func (s *Store) TakeLateAck(tempID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.lateAcks[tempID]
	delete(s.lateAcks, tempID)
	return ack, ok
}

// Fail moves a pending message to failed. It is a no-op for any other
// status.
func (s *Store) Fail(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byTemp[tempID]
	if !ok || it.msg.Status != models.MessageStatusPending {
		return false
	}
	return s.setStatus(it, models.MessageStatusFailed) == nil
}

// MarkPending readies tempID for another attempt. Failed messages go back
// to pending; pending messages whose attempt was abandoned stay pending.
func (s *Store) MarkPending(tempID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byTemp[tempID]
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	switch it.msg.Status {
	case models.MessageStatusPending:
	case models.MessageStatusFailed:
		if err := s.setStatus(it, models.MessageStatusPending); err != nil {
			return models.Message{}, err
		}
	default:
		return it.msg, fmt.Errorf("%w: status %s", ErrNotRetryable, it.msg.Status)
	}
	return it.msg, nil
}

// Upsert inserts a server-side message as sent unless its id is already
// known. A message carrying a known tempId settles that entry instead. It
// reports whether a new entry was added.
func (s *Store) Upsert(self string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(self, msg)
}

func (s *Store) upsert(self string, msg models.Message) bool {
	if msg.ID != "" {
		if _, ok := s.byID[msg.ID]; ok {
			return false
		}
	}
	if msg.TempID != "" {
		if it, ok := s.byTemp[msg.TempID]; ok {
			if msg.ID == "" {
				return false
			}
			if it.msg.Status == models.MessageStatusPending && s.setStatus(it, models.MessageStatusSent) == nil {
				s.adopt(it, msg)
			} else if it.msg.Status == models.MessageStatusFailed {
				s.lateAcks[msg.TempID] = msg
			}
			return false
		}
	}

	msg.Status = models.MessageStatusSent
	peer := msg.Peer(self)
	it := &item{msg: msg, peer: peer}
	s.insert(s.conversation(peer), it)
	if msg.ID != "" {
		s.byID[msg.ID] = it
	}
	if msg.TempID != "" {
		s.byTemp[msg.TempID] = it
	}
	if msg.ConversationID != "" {
		s.convByID[msg.ConversationID] = peer
	}
	return true
}

func (s *Store) Get(tempID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.byTemp[tempID]
	if !ok {
		return models.Message{}, false
	}
	return it.msg, true
}

// Messages returns the conversation with peer in display order.
func (s *Store) Messages(peer string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[peer]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(c.items))
	for i, it := range c.items {
		out[i] = it.msg
	}
	return out
}

func (s *Store) summary(c *conversation) models.Conversation {
	conv := models.Conversation{OtherUserID: c.peer, UnreadCount: c.unread}
	if n := len(c.items); n > 0 {
		last := c.items[n-1].msg
		conv.LastMessage = &last
	}
	return conv
}

func (s *Store) Conversation(peer string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[peer]
	if !ok {
		return models.Conversation{}, false
	}
	return s.summary(c), true
}

// Conversations returns every conversation, most recent activity first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, s.summary(c))
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.Conversation) int {
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return cmp.Compare(a.OtherUserID, b.OtherUserID)
		case a.LastMessage == nil:
			return 1
		case b.LastMessage == nil:
			return -1
		}
		if c := b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.OtherUserID, b.OtherUserID)
	})
	return out
}

// MergeHistory merges a server page of the conversation with peer. Known
// ids are skipped so a reload never duplicates entries.
func (s *Store) MergeHistory(self, peer string, msgs []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if s.upsert(self, m) {
			added++
		}
	}
	s.conversation(peer).loaded = true
	return added
}

// MergeConversations applies the server conversation list: last messages
// are merged by id and unread counts are taken as authoritative.
func (s *Store) MergeConversations(self string, convs []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range convs {
		c := s.conversation(conv.OtherUserID)
		if conv.LastMessage != nil {
			s.upsert(self, *conv.LastMessage)
		}
		c.unread = max(conv.UnreadCount, 0)
	}
}

// Loaded returns the peers whose history has been fetched at least once.
func (s *Store) Loaded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var peers []string
	for peer, c := range s.convs {
		if c.loaded {
			peers = append(peers, peer)
		}
	}
	slices.Sort(peers)
	return peers
}

func (s *Store) IsLoaded(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[peer]
	return ok && c.loaded
}

// PeerFor resolves a server conversation id, or a peer id, to the peer.
func (s *Store) PeerFor(conversationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if peer, ok := s.convByID[conversationID]; ok {
		return peer, true
	}
	_, ok := s.convs[conversationID]
	return conversationID, ok
}

// MarkReadReceipts marks the newest count of self's sent messages in the
// conversation as read by the peer and returns how many were marked.
func (s *Store) MarkReadReceipts(self, conversationID string, count int) int {
	peer, ok := s.PeerFor(conversationID)
	if !ok || count <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[peer]
	marked := 0
	for i := len(c.items) - 1; i >= 0 && marked < count; i-- {
		m := &c.items[i].msg
		if m.SenderID != self || m.Status != models.MessageStatusSent || m.Read {
			continue
		}
		m.Read = true
		marked++
	}
	return marked
}

func (s *Store) Unread(peer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[peer]; ok {
		return c.unread
	}
	return 0
}

func (s *Store) IncrementUnread(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(peer)
	c.unread++
	return c.unread
}

// DecrementUnread lowers the count for peer by at most n and returns the
// amount actually removed. Counts never go below zero.
func (s *Store) DecrementUnread(peer string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[peer]
	if !ok || n <= 0 {
		return 0
	}
	applied := min(n, c.unread)
	c.unread -= applied
	return applied
}

func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.unread
	}
	return total
}
