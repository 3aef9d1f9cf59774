// Package memory keeps bounded short-term conversation history per channel
// and, optionally, per user. Entries are stored denormalized (once in the
// channel list, once in the user list) so each list trims independently.
package memory

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lumenchat/gateway/internal/domain"
)

// DefaultMaxKeys caps the total number of history lists across all tenants.
// Crossing the cap evicts the oldest half of all lists by insertion order,
// regardless of tenant. That is a coarse global policy, not per-tenant fair
// eviction; a busy tenant can evict an idle one under heavy multi-tenant
// load.
const DefaultMaxKeys = 4096

const defaultLimit = 10

type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
}

type Store struct {
	mu      sync.Mutex
	lists   map[string][]Entry
	order   []string
	maxKeys int
}

func NewStore() *Store {
	return &Store{
		lists:   make(map[string][]Entry),
		maxKeys: DefaultMaxKeys,
	}
}

func NewStoreWithCap(maxKeys int) *Store {
	s := NewStore()
	if maxKeys > 0 {
		s.maxKeys = maxKeys
	}
	return s
}

func channelKey(tenantID, channelID string) string {
	return tenantID + ":" + channelID
}

func userKey(tenantID, channelID, userID string) string {
	return tenantID + ":" + channelID + ":" + userID
}

// History returns the bounded conversation history for one channel/user
// according to the configured merge strategy.
func (s *Store) History(tenantID, channelID, userID string, cfg domain.MemoryConfig) []domain.Message {
	if !cfg.Enabled {
		return nil
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.Lock()
	channel := s.lists[channelKey(tenantID, channelID)]
	var user []Entry
	if cfg.PerUser && userID != "" {
		user = s.lists[userKey(tenantID, channelID, userID)]
	}
	s.mu.Unlock()

	switch cfg.MergeStrategy {
	case domain.MergeUserFirst:
		return mergeUserFirst(channel, user, limit, cfg.PerUserLimit)
	case domain.MergeInterleave:
		return mergeInterleave(channel, user, limit)
	default:
		return toMessages(lastN(channel, limit))
	}
}

// mergeUserFirst takes the newest perUserLimit user entries, then fills the
// remaining budget from the newest channel entries.
func mergeUserFirst(channel, user []Entry, limit, perUserLimit int) []domain.Message {
	fromUser := lastN(user, perUserLimit)

	remaining := limit - len(fromUser)
	if remaining < 0 {
		remaining = 0
	}
	fromChannel := lastN(channel, remaining)

	merged := make([]Entry, 0, len(fromUser)+len(fromChannel))
	merged = append(merged, fromUser...)
	merged = append(merged, fromChannel...)

	return toMessages(merged)
}

// mergeInterleave unions both lists, sorts by timestamp ascending and keeps
// the newest limit entries. Both inputs are already in timestamp order, so
// this is a two-pointer merge rather than a sort.
func mergeInterleave(channel, user []Entry, limit int) []domain.Message {
	merged := make([]Entry, 0, len(channel)+len(user))
	i, j := 0, 0
	for i < len(channel) && j < len(user) {
		if channel[i].Timestamp.Before(user[j].Timestamp) || channel[i].Timestamp.Equal(user[j].Timestamp) {
			merged = append(merged, channel[i])
			i++
		} else {
			merged = append(merged, user[j])
			j++
		}
	}
	merged = append(merged, channel[i:]...)
	merged = append(merged, user[j:]...)

	return toMessages(lastN(merged, limit))
}

func lastN(entries []Entry, n int) []Entry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

func toMessages(entries []Entry) []domain.Message {
	if len(entries) == 0 {
		return nil
	}
	messages := make([]domain.Message, len(entries))
	for i, e := range entries {
		messages[i] = domain.Message{Role: e.Role, Content: e.Content}
	}
	return messages
}

// Remember appends one (user, assistant) exchange to the channel list and,
// when per-user memory is on, to the user list. The assistant entry is
// stamped 1ms after the user entry so interleave ordering stays stable.
func (s *Store) Remember(tenantID, channelID, userID, userText, assistantText string, cfg domain.MemoryConfig) {
	if !cfg.Enabled {
		return
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	now := time.Now()
	pair := []Entry{
		{Role: domain.RoleUser, Content: userText, Timestamp: now, UserID: userID},
		{Role: domain.RoleAssistant, Content: assistantText, Timestamp: now.Add(time.Millisecond), UserID: userID},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(channelKey(tenantID, channelID), pair, limit)

	if cfg.PerUser && userID != "" {
		perUserLimit := cfg.PerUserLimit
		if perUserLimit <= 0 {
			perUserLimit = limit
		}
		s.appendLocked(userKey(tenantID, channelID, userID), pair, perUserLimit)
	}
}

// appendLocked adds entries to one list, trimming FIFO from the front once
// the list exceeds 2x limit pairs.
func (s *Store) appendLocked(key string, entries []Entry, limit int) {
	list, existed := s.lists[key]
	list = append(list, entries...)

	maxMessages := 4 * limit
	if len(list) > maxMessages {
		list = list[len(list)-maxMessages:]
	}

	s.lists[key] = list
	if !existed {
		s.order = append(s.order, key)
		s.evictLocked()
	}
}

func (s *Store) evictLocked() {
	if len(s.lists) <= s.maxKeys {
		return
	}

	evict := len(s.order) / 2
	slog.Warn("conversation memory over capacity, evicting oldest lists",
		"total", len(s.lists),
		"evicting", evict,
	)

	for _, key := range s.order[:evict] {
		delete(s.lists, key)
	}
	s.order = append([]string(nil), s.order[evict:]...)
}

// Clear removes one user's list when userID is set, otherwise the channel
// list plus every user list under that channel.
func (s *Store) Clear(tenantID, channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID != "" {
		s.removeLocked(userKey(tenantID, channelID, userID))
		return
	}

	ck := channelKey(tenantID, channelID)
	s.removeLocked(ck)

	prefix := ck + ":"
	for key := range s.lists {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(key)
		}
	}
}

func (s *Store) removeLocked(key string) {
	if _, ok := s.lists[key]; !ok {
		return
	}
	delete(s.lists, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of tracked lists.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists)
}
