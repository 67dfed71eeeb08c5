// Package memory keeps conversations and messages in process memory. It backs
// local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

// Store is an in-memory chat.Store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	byPair        map[string]string
	messages      map[string]chat.Message
}

func New() *Store {
	return &Store{
		conversations: make(map[string]chat.Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string]chat.Message),
	}
}

func cloneConversation(c chat.Conversation) *chat.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return &c
}

func (s *Store) FindConversationByParticipants(ctx context.Context, pair [2]string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[chat.PairKey(pair[0], pair[1])]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (s *Store) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	if len(conv.Participants) != 2 {
		return fmt.Errorf("conversation needs two participants, got %d", len(conv.Participants))
	}
	key := chat.PairKey(conv.Participants[0], conv.Participants[1])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPair[key]; exists {
		return chat.ErrDuplicate
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return chat.ErrDuplicate
	}
	s.conversations[conv.ID] = *cloneConversation(*conv)
	s.byPair[key] = conv.ID
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return cloneConversation(conv), nil
}

// AppendMessage inserts the message and moves the last-message pointer under
// a single lock.
func (s *Store) AppendMessage(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return chat.ErrNotFound
	}
	if _, exists := s.messages[msg.ID]; exists {
		return chat.ErrDuplicate
	}
	s.messages[msg.ID] = *msg
	conv.LastMessageID = msg.ID
	conv.UpdatedAt = msg.CreatedAt
	s.conversations[conv.ID] = conv
	return nil
}

func (s *Store) MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	now := time.Now().UTC()
	for _, id := range messageIDs {
		msg, ok := s.messages[id]
		if !ok || msg.ConversationID != conversationID || msg.Seen {
			continue
		}
		msg.Seen = true
		msg.UpdatedAt = now
		s.messages[id] = msg
		updated++
	}
	return updated, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return &msg, nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }

var _ chat.Store = (*Store)(nil)
