package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Service resolves conversations and persists messages on behalf of the
// realtime session layer. It performs no membership checks of its own; callers
// decide who may act on a conversation.
type Service interface {
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	AddMessage(ctx context.Context, conversationID, sender, receiver, content string) (*Message, error)
	MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error)
	Ready(ctx context.Context) error
}

type chatService struct {
	store  Store
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewService returns a Service backed by store.
func NewService(store Store, logger logrus.FieldLogger) Service {
	return &chatService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func storeFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}

// GetOrCreateConversation returns the single conversation between two users,
// creating it on first use. Argument order does not matter.
func (s *chatService) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	pair := NormalizePair(userA, userB)
	if pair[0] == "" || pair[1] == "" || pair[0] == pair[1] {
		return nil, ErrInvalidPayload
	}

	conv, err := s.store.FindConversationByParticipants(ctx, pair)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logger.WithError(err).Error("Failed to look up conversation")
		return nil, storeFailure(err)
	}

	now := s.now()
	conv = &Conversation{
		ID:           NewID(),
		Participants: []string{pair[0], pair[1]},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.CreateConversation(ctx, conv)
	switch {
	case err == nil:
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"user_a":          pair[0],
			"user_b":          pair[1],
		}).Info("Conversation created")
		return conv, nil
	case errors.Is(err, ErrDuplicate):
		// Lost the race against a concurrent creator.
		existing, ferr := s.store.FindConversationByParticipants(ctx, pair)
		if ferr != nil {
			s.logger.WithError(ferr).Error("Failed to re-read conversation after duplicate insert")
			return nil, storeFailure(ferr)
		}
		return existing, nil
	default:
		s.logger.WithError(err).Error("Failed to create conversation")
		return nil, storeFailure(err)
	}
}

// GetConversation fetches a conversation by id. Malformed ids are reported as
// ErrNotFound without touching the store.
func (s *chatService) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if !ValidID(conversationID) {
		return nil, ErrNotFound
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to get conversation")
		return nil, storeFailure(err)
	}
	return conv, nil
}

// AddMessage persists a message and advances the conversation's last message.
func (s *chatService) AddMessage(ctx context.Context, conversationID, sender, receiver, content string) (*Message, error) {
	if conversationID == "" || sender == "" || receiver == "" || strings.TrimSpace(content) == "" {
		return nil, ErrInvalidPayload
	}

	now := s.now()
	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Sender:         sender,
		Receiver:       receiver,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to add message")
		return nil, storeFailure(err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"sender":          sender,
	}).Debug("Message stored")

	return msg, nil
}

// MarkSeen sets seen on the well-formed ids among messageIDs that belong to
// the conversation. Malformed ids are ignored.
func (s *chatService) MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error) {
	ids := FilterValidIDs(messageIDs)
	if conversationID == "" || len(ids) == 0 {
		return 0, nil
	}
	n, err := s.store.MarkSeen(ctx, conversationID, ids)
	if err != nil {
		s.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to mark messages seen")
		return 0, storeFailure(err)
	}
	return n, nil
}

func (s *chatService) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return storeFailure(err)
	}
	return nil
}
