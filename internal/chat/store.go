package chat

import "context"

// Store is the durable backing of conversations and messages.
//
// Implementations must enforce at most one conversation per unordered pair of
// participants and report a violation as ErrDuplicate. Lookups that find
// nothing return ErrNotFound.
type Store interface {
	// FindConversationByParticipants looks up the conversation of a normalized pair.
	FindConversationByParticipants(ctx context.Context, pair [2]string) (*Conversation, error)
	// CreateConversation inserts conv. Participants are already normalized.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// AppendMessage inserts msg and points the conversation's last message at it
	// in one atomic step.
	AppendMessage(ctx context.Context, msg *Message) error
	// MarkSeen flips seen to true for the given messages of a conversation and
	// returns how many changed.
	MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
