package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	participant_low TEXT NOT NULL,
	participant_high TEXT NOT NULL,
	last_message_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT conversations_pair_key UNIQUE (participant_low, participant_high),
	CONSTRAINT conversations_pair_order CHECK (participant_low < participant_high)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
	seen BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_conversations_high ON conversations(participant_high);
`

// Store is a chat.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func scanConversation(row pgx.Row) (*chat.Conversation, error) {
	var (
		conv      chat.Conversation
		low, high string
		last      *string
	)
	if err := row.Scan(&conv.ID, &low, &high, &last, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	conv.Participants = []string{low, high}
	if last != nil {
		conv.LastMessageID = *last
	}
	return &conv, nil
}

func (s *Store) FindConversationByParticipants(ctx context.Context, pair [2]string) (*chat.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, participant_low, participant_high, last_message_id, created_at, updated_at
		FROM conversations
		WHERE participant_low = $1 AND participant_high = $2
	`, pair[0], pair[1])
	return scanConversation(row)
}

func (s *Store) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	if len(conv.Participants) != 2 {
		return fmt.Errorf("postgres: conversation needs two participants, got %d", len(conv.Participants))
	}
	pair := chat.NormalizePair(conv.Participants[0], conv.Participants[1])
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participant_low, participant_high, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, pair[0], pair[1], conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return chat.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, participant_low, participant_high, last_message_id, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id)
	return scanConversation(row)
}

// AppendMessage inserts the message and updates the conversation's last
// message inside one transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *chat.Message) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender, receiver, content, seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Receiver, msg.Content, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		switch pgCode(err) {
		case codeForeignKeyViolation:
			return chat.ErrNotFound
		case codeUniqueViolation:
			return chat.ErrDuplicate
		}
		return fmt.Errorf("postgres: insert message: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $2, updated_at = $3
		WHERE id = $1
	`, msg.ConversationID, msg.ID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update last message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return chat.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET seen = TRUE, updated_at = $3
		WHERE conversation_id = $1 AND id = ANY($2) AND seen = FALSE
	`, conversationID, messageIDs, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: mark seen: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sender, receiver, content, seen, created_at, updated_at
		FROM messages
		WHERE id = $1
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Receiver, &msg.Content, &msg.Seen, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

var _ chat.Store = (*Store)(nil)
