// Package mongo is the MongoDB chat.Store. Appending a message uses a
// multi-document transaction, so the server must run as a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// Store is a chat.Store on a mongo database.
type Store struct {
	db            *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
}

// Connect dials uri and returns a Store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return New(client.Database(database)), nil
}

func New(db *mongo.Database) *Store {
	return &Store{
		db:            db,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
	}
}

// EnsureIndexes creates the unique participant-pair index and the message
// lookup index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participantKey", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("participant_key_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongo: conversation index: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: message index: %w", err)
	}
	return nil
}

type conversationDocument struct {
	ID             string    `bson:"_id"`
	Participants   []string  `bson:"participants"`
	ParticipantKey string    `bson:"participantKey"`
	LastMessage    string    `bson:"lastMessage,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func (d conversationDocument) toDomain() *chat.Conversation {
	return &chat.Conversation{
		ID:            d.ID,
		Participants:  d.Participants,
		LastMessageID: d.LastMessage,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type messageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	Sender         string    `bson:"sender"`
	Receiver       string    `bson:"receiver"`
	Content        string    `bson:"content"`
	Seen           bool      `bson:"seen"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func (d messageDocument) toDomain() *chat.Message {
	return &chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Sender:         d.Sender,
		Receiver:       d.Receiver,
		Content:        d.Content,
		Seen:           d.Seen,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *Store) findConversation(ctx context.Context, filter bson.M) (*chat.Conversation, error) {
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

func (s *Store) FindConversationByParticipants(ctx context.Context, pair [2]string) (*chat.Conversation, error) {
	return s.findConversation(ctx, bson.M{"participantKey": chat.PairKey(pair[0], pair[1])})
}

func (s *Store) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	if len(conv.Participants) != 2 {
		return fmt.Errorf("mongo: conversation needs two participants, got %d", len(conv.Participants))
	}
	pair := chat.NormalizePair(conv.Participants[0], conv.Participants[1])
	doc := conversationDocument{
		ID:             conv.ID,
		Participants:   []string{pair[0], pair[1]},
		ParticipantKey: chat.PairKey(pair[0], pair[1]),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chat.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

// AppendMessage inserts the message and moves the last-message pointer in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *chat.Message) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		doc := messageDocument{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Sender:         msg.Sender,
			Receiver:       msg.Receiver,
			Content:        msg.Content,
			CreatedAt:      msg.CreatedAt,
			UpdatedAt:      msg.UpdatedAt,
		}
		if _, err := s.messages.InsertOne(sc, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, chat.ErrDuplicate
			}
			return nil, err
		}
		res, err := s.conversations.UpdateByID(sc, msg.ConversationID, bson.M{
			"$set": bson.M{"lastMessage": msg.ID, "updatedAt": msg.CreatedAt},
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, chat.ErrNotFound
		}
		return nil, nil
	})
	return err
}

func (s *Store) MarkSeen(ctx context.Context, conversationID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := s.messages.UpdateMany(ctx,
		bson.M{
			"_id":            bson.M{"$in": messageIDs},
			"conversationId": conversationID,
			"seen":           false,
		},
		bson.M{"$set": bson.M{"seen": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: mark seen: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	var doc messageDocument
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// Drop removes both collections. Tests use it to reset state.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.messages.Drop(ctx); err != nil {
		return err
	}
	return s.conversations.Drop(ctx)
}

var _ chat.Store = (*Store)(nil)
