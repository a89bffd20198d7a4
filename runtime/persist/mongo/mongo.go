// Package mongo implements the persist.Port (§6) against MongoDB using
// go.mongodb.org/mongo-driver/v2, for deployments that need persistence
// shared across processes rather than the single-process runtime/persist/file
// default.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
)

const (
	defaultMessagesCollection     = "agent_messages"
	defaultConversationCollection = "agent_conversations"
	defaultOpTimeout              = 5 * time.Second
)

// Options configures the Mongo-backed persistence store.
type Options struct {
	Client                 *mongodriver.Client
	Database               string
	MessagesCollection     string
	ConversationCollection string
	Timeout                time.Duration
}

// Store implements persist.Port on top of two Mongo collections: one
// append-only log of envelopes, one upserted document per agent holding its
// current conversation snapshot.
type Store struct {
	messages      *mongodriver.Collection
	conversations *mongodriver.Collection
	timeout       time.Duration
}

// New builds a Store, creating the indexes it relies on for ordered replay.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database is required")
	}
	messagesColl := opts.MessagesCollection
	if messagesColl == "" {
		messagesColl = defaultMessagesCollection
	}
	conversationsColl := opts.ConversationCollection
	if conversationsColl == "" {
		conversationsColl = defaultConversationCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	messages := db.Collection(messagesColl)
	conversations := db.Collection(conversationsColl)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := messages.Indexes().CreateOne(idxCtx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "observed_at", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("mongo: create messages index: %w", err)
	}
	if _, err := conversations.Indexes().CreateOne(idxCtx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "agent_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("mongo: create conversations index: %w", err)
	}

	return &Store{messages: messages, conversations: conversations, timeout: timeout}, nil
}

type messageDoc struct {
	AgentID    string            `bson:"agent_id"`
	ObservedAt time.Time         `bson:"observed_at"`
	Envelope   envelope.Envelope `bson:"envelope"`
}

// AppendLog implements persist.Port by inserting one ordered document per
// envelope.
func (s *Store) AppendLog(ctx context.Context, agentID string, env envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.messages.InsertOne(ctx, messageDoc{
		AgentID:    agentID,
		ObservedAt: time.Now().UTC(),
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("mongo: append log for %s: %w", agentID, err)
	}
	return nil
}

type conversationDoc struct {
	AgentID   string                              `bson:"agent_id"`
	Records   []conversation.ConversationRecord    `bson:"records"`
	UpdatedAt time.Time                            `bson:"updated_at"`
}

// SnapshotConversation implements persist.Port by upserting the full record
// list for agentID.
func (s *Store) SnapshotConversation(ctx context.Context, agentID string, records []conversation.ConversationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"agent_id": agentID}
	update := bson.M{"$set": conversationDoc{AgentID: agentID, Records: records, UpdatedAt: time.Now().UTC()}}
	_, err := s.conversations.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: snapshot conversation for %s: %w", agentID, err)
	}
	return nil
}

// LoadConversation reads the persisted conversation snapshot for agentID.
// Returns (nil, nil) when no snapshot exists yet.
func (s *Store) LoadConversation(ctx context.Context, agentID string) ([]conversation.ConversationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.M{"agent_id": agentID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: load conversation for %s: %w", agentID, err)
	}
	return doc.Records, nil
}

// LoadMessageLog replays every persisted envelope for agentID in observation
// order.
func (s *Store) LoadMessageLog(ctx context.Context, agentID string) ([]envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"agent_id": agentID}, options.Find().SetSort(bson.D{{Key: "observed_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: load message log for %s: %w", agentID, err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []envelope.Envelope
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode message for %s: %w", agentID, err)
		}
		out = append(out, doc.Envelope)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.messages.Database().Client().Disconnect(ctx)
}
