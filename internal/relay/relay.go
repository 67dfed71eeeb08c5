// Package relay carries realtime events between server nodes so that a user
// connected to one node receives events produced on another.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Kind selects the namespace an envelope is delivered to.
type Kind string

const (
	KindUser Kind = "user"
	KindRoom Kind = "room"
)

// Envelope is one relayed event. Payload is the encoded frame exactly as it
// is written to sockets.
type Envelope struct {
	Node    string          `json:"node"`
	Kind    Kind            `json:"kind"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives envelopes published by other nodes.
type Handler func(Envelope)

// Relay publishes local events and delivers remote ones.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handle Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription stops delivery when closed.
type Subscription interface {
	Close() error
}

// Redis is a Relay over a single Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	node    string
	logger  logrus.FieldLogger
}

// Dial connects to the Redis server at url and verifies it with a ping.
func Dial(ctx context.Context, url, channel string, logger logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("relay: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: ping: %w", err)
	}
	return NewRedis(client, channel, logger), nil
}

// NewRedis wraps client. Each Redis value gets its own node id.
func NewRedis(client *redis.Client, channel string, logger logrus.FieldLogger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		node:    uuid.NewString(),
		logger:  logger,
	}
}

// Node returns the id stamped on envelopes published by r.
func (r *Redis) Node() string { return r.node }

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	env.Node = r.node
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server. Envelopes
// published by this node are skipped.
func (r *Redis) Subscribe(ctx context.Context, handle Handler) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Warn("Dropping malformed relay envelope")
				continue
			}
			if env.Node == r.node {
				continue
			}
			handle(env)
		}
	}()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	if errors.Is(s.err, redis.ErrClosed) {
		return nil
	}
	return s.err
}

var _ Relay = (*Redis)(nil)
