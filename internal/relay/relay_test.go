package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func newTestRelay(t *testing.T, mr *miniredis.Miniredis) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedis(client, "gochat:test", logrus.New())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// TestRelayDeliversToOtherNodes tests that an envelope published on one node
// reaches subscribers on another node and is not echoed to its publisher.
func TestRelayDeliversToOtherNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newTestRelay(t, mr)
	nodeB := newTestRelay(t, mr)

	ctx := context.Background()
	gotA := make(chan Envelope, 1)
	gotB := make(chan Envelope, 1)

	subA, err := nodeA.Subscribe(ctx, func(env Envelope) { gotA <- env })
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	defer subA.Close()
	subB, err := nodeB.Subscribe(ctx, func(env Envelope) { gotB <- env })
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}
	defer subB.Close()

	payload := json.RawMessage(`{"event":"receive_message","data":{"content":"hi"}}`)
	if err := nodeA.Publish(ctx, Envelope{Kind: KindRoom, Key: "conv-1", Payload: payload}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-gotB:
		if env.Kind != KindRoom || env.Key != "conv-1" {
			t.Errorf("Unexpected envelope: %+v", env)
		}
		if env.Node != nodeA.Node() {
			t.Errorf("Expected node %s, got %s", nodeA.Node(), env.Node)
		}
		if string(env.Payload) != string(payload) {
			t.Errorf("Expected payload %s, got %s", payload, env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for relayed envelope")
	}

	select {
	case env := <-gotA:
		t.Errorf("Publisher should not receive its own envelope, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestRelayIgnoresMalformedEnvelopes tests that garbage on the channel does not
// stop delivery of later envelopes.
func TestRelayIgnoresMalformedEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	node := newTestRelay(t, mr)
	other := newTestRelay(t, mr)

	got := make(chan Envelope, 1)
	sub, err := node.Subscribe(context.Background(), func(env Envelope) { got <- env })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	mr.Publish("gochat:test", "not json")
	if err := other.Publish(context.Background(), Envelope{Kind: KindUser, Key: "alice", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Kind != KindUser || env.Key != "alice" {
			t.Errorf("Unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for envelope")
	}
}

// TestDialRejectsBadURL tests url validation.
func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "://bad", "c", logrus.New()); err == nil {
		t.Error("Expected error for malformed url")
	}
}

// TestSubscriptionCloseIdempotent tests that closing twice is safe.
func TestSubscriptionCloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	node := newTestRelay(t, mr)
	sub, err := node.Subscribe(context.Background(), func(Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if err := node.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
