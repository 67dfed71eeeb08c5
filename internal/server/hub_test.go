package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gochat-dm/internal/logging"
	"github.com/Tyrowin/gochat-dm/internal/relay"
)

// newTestClient creates a connection-less client registered directly with
// hub, so tests can inspect its send buffer.
func newTestClient(t *testing.T, hub *Hub, userID string, buffer int) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.SendBufferSize = buffer
	client := NewClient(nil, hub, nil, userID, "test", opts)
	hub.addClient(client)
	return client
}

func receiveFrame(t *testing.T, client *Client) OutboundFrame {
	t.Helper()
	select {
	case raw := <-client.send:
		var frame struct {
			Event string          `json:"event"`
			AckID string          `json:"ackId"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("Failed to decode frame: %v", err)
		}
		return OutboundFrame{Event: frame.Event, AckID: frame.AckID, Data: frame.Data}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
	}
	return OutboundFrame{}
}

func assertNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case raw := <-client.send:
		t.Errorf("Expected no frame, got %s", raw)
	default:
	}
}

// TestNewHub tests the creation of a new hub.
// It verifies that all internal maps and channels are properly initialized.
func TestNewHub(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)

	if hub.sessions == nil || hub.users == nil || hub.rooms == nil {
		t.Error("Expected hub indexes to be initialized")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Expected hub channels to be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected empty hub, got %d clients", hub.ClientCount())
	}
}

// TestHubJoin tests room membership. It verifies that joining is idempotent
// and that an unregistered client cannot join.
func TestHubJoin(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	client := newTestClient(t, hub, "alice", 8)

	if !hub.Join(client, "c1") || !hub.Join(client, "c1") {
		t.Fatal("Expected registered client to join")
	}
	if size := hub.RoomSize("c1"); size != 1 {
		t.Errorf("Expected room size 1, got %d", size)
	}
	if rooms := len(hub.sessions[client].JoinedRooms); rooms != 1 {
		t.Errorf("Expected 1 joined room in session, got %d", rooms)
	}

	stranger := NewClient(nil, hub, nil, "bob", "test", DefaultOptions())
	if hub.Join(stranger, "c1") {
		t.Error("Expected unregistered client to be refused")
	}
	if size := hub.RoomSize("c1"); size != 1 {
		t.Errorf("Expected room size to stay 1, got %d", size)
	}
}

// TestHubRemoveClient tests session teardown. It verifies that removing a
// client clears its user channel and every room and closes the client.
func TestHubRemoveClient(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	alice := newTestClient(t, hub, "alice", 8)
	other := newTestClient(t, hub, "alice", 8)
	hub.Join(alice, "c1")
	hub.Join(alice, "c2")
	hub.Join(other, "c2")

	hub.removeClient(alice)

	if n := hub.UserConnections("alice"); n != 1 {
		t.Errorf("Expected 1 remaining connection, got %d", n)
	}
	if size := hub.RoomSize("c1"); size != 0 {
		t.Errorf("Expected empty room c1, got %d", size)
	}
	if size := hub.RoomSize("c2"); size != 1 {
		t.Errorf("Expected 1 client in c2, got %d", size)
	}
	if _, ok := hub.rooms["c1"]; ok {
		t.Error("Expected empty room to be deleted")
	}
	select {
	case <-alice.done:
	default:
		t.Error("Expected removed client to be closed")
	}

	// Removing twice is harmless.
	hub.removeClient(alice)
	if n := hub.ClientCount(); n != 1 {
		t.Errorf("Expected 1 client, got %d", n)
	}
}

// TestHubBroadcastRoom tests that room events reach members only.
func TestHubBroadcastRoom(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	alice := newTestClient(t, hub, "alice", 8)
	bob := newTestClient(t, hub, "bob", 8)
	carol := newTestClient(t, hub, "carol", 8)
	hub.Join(alice, "c1")
	hub.Join(bob, "c1")

	hub.BroadcastRoom("c1", EventMessageSeen, MessageSeenEvent{ConversationID: "c1", By: "bob"})

	for _, client := range []*Client{alice, bob} {
		frame := receiveFrame(t, client)
		if frame.Event != EventMessageSeen {
			t.Errorf("Expected %s, got %s", EventMessageSeen, frame.Event)
		}
	}
	assertNoFrame(t, carol)
}

// TestHubSendToUser tests that user events reach every connection of the user
// regardless of room membership.
func TestHubSendToUser(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	phone := newTestClient(t, hub, "bob", 8)
	laptop := newTestClient(t, hub, "bob", 8)
	alice := newTestClient(t, hub, "alice", 8)

	hub.SendToUser("bob", EventNewMessageNotification, NewMessageNotification{From: "alice"})

	receiveFrame(t, phone)
	receiveFrame(t, laptop)
	assertNoFrame(t, alice)

	// Unknown users are a no-op.
	hub.SendToUser("nobody", EventNewMessageNotification, NewMessageNotification{})
}

// TestHubSlowClientRemoved tests that a client whose buffer is full is
// dropped instead of blocking delivery to others.
func TestHubSlowClientRemoved(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	slow := newTestClient(t, hub, "slow", 1)
	fast := newTestClient(t, hub, "fast", 8)
	hub.Join(slow, "c1")
	hub.Join(fast, "c1")

	hub.BroadcastRoom("c1", EventMessageSeen, MessageSeenEvent{})
	hub.BroadcastRoom("c1", EventMessageSeen, MessageSeenEvent{})

	if n := hub.UserConnections("slow"); n != 0 {
		t.Errorf("Expected slow client to be removed, got %d connections", n)
	}
	if size := hub.RoomSize("c1"); size != 1 {
		t.Errorf("Expected 1 client in room, got %d", size)
	}
	receiveFrame(t, fast)
	receiveFrame(t, fast)
}

// TestClientAck tests that acks carry the request id and are skipped when the
// request had none.
func TestClientAck(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	client := newTestClient(t, hub, "alice", 8)

	client.Ack("", SendMessageAck{OK: true})
	assertNoFrame(t, client)

	client.Ack("42", SendMessageAck{OK: true})
	frame := receiveFrame(t, client)
	if frame.Event != EventAck || frame.AckID != "42" {
		t.Errorf("Expected ack 42, got %s %q", frame.Event, frame.AckID)
	}
}

// TestHubShutdown tests that shutdown closes clients, clears indexes and
// refuses later registrations.
func TestHubShutdown(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	go hub.Run()

	client := newTestClient(t, hub, "alice", 8)
	hub.Join(client, "c1")

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case <-client.done:
	default:
		t.Error("Expected client to be closed")
	}
	if hub.ClientCount() != 0 || hub.RoomSize("c1") != 0 {
		t.Error("Expected indexes to be cleared")
	}
	if err := hub.Register(NewClient(nil, hub, nil, "bob", "test", DefaultOptions())); err != ErrHubClosed {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}
	if err := hub.Ready(context.Background()); err != ErrHubClosed {
		t.Errorf("Expected ErrHubClosed from Ready, got %v", err)
	}

	// Unregister after shutdown must not block.
	hub.Unregister(client)
}

// TestHubShutdownWithoutRun tests that a hub whose loop never started still
// shuts down promptly, closes its clients and refuses a later Run.
func TestHubShutdownWithoutRun(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	client := newTestClient(t, hub, "alice", 8)

	result := make(chan error, 1)
	go func() { result <- hub.Shutdown(time.Second) }()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on a hub that was never run")
	}

	select {
	case <-client.done:
	default:
		t.Error("Expected client to be closed")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("Expected no clients, got %d", n)
	}

	// Run after shutdown returns immediately, and a second Shutdown is a no-op.
	ran := make(chan struct{})
	go func() {
		hub.Run()
		close(ran)
	}()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	if err := hub.Shutdown(time.Second); err != nil {
		t.Errorf("Second shutdown failed: %v", err)
	}
}

// TestHubRelayAcrossNodes tests that events published on one hub reach the
// room members connected to another hub through the relay.
func TestHubRelayAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.Discard()

	newNode := func() *Hub {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		rl := relay.NewRedis(rdb, "test:events", logger)
		t.Cleanup(func() { _ = rl.Close() })
		hub := NewHub(logger, rl)
		go hub.Run()
		t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
		return hub
	}

	nodeA := newNode()
	nodeB := newNode()

	sender := newTestClient(t, nodeA, "alice", 64)
	receiver := newTestClient(t, nodeB, "bob", 64)
	nodeA.Join(sender, "c1")
	nodeB.Join(receiver, "c1")

	if err := nodeB.Ready(context.Background()); err != nil {
		t.Fatalf("Expected relay to be reachable: %v", err)
	}

	// The subscription starts with Run, so publish until it is live.
	deadline := time.Now().Add(2 * time.Second)
	for {
		nodeA.BroadcastRoom("c1", EventMessageSeen, MessageSeenEvent{ConversationID: "c1", By: "alice"})
		select {
		case raw := <-receiver.send:
			var frame struct {
				Event string           `json:"event"`
				Data  MessageSeenEvent `json:"data"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("Failed to decode relayed frame: %v", err)
			}
			if frame.Event != EventMessageSeen || frame.Data.By != "alice" {
				t.Errorf("Unexpected relayed frame: %s", raw)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for relayed event")
		}
	}
}
