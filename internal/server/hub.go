// Package server coordinates client registration, room membership and event
// fan-out for the realtime messaging system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-dm/internal/relay"
)

// ErrHubClosed is returned when registering with a hub that is shutting down.
var ErrHubClosed = errors.New("hub closed")

// Session is the per-connection state owned by the hub. It is created when an
// authenticated client registers and destroyed when the client leaves.
type Session struct {
	UserID      string
	JoinedRooms map[string]struct{}
}

type clientSet map[*Client]struct{}

// Hub tracks live clients in two namespaces: the user channel of every
// authenticated user and the room of every joined conversation.
type Hub struct {
	sessions   map[*Client]*Session
	users      map[string]clientSet
	rooms      map[string]clientSet
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool

	relay  relay.Relay
	logger logrus.FieldLogger
}

// NewHub creates a Hub. rl may be nil for a single-node deployment.
func NewHub(logger logrus.FieldLogger, rl relay.Relay) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[*Client]*Session),
		users:      make(map[string]clientSet),
		rooms:      make(map[string]clientSet),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		relay:      rl,
		logger:     logger,
	}
}

// Register hands an authenticated client to the hub, which starts its pumps.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister removes client and releases its session. It never blocks after
// shutdown has begun.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	if !h.started.CompareAndSwap(false, true) {
		h.logger.Warn("Hub already running or shut down")
		return
	}
	defer close(h.done)

	if h.relay != nil {
		sub, err := h.relay.Subscribe(h.ctx, h.deliverRemote)
		if err != nil {
			h.logger.WithError(err).Error("Relay subscription failed; delivering to local clients only")
		} else {
			defer func() {
				if err := sub.Close(); err != nil {
					h.logger.WithError(err).Warn("Error closing relay subscription")
				}
			}()
		}
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	h.sessions[client] = &Session{
		UserID:      client.userID,
		JoinedRooms: make(map[string]struct{}),
	}
	addToSet(h.users, client.userID, client)
	clientCount := len(h.sessions)
	h.mutex.Unlock()

	h.logger.WithFields(logrus.Fields{
		"user_id": client.userID,
		"addr":    client.addr,
		"clients": clientCount,
	}).Info("Client registered")
}

// removeClient destroys the client's session and its memberships in one
// critical section, then closes the client.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	session, ok := h.sessions[client]
	if !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, client)
	for room := range session.JoinedRooms {
		removeFromSet(h.rooms, room, client)
	}
	removeFromSet(h.users, session.UserID, client)
	clientCount := len(h.sessions)
	h.mutex.Unlock()

	client.close()
	h.logger.WithFields(logrus.Fields{
		"user_id": session.UserID,
		"addr":    client.addr,
		"clients": clientCount,
	}).Info("Client unregistered")
}

func addToSet(index map[string]clientSet, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		set = make(clientSet)
		index[key] = set
	}
	set[client] = struct{}{}
}

func removeFromSet(index map[string]clientSet, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Join subscribes client to the room of conversationID. Joining twice is a
// no-op. It returns false when the client is no longer registered.
func (h *Hub) Join(client *Client, conversationID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	session, ok := h.sessions[client]
	if !ok {
		return false
	}
	session.JoinedRooms[conversationID] = struct{}{}
	addToSet(h.rooms, conversationID, client)
	return true
}

// BroadcastRoom delivers an event to every client joined to conversationID,
// on this node and, with a relay, on every other node.
func (h *Hub) BroadcastRoom(conversationID, event string, data interface{}) {
	h.fanOut(relay.KindRoom, conversationID, event, data)
}

// SendToUser delivers an event to every connection of userID.
func (h *Hub) SendToUser(userID, event string, data interface{}) {
	h.fanOut(relay.KindUser, userID, event, data)
}

func (h *Hub) fanOut(kind relay.Kind, key, event string, data interface{}) {
	payload, err := encodeFrame(OutboundFrame{Event: event, Data: data})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}

	h.deliverLocal(kind, key, payload)

	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, relay.Envelope{Kind: kind, Key: key, Payload: json.RawMessage(payload)}); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"kind": kind,
			"key":  key,
		}).Warn("Failed to relay event")
	}
}

// deliverRemote hands an event published by another node to local clients.
func (h *Hub) deliverRemote(env relay.Envelope) {
	switch env.Kind {
	case relay.KindRoom, relay.KindUser:
		h.deliverLocal(env.Kind, env.Key, env.Payload)
	default:
		h.logger.WithField("kind", env.Kind).Warn("Ignoring relay envelope of unknown kind")
	}
}

func (h *Hub) deliverLocal(kind relay.Kind, key string, payload []byte) {
	targets := h.snapshot(kind, key)
	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) snapshot(kind relay.Kind, key string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var set clientSet
	if kind == relay.KindRoom {
		set = h.rooms[key]
	} else {
		set = h.users[key]
	}
	clients := make([]*Client, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	return clients
}

// sendTo delivers a frame to a single client, dropping it if its buffer is full.
func (h *Hub) sendTo(client *Client, frame OutboundFrame) {
	payload, err := encodeFrame(frame)
	if err != nil {
		h.logger.WithError(err).WithField("event", frame.Event).Error("Failed to encode frame")
		return
	}
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
	}
}

// safeSend enqueues payload without blocking. It fails when the client is
// closed or its send buffer is full.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	select {
	case <-client.done:
		return false
	default:
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// removeFailedClients drops clients that could not keep up with delivery.
func (h *Hub) removeFailedClients(clients []*Client) {
	for _, client := range clients {
		h.mutex.RLock()
		_, registered := h.sessions[client]
		h.mutex.RUnlock()
		if !registered {
			continue
		}
		h.logger.WithFields(logrus.Fields{
			"user_id": client.userID,
			"addr":    client.addr,
		}).Warn("Client removed due to full send buffer")
		h.removeClient(client)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// RoomSize returns the number of clients joined to conversationID.
func (h *Hub) RoomSize(conversationID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[conversationID])
}

// UserConnections returns the number of live connections of userID.
func (h *Hub) UserConnections(userID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.users[userID])
}

// shutdownClients closes every registered client.
func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for client := range h.sessions {
		clients = append(clients, client)
	}
	h.sessions = make(map[*Client]*Session)
	h.users = make(map[string]clientSet)
	h.rooms = make(map[string]clientSet)
	h.mutex.Unlock()

	for _, client := range clients {
		client.close()
	}

	h.logger.WithField("clients", len(clients)).Info("Closed client connections")
}

// Shutdown stops the hub and waits for client pumps and in-flight operations
// to finish, or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	h.cancel()
	deadline := time.After(timeout)

	if h.started.CompareAndSwap(false, true) {
		// Run never started; nothing owns the loop, so close clients here.
		close(h.done)
		h.shutdownClients()
	}

	select {
	case <-h.done:
	case <-deadline:
		h.logger.Warn("Hub shutdown timeout reached before the event loop stopped")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-deadline:
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Ready reports whether the hub loop is running and its relay is reachable.
func (h *Hub) Ready(ctx context.Context) error {
	select {
	case <-h.ctx.Done():
		return ErrHubClosed
	default:
	}
	if h.relay != nil {
		return h.relay.Ping(ctx)
	}
	return nil
}
