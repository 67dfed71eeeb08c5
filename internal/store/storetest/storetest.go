// Package storetest holds the behavior every chat.Store implementation must
// share. Adapter packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) chat.Store

// Run exercises the chat.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("DuplicatePair", func(t *testing.T) { testDuplicatePair(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("AppendMessage", func(t *testing.T) { testAppendMessage(t, newStore(t)) })
	t.Run("AppendToMissingConversation", func(t *testing.T) { testAppendMissing(t, newStore(t)) })
	t.Run("MarkSeen", func(t *testing.T) { testMarkSeen(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func newConversation(a, b string) *chat.Conversation {
	pair := chat.NormalizePair(a, b)
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &chat.Conversation{
		ID:           chat.NewID(),
		Participants: []string{pair[0], pair[1]},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newMessage(conv *chat.Conversation, content string) *chat.Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &chat.Message{
		ID:             chat.NewID(),
		ConversationID: conv.ID,
		Sender:         conv.Participants[0],
		Receiver:       conv.Participants[1],
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func mustCreate(t *testing.T, st chat.Store, conv *chat.Conversation) {
	t.Helper()
	if err := st.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
}

func testCreateAndFind(t *testing.T, st chat.Store) {
	ctx := context.Background()
	conv := newConversation("u1", "u2")
	mustCreate(t, st, conv)

	found, err := st.FindConversationByParticipants(ctx, chat.NormalizePair("u2", "u1"))
	if err != nil {
		t.Fatalf("FindConversationByParticipants failed: %v", err)
	}
	if found.ID != conv.ID {
		t.Errorf("Expected conversation %s, got %s", conv.ID, found.ID)
	}

	got, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got.Participants) != 2 || got.Participants[0] != "u1" || got.Participants[1] != "u2" {
		t.Errorf("Expected participants [u1 u2], got %v", got.Participants)
	}
	if got.LastMessageID != "" {
		t.Errorf("Expected no last message, got %q", got.LastMessageID)
	}
}

func testDuplicatePair(t *testing.T, st chat.Store) {
	mustCreate(t, st, newConversation("u1", "u2"))

	err := st.CreateConversation(context.Background(), newConversation("u2", "u1"))
	if !errors.Is(err, chat.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func testConcurrentCreate(t *testing.T, st chat.Store) {
	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.CreateConversation(context.Background(), newConversation("u1", "u2"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, chat.ErrDuplicate):
				dups++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly 1 created conversation, got %d (duplicates %d)", created, dups)
	}
}

func testAppendMessage(t *testing.T, st chat.Store) {
	ctx := context.Background()
	conv := newConversation("u1", "u2")
	mustCreate(t, st, conv)

	var last *chat.Message
	for _, content := range []string{"hello", "world"} {
		last = newMessage(conv, content)
		if err := st.AppendMessage(ctx, last); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	got, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.LastMessageID != last.ID {
		t.Errorf("Expected last message %s, got %s", last.ID, got.LastMessageID)
	}

	msg, err := st.GetMessage(ctx, last.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Content != "world" || msg.Seen || msg.ConversationID != conv.ID {
		t.Errorf("Unexpected stored message: %+v", msg)
	}
}

func testAppendMissing(t *testing.T, st chat.Store) {
	msg := newMessage(newConversation("u1", "u2"), "hi")
	if err := st.AppendMessage(context.Background(), msg); err == nil {
		t.Fatal("Expected error appending to a missing conversation")
	}
	if _, err := st.GetMessage(context.Background(), msg.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected no message to be stored, got %v", err)
	}
}

func testMarkSeen(t *testing.T, st chat.Store) {
	ctx := context.Background()
	conv := newConversation("u1", "u2")
	other := newConversation("u1", "u3")
	mustCreate(t, st, conv)
	mustCreate(t, st, other)

	m1, m2 := newMessage(conv, "a"), newMessage(conv, "b")
	foreign := newMessage(other, "c")
	for _, m := range []*chat.Message{m1, m2, foreign} {
		if err := st.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	n, err := st.MarkSeen(ctx, conv.ID, []string{m1.ID, foreign.ID})
	if err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 updated, got %d", n)
	}

	n, err = st.MarkSeen(ctx, conv.ID, []string{m1.ID})
	if err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected already-seen message to be skipped, got %d", n)
	}

	for _, tc := range []struct {
		msg  *chat.Message
		seen bool
	}{{m1, true}, {m2, false}, {foreign, false}} {
		got, err := st.GetMessage(ctx, tc.msg.ID)
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if got.Seen != tc.seen {
			t.Errorf("Message %q: expected seen=%v, got %v", tc.msg.Content, tc.seen, got.Seen)
		}
	}
}

func testNotFound(t *testing.T, st chat.Store) {
	ctx := context.Background()
	if _, err := st.GetConversation(ctx, chat.NewID()); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("GetConversation: expected ErrNotFound, got %v", err)
	}
	if _, err := st.FindConversationByParticipants(ctx, chat.NormalizePair("x", "y")); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("FindConversationByParticipants: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetMessage(ctx, chat.NewID()); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("GetMessage: expected ErrNotFound, got %v", err)
	}
}
