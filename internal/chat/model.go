// Package chat holds the direct-messaging domain: conversations between two
// users, the messages exchanged inside them, and the service that resolves,
// persists and marks them seen on top of a pluggable Store.
package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SnippetLength is the maximum number of runes carried by a new-message notification.
const SnippetLength = 120

// Conversation is a private thread between exactly two users.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageID string    `json:"lastMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is one of the two members.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the member that is not userID. The second result
// is false when no such member exists.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	for _, p := range c.Participants {
		if p != userID && p != "" {
			return p, true
		}
	}
	return "", false
}

// Message is a single chat message. Only Seen changes after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Content        string    `json:"content"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NormalizePair trims both ids and returns them in ascending order.
func NormalizePair(a, b string) [2]string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}
}

// PairKey is the canonical lookup key of an unordered pair of users.
func PairKey(a, b string) string {
	p := NormalizePair(a, b)
	return p[0] + ":" + p[1]
}

// NewID returns a fresh identifier for conversations and messages.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// FilterValidIDs keeps the well-formed identifiers of ids, dropping duplicates
// and preserving order.
func FilterValidIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if !ValidID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Snippet returns content truncated to SnippetLength runes.
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= SnippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:SnippetLength])
}
