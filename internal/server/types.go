// Package server defines the wire frames exchanged over the realtime
// connection and the payloads carried by each event.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

// Client to server events.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventMessageRead      = "message_read"
)

// Server to client events.
const (
	EventJoinedConversation     = "joined_conversation"
	EventJoinError              = "join_error"
	EventReceiveMessage         = "receive_message"
	EventNewMessageNotification = "new_message_notification"
	EventMessageSeen            = "message_seen"
	EventAck                    = "ack"
	EventError                  = "error"
)

// InboundFrame is a client request. AckID, when set, asks for an ack frame
// carrying the same id.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// OutboundFrame is an event or ack sent to a client.
type OutboundFrame struct {
	Event string      `json:"event"`
	AckID string      `json:"ackId,omitempty"`
	Data  interface{} `json:"data"`
}

// JoinConversationRequest is the payload of join_conversation.
type JoinConversationRequest struct {
	ConversationID string `json:"conversationId"`
	OtherUserID    string `json:"otherUserId"`
}

// SendMessageRequest is the payload of send_message. LocalID is echoed back
// untouched so clients can reconcile optimistic sends.
type SendMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	LocalID        json.RawMessage `json:"localId,omitempty"`
}

// MessageReadRequest is the payload of message_read.
type MessageReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type JoinedConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

type JoinErrorEvent struct {
	Message string `json:"message"`
}

// MessageOutput is a persisted message plus the caller's localId (null when
// none was sent).
type MessageOutput struct {
	chat.Message
	LocalID json.RawMessage `json:"localId"`
}

type NewMessageNotification struct {
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	MessageID      string    `json:"messageId"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessageSeenEvent struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	By             string   `json:"by"`
}

// SendMessageAck answers send_message.
type SendMessageAck struct {
	OK      bool           `json:"ok"`
	Message *MessageOutput `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MessageReadAck answers message_read when the client asked for an ack.
type MessageReadAck struct {
	OK      bool   `json:"ok"`
	Updated int64  `json:"updated"`
	Error   string `json:"error,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func encodeFrame(frame OutboundFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// isExpectedCloseError reports whether err is the normal result of a
// connection already being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
