package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-dm/internal/chat"
)

// Reasons reported to clients in join_error events and failed acks.
const (
	reasonInvalidPayload     = "Invalid payload"
	reasonMissingTarget      = "conversationId or otherUserId is required"
	reasonNotAuthorized      = "Not authorized"
	reasonMissingFields      = "conversationId and content are required"
	reasonNotAParticipant    = "Not a participant of this conversation"
	reasonNoOtherParticipant = "Conversation has no other participant"
	reasonInternal           = "Internal server error"
)

// SessionHandler runs the realtime protocol for authenticated clients. Every
// membership check re-reads the store.
type SessionHandler struct {
	chat      chat.Service
	hub       *Hub
	logger    logrus.FieldLogger
	opTimeout time.Duration
}

// NewSessionHandler returns a handler that persists through svc and fans out
// through hub.
func NewSessionHandler(svc chat.Service, hub *Hub, logger logrus.FieldLogger, opTimeout time.Duration) *SessionHandler {
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	return &SessionHandler{
		chat:      svc,
		hub:       hub,
		logger:    logger,
		opTimeout: opTimeout,
	}
}

// HandleFrame routes a frame to its operation. The operation context is not
// tied to the connection, so a disconnect does not abort store writes already
// under way.
func (s *SessionHandler) HandleFrame(client *Client, frame InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"event":   frame.Event,
				"user_id": client.UserID(),
				"panic":   r,
			}).Error("Recovered from panic in frame handler")
		}
	}()

	switch frame.Event {
	case EventJoinConversation:
		s.joinConversation(ctx, client, frame)
	case EventSendMessage:
		s.sendMessage(ctx, client, frame)
	case EventMessageRead:
		s.messageRead(ctx, client, frame)
	default:
		s.logger.WithFields(logrus.Fields{
			"event":   frame.Event,
			"user_id": client.UserID(),
		}).Debug("Ignoring unknown event")
	}
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *SessionHandler) joinConversation(ctx context.Context, client *Client, frame InboundFrame) {
	var req JoinConversationRequest
	if err := decodeData(frame.Data, &req); err != nil {
		client.Emit(EventJoinError, JoinErrorEvent{Message: reasonInvalidPayload})
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.OtherUserID = strings.TrimSpace(req.OtherUserID)

	var (
		conv *chat.Conversation
		err  error
	)
	switch {
	case req.ConversationID != "":
		conv, err = s.chat.GetConversation(ctx, req.ConversationID)
		if err == nil && !conv.HasParticipant(client.UserID()) {
			err = chat.ErrNotAuthorized
		}
	case req.OtherUserID != "":
		conv, err = s.chat.GetOrCreateConversation(ctx, client.UserID(), req.OtherUserID)
	default:
		err = chat.ErrInvalidPayload
	}

	if err != nil {
		reason := joinErrorReason(err, req)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":         client.UserID(),
			"conversation_id": req.ConversationID,
			"other_user_id":   req.OtherUserID,
		}).Info("Join rejected")
		client.Emit(EventJoinError, JoinErrorEvent{Message: reason})
		return
	}

	if !s.hub.Join(client, conv.ID) {
		return
	}
	client.Emit(EventJoinedConversation, JoinedConversationEvent{ConversationID: conv.ID})
}

func joinErrorReason(err error, req JoinConversationRequest) string {
	switch {
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrNotAuthorized):
		return reasonNotAuthorized
	case errors.Is(err, chat.ErrInvalidPayload):
		if req.ConversationID == "" && req.OtherUserID == "" {
			return reasonMissingTarget
		}
		return reasonInvalidPayload
	default:
		return reasonInternal
	}
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidPayload):
		return reasonMissingFields
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrNotAParticipant):
		return reasonNotAParticipant
	case errors.Is(err, chat.ErrNoOtherParticipant):
		return reasonNoOtherParticipant
	default:
		return reasonInternal
	}
}

func (s *SessionHandler) sendMessage(ctx context.Context, client *Client, frame InboundFrame) {
	var req SendMessageRequest
	if err := decodeData(frame.Data, &req); err != nil {
		client.Ack(frame.AckID, SendMessageAck{OK: false, Error: reasonInvalidPayload})
		return
	}

	output, receiver, err := s.persistMessage(ctx, client.UserID(), req)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":         client.UserID(),
			"conversation_id": req.ConversationID,
		}).Info("send_message failed")
		client.Ack(frame.AckID, SendMessageAck{OK: false, Error: sendErrorReason(err)})
		return
	}

	client.Ack(frame.AckID, SendMessageAck{OK: true, Message: output})
	s.hub.BroadcastRoom(output.ConversationID, EventReceiveMessage, output)
	s.hub.SendToUser(receiver, EventNewMessageNotification, NewMessageNotification{
		ConversationID: output.ConversationID,
		From:           output.Sender,
		MessageID:      output.ID,
		Snippet:        chat.Snippet(output.Content),
		CreatedAt:      output.CreatedAt,
	})
}

// persistMessage validates the request against the stored conversation and
// stores the message. It returns the output representation and the receiver.
func (s *SessionHandler) persistMessage(ctx context.Context, sender string, req SendMessageRequest) (*MessageOutput, string, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" || strings.TrimSpace(req.Content) == "" {
		return nil, "", chat.ErrInvalidPayload
	}

	conv, err := s.chat.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if !conv.HasParticipant(sender) {
		return nil, "", chat.ErrNotAParticipant
	}
	receiver, ok := conv.OtherParticipant(sender)
	if !ok {
		return nil, "", chat.ErrNoOtherParticipant
	}

	msg, err := s.chat.AddMessage(ctx, conv.ID, sender, receiver, req.Content)
	if err != nil {
		return nil, "", err
	}

	localID := req.LocalID
	if len(localID) == 0 {
		localID = json.RawMessage("null")
	}
	return &MessageOutput{Message: *msg, LocalID: localID}, receiver, nil
}

// messageRead marks messages seen and tells the room. Failures are logged and,
// only when the client asked for an ack, reported back.
func (s *SessionHandler) messageRead(ctx context.Context, client *Client, frame InboundFrame) {
	var req MessageReadRequest
	if err := decodeData(frame.Data, &req); err != nil {
		s.logger.WithError(err).WithField("user_id", client.UserID()).Debug("Malformed message_read payload")
		client.Ack(frame.AckID, MessageReadAck{OK: false, Error: reasonInvalidPayload})
		return
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" || len(req.MessageIDs) == 0 {
		client.Ack(frame.AckID, MessageReadAck{OK: true})
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":         client.UserID(),
		"conversation_id": conversationID,
	})

	conv, err := s.chat.GetConversation(ctx, conversationID)
	if err == nil && !conv.HasParticipant(client.UserID()) {
		err = chat.ErrNotAParticipant
	}
	if err != nil {
		log.WithError(err).Info("message_read rejected")
		client.Ack(frame.AckID, MessageReadAck{OK: false, Error: sendErrorReason(err)})
		return
	}

	// Only well-formed ids reach the store; message_seen goes out regardless.
	ids := chat.FilterValidIDs(req.MessageIDs)
	var updated int64
	if len(ids) > 0 {
		updated, err = s.chat.MarkSeen(ctx, conv.ID, ids)
		if err != nil {
			log.WithError(err).Error("Failed to mark messages seen")
			client.Ack(frame.AckID, MessageReadAck{OK: false, Error: reasonInternal})
			return
		}
	}

	log.WithFields(logrus.Fields{
		"requested": len(req.MessageIDs),
		"valid":     len(ids),
		"updated":   updated,
	}).Debug("Messages marked seen")

	client.Ack(frame.AckID, MessageReadAck{OK: true, Updated: updated})
	s.hub.BroadcastRoom(conv.ID, EventMessageSeen, MessageSeenEvent{
		ConversationID: conv.ID,
		MessageIDs:     ids,
		By:             client.UserID(),
	})
}
