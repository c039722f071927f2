package server

import (
	"context"
	"errors"
	"slices"

	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/delivery"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

func (cs *ChatServer) handle(ctx context.Context, msg *ClientMessage) {
	c := msg.client

	var err error
	switch msg.Event {
	case EventUserConnected:
		err = cs.handleUserConnected(msg)
	case EventUserOnline, EventUserOffline:
		err = cs.handleOnlineFlag(msg)
	case EventOnlineStatus:
		err = cs.handleOnlineStatus(msg)
	case EventJoinChat:
		err = cs.handleJoinChat(ctx, msg)
	case EventNewMessage:
		err = cs.handleNewMessage(ctx, msg)
	case EventTyping:
		err = cs.handleTyping(msg)
	case EventStatusSingle:
		err = cs.handleStatusSingle(ctx, msg)
	case EventStatusBulk:
		err = cs.handleStatusBulk(ctx, msg)
	case EventUserDisconnect:
		c.stopClient()
	default:
		err = ErrUnknownEvent
	}

	if err != nil {
		var invalid *invalidPayloadError
		if errors.As(err, &invalid) {
			c.queueMessage(ErrInvalidMessage(msg.Id, invalid.Error()))
			return
		}

		resp := errResponse(msg.Id, err)
		if resp.Response.ResponseCode >= 500 {
			c.log.Error("failed to handle event", "event", msg.Event, "error", err)
		} else {
			c.log.Debug("rejected event", "event", msg.Event, "error", err)
		}
		c.queueMessage(resp)
	}
}

type invalidPayloadError struct {
	err error
}

func (e *invalidPayloadError) Error() string {
	return "invalid payload: " + e.err.Error()
}

func (e *invalidPayloadError) Unwrap() error {
	return e.err
}

func decode(msg *ClientMessage, v any) error {
	if err := msg.decodePayload(v); err != nil {
		return &invalidPayloadError{err: err}
	}
	return nil
}

func (cs *ChatServer) handleUserConnected(msg *ClientMessage) error {
	var p UserPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	c := msg.client
	if p.UserId != c.userId {
		return ErrUserMismatch
	}

	cs.presence.RegisterConnection(c.userId, c.id)
	c.queueMessage(NoErrOK(msg.Id, map[string]string{"connectionId": c.id}))
	return nil
}

// checkParticipant loads the chat participants and verifies userId is one
// of them.
func (cs *ChatServer) checkParticipant(ctx context.Context, chatId, userId string) ([]string, error) {
	participants, err := cs.db.GetChatParticipants(ctx, chatId)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(participants, userId) {
		return nil, ErrNotParticipant
	}
	return participants, nil
}

func (cs *ChatServer) handleJoinChat(ctx context.Context, msg *ClientMessage) error {
	var p JoinChatPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	c := msg.client
	if _, err := cs.checkParticipant(ctx, p.ChatId, c.userId); err != nil {
		return err
	}

	if err := cs.joinRoom(c, p.ChatId); err != nil {
		return err
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]string{"chatId": p.ChatId}))
	return nil
}

// handleNewMessage persists and counts the message when it has no id yet and
// hands it to the dispatcher. The sender's response carries the delivery outcome and
// is sent once dispatch completes, so it does not block later events.
func (cs *ChatServer) handleNewMessage(ctx context.Context, msg *ClientMessage) error {
	var p NewMessagePayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	c := msg.client
	participants, err := cs.checkParticipant(ctx, p.ChatId, c.userId)
	if err != nil {
		return err
	}

	var stored types.Message
	if p.Message.Id == "" {
		stored, err = cs.db.CreateMessage(ctx, database.CreateMessageParams{
			ChatId:   p.ChatId,
			SenderId: c.userId,
			Body:     p.Message.Body,
			PhotoUrl: p.Message.PhotoUrl,
		})
		if err != nil {
			return err
		}
		// counted once at creation; relaying an existing id below never counts again
		if err := cs.unread.OnMessageCreated(ctx, stored, participants); err != nil {
			c.log.Error("failed to increment unread counters", "message_id", stored.Id, "error", err)
		}
	} else {
		stored, err = cs.db.GetMessage(ctx, p.Message.Id)
		if err != nil {
			return err
		}
		if stored.ChatId != p.ChatId {
			return database.ErrNotFound
		}
		if stored.SenderId != c.userId {
			return ErrUserMismatch
		}
	}

	// the stored participant list is authoritative; a client supplied list
	// may only narrow it
	recipients := participants
	if len(p.ParticipantIds) > 0 {
		recipients = slices.DeleteFunc(slices.Clone(p.ParticipantIds), func(id string) bool {
			return !slices.Contains(participants, id)
		})
	}

	// delivery outlives the sender's connection
	dispatchCtx := context.WithoutCancel(ctx)
	go func() {
		outcome := cs.dispatcher.Deliver(dispatchCtx, stored, recipients)
		if err := delivery.OutcomeError(outcome); err != nil {
			c.log.Info("message not delivered in real time", "message_id", stored.Id, "error", err)
		}

		c.queueMessage(NoErrOK(msg.Id, NewMessageAck{
			Status:  outcome.Ack(),
			Message: stored,
			Outcome: outcome,
		}))
	}()

	return nil
}

func (cs *ChatServer) handleStatusSingle(ctx context.Context, msg *ClientMessage) error {
	var p StatusPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	requested, err := types.ParseStatus(p.Status)
	if err != nil {
		return &invalidPayloadError{err: err}
	}

	c := msg.client
	res, err := cs.status.Apply(ctx, status.InChat(p.ChatId, p.MessageId), c.userId, requested)
	if err != nil {
		return err
	}
	if err := cs.unread.OnStatusTransition(ctx, c.userId, res); err != nil {
		c.log.Error("failed to update unread counter", "chat_id", res.ChatId, "error", err)
	}

	if res.Changed {
		cs.sendToUser(res.SenderId, NewEvent(EventStatusSingle, StatusEvent{
			ChatId:    res.ChatId,
			MessageId: res.MessageId,
			Status:    res.Current,
			UserId:    c.userId,
		}))
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"messageId": res.MessageId,
		"status":    res.Current,
		"changed":   res.Changed,
	}))
	return nil
}

// handleStatusBulk advances every message of the chat from other
// participants, resets the caller's unread counter on seen and relays the
// change to the other participants.
func (cs *ChatServer) handleStatusBulk(ctx context.Context, msg *ClientMessage) error {
	var p BulkStatusPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	requested, err := types.ParseStatus(p.Status)
	if err != nil {
		return &invalidPayloadError{err: err}
	}

	c := msg.client
	res, err := cs.status.ApplyBulk(ctx, p.ChatId, c.userId, requested)
	if err != nil {
		return err
	}

	if err := cs.unread.OnStatusTransition(ctx, c.userId, res); err != nil {
		c.log.Error("failed to update unread counter", "chat_id", p.ChatId, "error", err)
	}

	if res.Changed {
		event := StatusEvent{
			ChatId: p.ChatId,
			Count:  res.Count,
			Status: res.Current,
			UserId: c.userId,
		}
		for _, userId := range res.Participants {
			if userId != c.userId {
				cs.sendToUser(userId, NewEvent(EventStatusBulk, event))
			}
		}
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"chatId": p.ChatId,
		"count":  res.Count,
		"status": res.Current,
	}))
	return nil
}
