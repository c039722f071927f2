package server

// Typing and online signals are ephemeral. Nothing here is persisted and
// nothing is pushed to users who did not ask for it.

func (cs *ChatServer) handleTyping(msg *ClientMessage) error {
	var p TypingPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	c := msg.client
	if p.UserId != "" && p.UserId != c.userId {
		return ErrUserMismatch
	}

	// joining a room already required membership of the chat
	if !cs.inRoom(c, p.ChatId) {
		return ErrNotParticipant
	}

	room, ok := cs.getRoom(p.ChatId)
	if !ok {
		return nil
	}

	room.broadcast(NewEvent(EventTyping, TypingEvent{
		ChatId:   p.ChatId,
		UserId:   c.userId,
		IsTyping: p.IsTyping,
	}), c)
	return nil
}

func (cs *ChatServer) handleOnlineFlag(msg *ClientMessage) error {
	var p UserPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	c := msg.client
	if p.UserId != c.userId {
		return ErrUserMismatch
	}

	if msg.Event == EventUserOnline {
		cs.presence.SetOnline(c.userId)
	} else {
		cs.presence.SetOffline(c.userId)
	}

	if msg.Id != 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
	return nil
}

// handleOnlineStatus answers a query for any user's online flag.
func (cs *ChatServer) handleOnlineStatus(msg *ClientMessage) error {
	var p UserPayload
	if err := decode(msg, &p); err != nil {
		return err
	}

	online, updatedAt := cs.presence.OnlineStatus(p.UserId)
	msg.client.queueMessage(NoErrOK(msg.Id, OnlineStatusAck{
		Online:        online,
		LastUpdatedAt: updatedAt,
	}))
	return nil
}
