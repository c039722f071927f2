// Package unread keeps the per chat, per user unread counters in step with
// message creation and status transitions.
package unread

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

type Store interface {
	IncrementUnread(ctx context.Context, chatId, userId string) error
	DecrementUnread(ctx context.Context, chatId, userId string) error
	ZeroUnread(ctx context.Context, chatId, userId string) error
	RecountUnread(ctx context.Context, chatId, userId string) (int, error)
}

// ActiveChats tells which chat a user currently has open.
type ActiveChats interface {
	ActiveChat(userId string) string
}

type Reconciler struct {
	store  Store
	active ActiveChats
	log    *slog.Logger
}

func NewReconciler(store Store, active ActiveChats, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		active: active,
		log:    logger.With("component", "unread"),
	}
}

// OnMessageCreated adds one unread message for every participant other than
// the sender. All participants are attempted; the first error is returned.
func (r *Reconciler) OnMessageCreated(ctx context.Context, msg types.Message, participantIds []string) error {
	var firstErr error
	for _, userId := range participantIds {
		if userId == msg.SenderId {
			continue
		}

		if err := r.store.IncrementUnread(ctx, msg.ChatId, userId); err != nil {
			r.log.Error("failed to increment unread",
				"chat_id", msg.ChatId, "user_id", userId, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("increment unread: %w", err)
			}
		}
	}
	return firstErr
}

// OnStatusTransition adjusts userId's counter for a transition they
// performed. Receiving never changes the counter. A bulk seen zeroes it. A
// single seen removes one message, clamped at zero by the store, but only
// while the chat is the one the user has open; any other single seen is left
// for Reconcile.
func (r *Reconciler) OnStatusTransition(ctx context.Context, userId string, res status.Result) error {
	if res.Current != types.StatusSeen {
		return nil
	}

	if res.Bulk {
		if err := r.store.ZeroUnread(ctx, res.ChatId, userId); err != nil {
			return fmt.Errorf("zero unread: %w", err)
		}
		return nil
	}

	if !res.Changed {
		return nil
	}

	if active := r.active.ActiveChat(userId); active != res.ChatId {
		r.log.Debug("single seen outside the open chat, counter left as is",
			"chat_id", res.ChatId, "user_id", userId, "active_chat_id", active)
		return nil
	}

	if err := r.store.DecrementUnread(ctx, res.ChatId, userId); err != nil {
		return fmt.Errorf("decrement unread: %w", err)
	}
	return nil
}

// Reconcile recounts userId's unread messages in the chat from the stored
// statuses and overwrites the counter with the result. The store does the
// count and the write as one operation so a concurrent increment is not lost.
func (r *Reconciler) Reconcile(ctx context.Context, chatId, userId string) (int, error) {
	count, err := r.store.RecountUnread(ctx, chatId, userId)
	if err != nil {
		return 0, fmt.Errorf("recount unread: %w", err)
	}

	return count, nil
}
