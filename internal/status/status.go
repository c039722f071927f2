// Package status owns the message lifecycle sent -> receive -> seen. Every
// status change, whether for one message or for a whole chat, goes through
// Machine.Apply so the no-regression rule is enforced in one place.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

var (
	ErrForbidden     = errors.New("sender cannot change the status of their own message")
	ErrNotFound      = errors.New("message not found")
	ErrInvalidStatus = errors.New("invalid message status")
	// ErrNotParticipant is returned when the requester is not a member of
	// the message's chat.
	ErrNotParticipant = errors.New("user is not a participant of the chat")
)

// CanTransition reports whether a message in current may move to requested.
// Only strictly forward moves are legal.
func CanTransition(current, requested types.Status) bool {
	return requested.Rank() > current.Rank()
}

// Store is the subset of the repository the machine writes through.
type Store interface {
	GetMessage(ctx context.Context, messageId string) (types.Message, error)
	GetChatParticipants(ctx context.Context, chatId string) ([]string, error)
	UpdateMessageStatus(ctx context.Context, messageId string, status types.Status) (bool, error)
	BulkUpdateMessageStatus(ctx context.Context, chatId, excludeUserId string, status types.Status) (int64, error)
}

// Selector picks the messages a transition applies to: either one message
// by id or every eligible message of a chat. A single selector that also
// names a chat only matches a message stored in that chat.
type Selector struct {
	MessageId string
	ChatId    string
}

func Single(messageId string) Selector {
	return Selector{MessageId: messageId}
}

// InChat selects one message, which must belong to chatId.
func InChat(chatId, messageId string) Selector {
	return Selector{MessageId: messageId, ChatId: chatId}
}

func Chat(chatId string) Selector {
	return Selector{ChatId: chatId}
}

func (s Selector) IsBulk() bool {
	return s.MessageId == "" && s.ChatId != ""
}

type Result struct {
	MessageId string
	ChatId    string
	// SenderId is set for single transitions only.
	SenderId string
	// Participants of the chat, as loaded for the authorization check.
	Participants []string
	Previous     types.Status
	Current      types.Status
	// Count is the number of messages that advanced.
	Count   int64
	Changed bool
	Bulk    bool
}

type Machine struct {
	store Store
	log   *slog.Logger
	stats stats.StatsProvider
}

func NewMachine(store Store, logger *slog.Logger, su stats.StatsProvider) *Machine {
	su.RegisterMetric(stats.StatusTransitions)
	su.RegisterMetric(stats.RejectedTransitions)

	return &Machine{
		store: store,
		log:   logger.With("component", "status"),
		stats: su,
	}
}

// ApplySingle advances one message on behalf of requesterId.
func (m *Machine) ApplySingle(ctx context.Context, messageId, requesterId string, requested types.Status) (Result, error) {
	return m.Apply(ctx, Single(messageId), requesterId, requested)
}

// ApplyBulk advances every message in the chat authored by someone other
// than requesterId with a single filtered write.
func (m *Machine) ApplyBulk(ctx context.Context, chatId, requesterId string, requested types.Status) (Result, error) {
	return m.Apply(ctx, Chat(chatId), requesterId, requested)
}

func (m *Machine) Apply(ctx context.Context, sel Selector, requesterId string, requested types.Status) (Result, error) {
	if !requested.Valid() || requested == types.StatusSent {
		m.stats.Incr(stats.RejectedTransitions)
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidStatus, requested)
	}

	if sel.IsBulk() {
		return m.applyBulk(ctx, sel.ChatId, requesterId, requested)
	}
	if sel.MessageId == "" {
		return Result{}, ErrNotFound
	}
	return m.applySingle(ctx, sel, requesterId, requested)
}

// participants loads the chat's members and rejects a requester outside them.
func (m *Machine) participants(ctx context.Context, chatId, requesterId string) ([]string, error) {
	participants, err := m.store.GetChatParticipants(ctx, chatId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat participants: %w", err)
	}

	if !slices.Contains(participants, requesterId) {
		m.stats.Incr(stats.RejectedTransitions)
		return nil, ErrNotParticipant
	}
	return participants, nil
}

func (m *Machine) applySingle(ctx context.Context, sel Selector, requesterId string, requested types.Status) (Result, error) {
	msg, err := m.store.GetMessage(ctx, sel.MessageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("get message: %w", err)
	}

	if sel.ChatId != "" && msg.ChatId != sel.ChatId {
		return Result{}, ErrNotFound
	}

	participants, err := m.participants(ctx, msg.ChatId, requesterId)
	if err != nil {
		return Result{}, err
	}

	if msg.DeletedFor(requesterId) {
		return Result{}, ErrNotFound
	}

	if msg.SenderId == requesterId {
		m.stats.Incr(stats.RejectedTransitions)
		return Result{}, ErrForbidden
	}

	res := Result{
		MessageId:    msg.Id,
		ChatId:       msg.ChatId,
		SenderId:     msg.SenderId,
		Participants: participants,
		Previous:     msg.Status,
		Current:      msg.Status,
	}

	if !CanTransition(msg.Status, requested) {
		m.log.Debug("ignoring non-forward transition",
			"message_id", msg.Id, "current", msg.Status, "requested", requested)
		return res, nil
	}

	changed, err := m.store.UpdateMessageStatus(ctx, msg.Id, requested)
	if err != nil {
		return Result{}, fmt.Errorf("update message status: %w", err)
	}

	// a concurrent transition may have won the conditional update; the
	// stored status is then at least as far along as requested
	if changed {
		res.Current = requested
		res.Changed = true
		res.Count = 1
		m.stats.Incr(stats.StatusTransitions)
	}

	return res, nil
}

func (m *Machine) applyBulk(ctx context.Context, chatId, requesterId string, requested types.Status) (Result, error) {
	participants, err := m.participants(ctx, chatId, requesterId)
	if err != nil {
		return Result{}, err
	}

	n, err := m.store.BulkUpdateMessageStatus(ctx, chatId, requesterId, requested)
	if err != nil {
		return Result{}, fmt.Errorf("bulk update message status: %w", err)
	}

	if n > 0 {
		m.stats.Incr(stats.StatusTransitions)
	}

	return Result{
		ChatId:       chatId,
		Participants: participants,
		Current:      requested,
		Count:        n,
		Changed:      n > 0,
		Bulk:         true,
	}, nil
}
