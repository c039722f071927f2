// Package delivery fans a freshly persisted message out to the other
// participants of its chat. It tries the chat room first and falls back to
// emitting directly to each recipient's connection when nobody in the room
// acknowledges in time.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/types"
	"github.com/samber/lo"
)

var (
	// ErrDeliveryTimeout is returned by transports when an emit was not
	// acknowledged before its deadline. It only drives the fallback path.
	ErrDeliveryTimeout = errors.New("delivery timed out")
	// ErrUnreachable means no recipient could be reached on any channel.
	// The message is still persisted and will be picked up from history.
	ErrUnreachable = errors.New("no recipient reachable")
)

// Transport emits messages to connected clients and waits for their
// acknowledgements.
type Transport interface {
	// BroadcastToRoom emits msg to every connection in the chat's room except
	// the ones owned by excludeUserId and returns the user ids that
	// acknowledged before ctx was done.
	BroadcastToRoom(ctx context.Context, chatId, excludeUserId string, msg types.Message) []string
	// EmitToUser emits msg to the user's registered connection and blocks
	// until it is acknowledged or ctx is done.
	EmitToUser(ctx context.Context, userId string, msg types.Message) error
}

type Presence interface {
	ConnectionForUser(userId string) (string, bool)
}

type StatusApplier interface {
	ApplySingle(ctx context.Context, messageId, requesterId string, requested types.Status) (status.Result, error)
}

// StatusNotifier relays a status change to the message's sender.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, res status.Result)
}

type Dispatcher struct {
	transport     Transport
	presence      Presence
	status        StatusApplier
	notifier      StatusNotifier
	roomTimeout   time.Duration
	directTimeout time.Duration
	log           *slog.Logger
	stats         stats.StatsProvider
}

type Deps struct {
	Transport Transport
	Presence  Presence
	Status    StatusApplier
	Notifier  StatusNotifier
}

func NewDispatcher(deps Deps, cfg config.DeliveryConfig, logger *slog.Logger, su stats.StatsProvider) *Dispatcher {
	su.RegisterMetric(stats.MessagesDispatched)
	su.RegisterMetric(stats.RoomDeliveries)
	su.RegisterMetric(stats.DirectDeliveries)
	su.RegisterMetric(stats.UnreachableTargets)

	return &Dispatcher{
		transport:     deps.Transport,
		presence:      deps.Presence,
		status:        deps.Status,
		notifier:      deps.Notifier,
		roomTimeout:   cfg.RoomTimeout,
		directTimeout: cfg.DirectTimeout,
		log:           logger.With("component", "dispatcher"),
		stats:         su,
	}
}

// Deliver dispatches msg to every participant other than its sender and
// reports which channel reached whom. It never fails: transport problems
// only shape the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, msg types.Message, participantIds []string) types.DeliveryOutcome {
	d.stats.Incr(stats.MessagesDispatched)
	log := d.log.With("message_id", msg.Id, "chat_id", msg.ChatId)

	recipients := lo.Without(lo.Uniq(participantIds), msg.SenderId)

	outcome := types.DeliveryOutcome{
		ViaDirect:   []string{},
		Unreachable: []string{},
	}
	if len(recipients) == 0 {
		return outcome
	}

	roomCtx, cancel := context.WithTimeout(ctx, d.roomTimeout)
	acked := lo.Intersect(recipients, d.transport.BroadcastToRoom(roomCtx, msg.ChatId, msg.SenderId, msg))
	cancel()

	if len(acked) > 0 {
		d.stats.Incr(stats.RoomDeliveries)
		outcome.ViaRoom = true
		outcome.Reached = acked
		outcome.Unreachable = lo.Without(recipients, acked...)
	} else {
		log.Debug("no room acknowledgement, falling back to direct delivery", "timeout", d.roomTimeout)
		outcome.ViaDirect, outcome.Unreachable = d.deliverDirect(ctx, msg, recipients)
		outcome.Reached = outcome.ViaDirect
	}

	for range outcome.ViaDirect {
		d.stats.Incr(stats.DirectDeliveries)
	}
	for range outcome.Unreachable {
		d.stats.Incr(stats.UnreachableTargets)
	}

	log.Info("message dispatched",
		"via_room", outcome.ViaRoom,
		"via_direct", outcome.ViaDirect,
		"unreachable", outcome.Unreachable,
	)

	d.markReceived(ctx, msg, outcome.Reached)

	return outcome
}

// deliverDirect emits to each recipient known to presence concurrently, each
// with its own deadline. Result order follows recipients.
func (d *Dispatcher) deliverDirect(ctx context.Context, msg types.Message, recipients []string) ([]string, []string) {
	reached := make([]bool, len(recipients))

	var wg sync.WaitGroup
	for i, userId := range recipients {
		if _, ok := d.presence.ConnectionForUser(userId); !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			emitCtx, cancel := context.WithTimeout(ctx, d.directTimeout)
			defer cancel()

			if err := d.transport.EmitToUser(emitCtx, userId, msg); err != nil {
				d.log.Debug("direct delivery failed",
					"message_id", msg.Id, "user_id", userId, "error", err)
				return
			}
			reached[i] = true
		}()
	}
	wg.Wait()

	viaDirect := make([]string, 0, len(recipients))
	unreachable := make([]string, 0)
	for i, userId := range recipients {
		if reached[i] {
			viaDirect = append(viaDirect, userId)
		} else {
			unreachable = append(unreachable, userId)
		}
	}

	return viaDirect, unreachable
}

// markReceived advances the message to receive on behalf of every reached
// recipient and tells the sender when the status actually moved.
func (d *Dispatcher) markReceived(ctx context.Context, msg types.Message, reached []string) {
	for _, userId := range reached {
		res, err := d.status.ApplySingle(ctx, msg.Id, userId, types.StatusReceive)
		if err != nil {
			d.log.Error("failed to mark message received",
				"message_id", msg.Id, "user_id", userId, "error", err)
			continue
		}

		if res.Changed && d.notifier != nil {
			d.notifier.NotifyStatus(ctx, res)
		}
	}
}

// OutcomeError returns ErrUnreachable when the outcome reached nobody.
func OutcomeError(o types.DeliveryOutcome) error {
	if o.Ack() == types.AckFailure {
		return fmt.Errorf("%w: %d recipient(s)", ErrUnreachable, len(o.Unreachable))
	}
	return nil
}
