package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/delivery"
	"github.com/npezzotti/go-chatdelivery/internal/presence"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/types"
	"github.com/npezzotti/go-chatdelivery/internal/unread"
	"github.com/samber/lo"
)

var (
	ErrNoConnection   = errors.New("user has no registered connection")
	ErrSendQueueFull  = errors.New("client send queue is full")
	ErrServerStopping = errors.New("chat server is shutting down")
)

type stopReq struct {
	done chan struct{}
}

// ChatServer is the realtime hub. It owns the websocket clients and their
// rooms, implements the delivery transport on top of them and routes client
// events to the presence, status, unread and delivery components.
type ChatServer struct {
	log            *slog.Logger
	db             database.GoChatRepository
	stats          stats.StatsProvider
	presence       *presence.Registry
	status         *status.Machine
	unread         *unread.Reconciler
	dispatcher     *delivery.Dispatcher
	wsCfg          config.WebsocketConfig
	clients        map[string]*Client
	clientsLock    sync.RWMutex
	rooms          map[string]*Room
	roomsLock      sync.Mutex
	acks           *ackTable
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *slog.Logger, db database.GoChatRepository, su stats.StatsProvider, cfg *config.Config) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat server requires a repository")
	}

	su.RegisterMetric(stats.ActiveConnections)

	registry := presence.NewRegistry()
	cs := &ChatServer{
		log:            logger.With("component", "chat_server"),
		db:             db,
		stats:          su,
		presence:       registry,
		status:         status.NewMachine(db, logger, su),
		unread:         unread.NewReconciler(db, registry, logger),
		wsCfg:          cfg.Websocket,
		clients:        make(map[string]*Client),
		rooms:          make(map[string]*Room),
		acks:           newAckTable(),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	cs.dispatcher = delivery.NewDispatcher(delivery.Deps{
		Transport: cs,
		Presence:  cs.presence,
		Status:    cs.status,
		Notifier:  cs,
	}, cfg.Delivery, logger, su)

	return cs, nil
}

func (cs *ChatServer) Presence() *presence.Registry {
	return cs.presence
}

func (cs *ChatServer) Unread() *unread.Reconciler {
	return cs.unread
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.addClient(c)
		case c := <-cs.deRegisterChan:
			cs.removeClient(c)
		case req := <-cs.stop:
			cs.log.Info("stopping clients")
			for _, c := range cs.getClients() {
				c.stopClient()
			}
			close(cs.done)
			close(req.done)
			return
		}
	}
}

// RegisterClient hands a freshly upgraded client to the hub.
func (cs *ChatServer) RegisterClient(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopping
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
		cs.removeClient(c)
	}
}

// Shutdown stops every client and the hub loop.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c.id] = c
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.ActiveConnections)
	cs.log.Info("client connected", "conn_id", c.id, "user_id", c.userId)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	if cs.clients[c.id] != c {
		cs.clientsLock.Unlock()
		return
	}
	delete(cs.clients, c.id)
	cs.clientsLock.Unlock()

	cs.leaveRoom(c)
	cs.presence.UnregisterConnection(c.id)

	cs.stats.Decr(stats.ActiveConnections)
	cs.log.Info("client disconnected", "conn_id", c.id, "user_id", c.userId)
}

func (cs *ChatServer) getClient(connId string) *Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return cs.clients[connId]
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return lo.Values(cs.clients)
}

// clientForUser resolves the user's registered connection to its client.
func (cs *ChatServer) clientForUser(userId string) *Client {
	connId, ok := cs.presence.ConnectionForUser(userId)
	if !ok {
		return nil
	}
	return cs.getClient(connId)
}

// joinRoom moves c into chatId's room, leaving the room it had active. The
// presence registry and the hub rooms are updated under one lock.
func (cs *ChatServer) joinRoom(c *Client, chatId string) error {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if _, ok := cs.presence.JoinRoom(c.id, chatId); !ok {
		return ErrNotRegistered
	}

	if c.activeChat == chatId {
		return nil
	}
	cs.leaveRoomLocked(c)

	room, ok := cs.rooms[chatId]
	if !ok {
		room = newRoom(chatId)
		cs.rooms[chatId] = room
	}
	room.addClient(c)
	c.activeChat = chatId

	return nil
}

func (cs *ChatServer) leaveRoom(c *Client) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	cs.leaveRoomLocked(c)
}

func (cs *ChatServer) leaveRoomLocked(c *Client) {
	if c.activeChat == "" {
		return
	}

	if room, ok := cs.rooms[c.activeChat]; ok && room.removeClient(c) {
		delete(cs.rooms, c.activeChat)
	}
	c.activeChat = ""
}

// inRoom reports whether chatId is the room c has joined.
func (cs *ChatServer) inRoom(c *Client, chatId string) bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	return c.activeChat == chatId
}

func (cs *ChatServer) getRoom(chatId string) (*Room, bool) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	room, ok := cs.rooms[chatId]
	return room, ok
}

// emitWithAck queues msg for c and waits for the client to acknowledge it.
func (cs *ChatServer) emitWithAck(ctx context.Context, c *Client, msg *ServerMessage) error {
	ackId, done := cs.acks.add(c.userId)
	msg.AckId = ackId

	if !c.queueMessage(msg) {
		cs.acks.remove(ackId)
		return ErrSendQueueFull
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cs.acks.remove(ackId)
		return fmt.Errorf("%w: %w", delivery.ErrDeliveryTimeout, ctx.Err())
	}
}

// BroadcastToRoom implements delivery.Transport.
func (cs *ChatServer) BroadcastToRoom(ctx context.Context, chatId, excludeUserId string, msg types.Message) []string {
	room, ok := cs.getRoom(chatId)
	if !ok {
		return nil
	}

	members := room.members(excludeUserId)
	if len(members) == 0 {
		return nil
	}

	var (
		mu    sync.Mutex
		acked []string
		wg    sync.WaitGroup
	)
	for _, c := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cs.emitWithAck(ctx, c, NewEvent(EventNewMessage, msg)); err != nil {
				return
			}
			mu.Lock()
			acked = append(acked, c.userId)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return lo.Uniq(acked)
}

// EmitToUser implements delivery.Transport.
func (cs *ChatServer) EmitToUser(ctx context.Context, userId string, msg types.Message) error {
	c := cs.clientForUser(userId)
	if c == nil {
		return ErrNoConnection
	}
	return cs.emitWithAck(ctx, c, NewEvent(EventNewMessage, msg))
}

// NotifyStatus tells the sender of a message that a recipient advanced it.
func (cs *ChatServer) NotifyStatus(_ context.Context, res status.Result) {
	if res.SenderId == "" {
		return
	}

	cs.sendToUser(res.SenderId, NewEvent(EventStatusSingle, StatusEvent{
		ChatId:    res.ChatId,
		MessageId: res.MessageId,
		Status:    res.Current,
	}))
}

// sendToUser queues msg for the user's connection without waiting for an
// acknowledgement.
func (cs *ChatServer) sendToUser(userId string, msg *ServerMessage) bool {
	c := cs.clientForUser(userId)
	if c == nil {
		return false
	}
	return c.queueMessage(msg)
}

// resolveAck completes a pending emit acknowledged by c.
func (cs *ChatServer) resolveAck(c *Client, ackId string) {
	if !cs.acks.resolve(ackId, c.userId) {
		c.log.Debug("ignoring unknown ack", "ack_id", ackId)
	}
}
