package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/delivery"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/testutil"
	"github.com/npezzotti/go-chatdelivery/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Delivery.RoomTimeout = 100 * time.Millisecond
	cfg.Delivery.DirectTimeout = 300 * time.Millisecond
	return cfg
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.GoChatRepository, su stats.StatsProvider) *ChatServer {
	cs, err := NewChatServer(testutil.TestLogger(t), db, su, testConfig())
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// newTestClient builds a client without a websocket connection. Messages
// queued for it stay in its send channel.
func newTestClient(t *testing.T, cs *ChatServer, userId, connId string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Client{
		id:         connId,
		userId:     userId,
		chatServer: cs,
		log:        testutil.TestLogger(t),
		cfg:        cs.wsCfg,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		send:       make(chan *ServerMessage, 16),
		inbound:    make(chan *ClientMessage, 16),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message for client %s", c.id)
		return nil
	}
}

func TestNewChatServer(t *testing.T) {
	t.Run("requires a repository", func(t *testing.T) {
		_, err := NewChatServer(testutil.TestLogger(t), nil, stats.NopStats{}, testConfig())
		assert.Error(t, err)
	})

	t.Run("registers metrics", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("RegisterMetric", mock.Anything)

		db := &database.MockGoChatRepository{}
		cs, err := NewChatServer(testutil.TestLogger(t), db, su, testConfig())
		require.NoError(t, err)
		assert.NotNil(t, cs.presence)
		assert.NotNil(t, cs.status)
		assert.NotNil(t, cs.unread)
		assert.NotNil(t, cs.dispatcher)
		su.AssertCalled(t, "RegisterMetric", stats.ActiveConnections)
		su.AssertCalled(t, "RegisterMetric", stats.MessagesDispatched)
	})
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("stops clients", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
		go cs.Run()

		c := newTestClient(t, cs, "alice", "c1")
		require.NoError(t, cs.RegisterClient(c))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx))

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}
		assert.ErrorIs(t, cs.RegisterClient(c), ErrServerStopping)
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", stats.ActiveConnections).Once()
	su.On("Decr", stats.ActiveConnections).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
	c := newTestClient(t, cs, "alice", "c1")

	cs.addClient(c)
	assert.Equal(t, c, cs.getClient("c1"))

	cs.presence.RegisterConnection("alice", "c1")
	require.NoError(t, cs.joinRoom(c, "chat1"))

	cs.removeClient(c)
	assert.Nil(t, cs.getClient("c1"))
	_, ok := cs.presence.ConnectionForUser("alice")
	assert.False(t, ok, "expected presence to forget the connection")
	_, ok = cs.getRoom("chat1")
	assert.False(t, ok, "expected the empty room to be dropped")

	// removing twice does not decrement again
	cs.removeClient(c)
}

func TestChatServer_joinRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
	c := newTestClient(t, cs, "alice", "c1")

	assert.ErrorIs(t, cs.joinRoom(c, "chat1"), ErrNotRegistered)

	cs.presence.RegisterConnection("alice", "c1")
	require.NoError(t, cs.joinRoom(c, "chat1"))
	room, ok := cs.getRoom("chat1")
	require.True(t, ok)
	assert.Equal(t, []*Client{c}, room.members(""))
	assert.Equal(t, []string{"alice"}, cs.presence.RoomMembers("chat1"))

	require.NoError(t, cs.joinRoom(c, "chat2"))
	_, ok = cs.getRoom("chat1")
	assert.False(t, ok, "expected the previous room to be left")
	assert.Equal(t, "chat2", cs.presence.ActiveChat("alice"))
}

func TestChatServer_BroadcastToRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
	msg := types.Message{Id: "m1", ChatId: "chat1", SenderId: "alice"}

	t.Run("no room", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		start := time.Now()
		assert.Empty(t, cs.BroadcastToRoom(ctx, "chat1", "alice", msg))
		assert.Less(t, time.Since(start), time.Second, "expected an empty room to return immediately")
	})

	t.Run("collects acks until the deadline", func(t *testing.T) {
		clients := map[string]*Client{}
		for _, user := range []string{"alice", "bob", "carol"} {
			c := newTestClient(t, cs, user, "conn-"+user)
			cs.addClient(c)
			cs.presence.RegisterConnection(user, c.id)
			require.NoError(t, cs.joinRoom(c, "chat1"))
			clients[user] = c
		}

		// bob acknowledges, carol never does
		go func() {
			ev := <-clients["bob"].send
			cs.resolveAck(clients["bob"], ev.AckId)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		acked := cs.BroadcastToRoom(ctx, "chat1", "alice", msg)

		assert.Equal(t, []string{"bob"}, acked)
		assert.Len(t, clients["alice"].send, 0, "expected the sender to be excluded")
		if assert.Len(t, clients["carol"].send, 1) {
			ev := <-clients["carol"].send
			assert.Equal(t, EventNewMessage, ev.Event)
			assert.NotEmpty(t, ev.AckId)
			assert.Equal(t, msg, ev.Payload)
		}
		assert.Equal(t, 0, cs.acks.len(), "expected timed out acks to be dropped")
	})
}

func TestChatServer_EmitToUser(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
	msg := types.Message{Id: "m1", ChatId: "chat1", SenderId: "alice"}

	t.Run("no connection", func(t *testing.T) {
		assert.ErrorIs(t, cs.EmitToUser(context.Background(), "nobody", msg), ErrNoConnection)
	})

	bob := newTestClient(t, cs, "bob", "conn-bob")
	cs.addClient(bob)
	cs.presence.RegisterConnection("bob", bob.id)

	t.Run("acknowledged", func(t *testing.T) {
		go func() {
			ev := <-bob.send
			cs.resolveAck(bob, ev.AckId)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.EmitToUser(ctx, "bob", msg))
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := cs.EmitToUser(ctx, "bob", msg)
		assert.ErrorIs(t, err, delivery.ErrDeliveryTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		<-bob.send
	})

	t.Run("queue full", func(t *testing.T) {
		for range cap(bob.send) {
			bob.send <- &ServerMessage{}
		}
		defer func() {
			for len(bob.send) > 0 {
				<-bob.send
			}
		}()

		assert.ErrorIs(t, cs.EmitToUser(context.Background(), "bob", msg), ErrSendQueueFull)
	})
}

func TestChatServer_NotifyStatus(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
	alice := newTestClient(t, cs, "alice", "conn-alice")
	cs.addClient(alice)
	cs.presence.RegisterConnection("alice", alice.id)

	cs.NotifyStatus(context.Background(), status.Result{
		MessageId: "m1",
		ChatId:    "chat1",
		SenderId:  "alice",
		Current:   types.StatusReceive,
		Changed:   true,
	})

	ev := nextMessage(t, alice)
	assert.Equal(t, EventStatusSingle, ev.Event)
	assert.Equal(t, StatusEvent{ChatId: "chat1", MessageId: "m1", Status: types.StatusReceive}, ev.Payload)

	// bulk results carry no sender
	cs.NotifyStatus(context.Background(), status.Result{ChatId: "chat1", Bulk: true})
	assert.Len(t, alice.send, 0)
}

func TestChatServer_handle(t *testing.T) {
	ctx := context.Background()

	tcases := []struct {
		name    string
		event   string
		payload any
		setup   func(db *database.MockGoChatRepository)
		code    int
	}{
		{
			name:    "user-connected for another user",
			event:   EventUserConnected,
			payload: UserPayload{UserId: "mallory"},
			code:    http.StatusForbidden,
		},
		{
			name:    "user-connected",
			event:   EventUserConnected,
			payload: UserPayload{UserId: "alice"},
			code:    http.StatusOK,
		},
		{
			name:    "join-chat for unknown chat",
			event:   EventJoinChat,
			payload: JoinChatPayload{ChatId: "nope"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetChatParticipants", ctx, "nope").Return(nil, database.ErrNotFound).Once()
			},
			code: http.StatusNotFound,
		},
		{
			name:    "join-chat as outsider",
			event:   EventJoinChat,
			payload: JoinChatPayload{ChatId: "chat1"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetChatParticipants", ctx, "chat1").Return([]string{"bob", "carol"}, nil).Once()
			},
			code: http.StatusForbidden,
		},
		{
			name:    "join-chat before user-connected",
			event:   EventJoinChat,
			payload: JoinChatPayload{ChatId: "chat1"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetChatParticipants", ctx, "chat1").Return([]string{"alice", "bob"}, nil).Once()
			},
			code: http.StatusConflict,
		},
		{
			name:    "seen on own message",
			event:   EventStatusSingle,
			payload: StatusPayload{ChatId: "chat1", MessageId: "m1", Status: "seen"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetMessage", ctx, "m1").Return(types.Message{Id: "m1", ChatId: "chat1", SenderId: "alice"}, nil).Once()
				db.On("GetChatParticipants", ctx, "chat1").Return([]string{"alice", "bob"}, nil).Once()
			},
			code: http.StatusForbidden,
		},
		{
			name:    "seen as outsider",
			event:   EventStatusSingle,
			payload: StatusPayload{ChatId: "chat1", MessageId: "m1", Status: "seen"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetMessage", ctx, "m1").Return(types.Message{Id: "m1", ChatId: "chat1", SenderId: "bob"}, nil).Once()
				db.On("GetChatParticipants", ctx, "chat1").Return([]string{"bob", "carol"}, nil).Once()
			},
			code: http.StatusForbidden,
		},
		{
			name:    "seen naming another chat",
			event:   EventStatusSingle,
			payload: StatusPayload{ChatId: "chat2", MessageId: "m1", Status: "seen"},
			setup: func(db *database.MockGoChatRepository) {
				db.On("GetMessage", ctx, "m1").Return(types.Message{Id: "m1", ChatId: "chat1", SenderId: "bob"}, nil).Once()
			},
			code: http.StatusNotFound,
		},
		{
			name:    "invalid status",
			event:   EventStatusSingle,
			payload: StatusPayload{ChatId: "chat1", MessageId: "m1", Status: "read"},
			code:    http.StatusBadRequest,
		},
		{
			name:    "online status",
			event:   EventOnlineStatus,
			payload: UserPayload{UserId: "bob"},
			code:    http.StatusOK,
		},
		{
			name:    "unknown event",
			event:   "shout",
			payload: struct{}{},
			code:    http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockGoChatRepository{}
			defer db.AssertExpectations(t)
			if tc.setup != nil {
				tc.setup(db)
			}

			cs := newTestChatServer(t, db, stats.NopStats{})
			c := newTestClient(t, cs, "alice", "conn-alice")
			cs.addClient(c)

			cs.handle(ctx, &ClientMessage{Id: 9, Event: tc.event, Payload: mustPayload(t, tc.payload), client: c})

			resp := nextMessage(t, c)
			assert.Equal(t, 9, resp.Id)
			require.NotNil(t, resp.Response)
			assert.Equal(t, tc.code, resp.Response.ResponseCode, "unexpected response: %+v", resp.Response)
		})
	}
}

func TestChatServer_handleTyping(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})

	alice := newTestClient(t, cs, "alice", "conn-alice")
	bob := newTestClient(t, cs, "bob", "conn-bob")
	for _, c := range []*Client{alice, bob} {
		cs.addClient(c)
		cs.presence.RegisterConnection(c.userId, c.id)
		require.NoError(t, cs.joinRoom(c, "chat1"))
	}

	cs.handle(context.Background(), &ClientMessage{
		Event:   EventTyping,
		Payload: mustPayload(t, TypingPayload{ChatId: "chat1", IsTyping: true}),
		client:  alice,
	})

	ev := nextMessage(t, bob)
	assert.Equal(t, EventTyping, ev.Event)
	assert.Equal(t, TypingEvent{ChatId: "chat1", UserId: "alice", IsTyping: true}, ev.Payload)
	assert.Len(t, alice.send, 0, "expected the typing user to be skipped and not acked")
	assert.Empty(t, ev.AckId)

	t.Run("outside the room", func(t *testing.T) {
		mallory := newTestClient(t, cs, "mallory", "conn-mallory")
		cs.addClient(mallory)
		cs.presence.RegisterConnection(mallory.userId, mallory.id)

		cs.handle(context.Background(), &ClientMessage{
			Id:      3,
			Event:   EventTyping,
			Payload: mustPayload(t, TypingPayload{ChatId: "chat1", IsTyping: true}),
			client:  mallory,
		})

		assert.Equal(t, http.StatusForbidden, nextMessage(t, mallory).Response.ResponseCode)
		assert.Len(t, bob.send, 0, "expected nothing relayed for a user who never joined")
	})
}

func TestChatServer_handleOnlineFlag(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
	alice := newTestClient(t, cs, "alice", "conn-alice")

	cs.handle(context.Background(), &ClientMessage{
		Event:   EventUserOnline,
		Payload: mustPayload(t, UserPayload{UserId: "alice"}),
		client:  alice,
	})
	assert.True(t, cs.presence.IsOnline("alice"))
	assert.Len(t, alice.send, 0, "expected no response without a request id")

	cs.handle(context.Background(), &ClientMessage{
		Id:      4,
		Event:   EventUserOffline,
		Payload: mustPayload(t, UserPayload{UserId: "alice"}),
		client:  alice,
	})
	assert.False(t, cs.presence.IsOnline("alice"))
	assert.Equal(t, http.StatusOK, nextMessage(t, alice).Response.ResponseCode)

	cs.handle(context.Background(), &ClientMessage{
		Id:      5,
		Event:   EventOnlineStatus,
		Payload: mustPayload(t, UserPayload{UserId: "alice"}),
		client:  alice,
	})
	resp := nextMessage(t, alice)
	data, ok := resp.Response.Data.(OnlineStatusAck)
	require.True(t, ok)
	assert.False(t, data.Online)
	assert.False(t, data.LastUpdatedAt.IsZero())
}

// wsFrame mirrors ServerMessage for decoding on the client side.
type wsFrame struct {
	Id       int    `json:"id"`
	AckId    string `json:"ack_id"`
	Event    string `json:"event"`
	Response *struct {
		ResponseCode int             `json:"response_code"`
		Error        string          `json:"error"`
		Data         json.RawMessage `json:"data"`
	} `json:"response"`
	Payload json.RawMessage `json:"payload"`
}

type wsTestClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames []wsFrame
}

func dialTestClient(t *testing.T, srv *httptest.Server, userId string) *wsTestClient {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + userId
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsTestClient{t: t, conn: conn}
}

func (w *wsTestClient) send(id int, event string, payload any) {
	w.t.Helper()
	msg := map[string]any{"id": id, "event": event, "payload": payload}
	require.NoError(w.t, w.conn.WriteJSON(msg))
}

// waitFor reads frames until match returns true, keeping the others for
// later inspection.
func (w *wsTestClient) waitFor(match func(f wsFrame) bool) wsFrame {
	w.t.Helper()
	w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f wsFrame
		require.NoError(w.t, w.conn.ReadJSON(&f))
		w.frames = append(w.frames, f)
		if match(f) {
			return f
		}
	}
}

func (w *wsTestClient) response(id int) wsFrame {
	return w.waitFor(func(f wsFrame) bool { return f.Response != nil && f.Id == id })
}

func (w *wsTestClient) event(name string) wsFrame {
	return w.waitFor(func(f wsFrame) bool { return f.Event == name })
}

func (w *wsTestClient) seen(event string) bool {
	for _, f := range w.frames {
		if f.Event == event {
			return true
		}
	}
	return false
}

func TestChatServer_Integration(t *testing.T) {
	ctx := context.Background()
	logger := testutil.TestLogger(t)

	db, err := database.NewBadgerGoChatRepository(filepath.Join(t.TempDir(), "badger"), logger)
	require.NoError(t, err)
	defer db.Close()

	cs := newTestChatServer(t, db, stats.NopStats{})
	go cs.Run()
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		cs.Shutdown(sctx)
	}()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(r.URL.Query().Get("user"), conn, cs, logger)
		if err := cs.RegisterClient(c); err != nil {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
		go c.Process()
	}))
	defer srv.Close()

	chat, err := db.CreateChat(ctx, []string{"alice", "bob"})
	require.NoError(t, err)

	alice := dialTestClient(t, srv, "alice")
	bob := dialTestClient(t, srv, "bob")

	alice.send(1, EventUserConnected, UserPayload{UserId: "alice"})
	require.Equal(t, http.StatusOK, alice.response(1).Response.ResponseCode)
	bob.send(1, EventUserConnected, UserPayload{UserId: "bob"})
	require.Equal(t, http.StatusOK, bob.response(1).Response.ResponseCode)

	var first types.Message
	t.Run("direct delivery when the recipient is not in the room", func(t *testing.T) {
		alice.send(2, EventNewMessage, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Body: "hello"}})

		ev := bob.event(EventNewMessage)
		require.NotEmpty(t, ev.AckId)
		bob.send(0, EventAck, AckPayload{AckId: ev.AckId})

		resp := alice.response(2)
		require.Equal(t, http.StatusOK, resp.Response.ResponseCode)

		var ack NewMessageAck
		require.NoError(t, json.Unmarshal(resp.Response.Data, &ack))
		assert.Equal(t, types.AckSuccess, ack.Status)
		assert.False(t, ack.Outcome.ViaRoom)
		assert.Equal(t, []string{"bob"}, ack.Outcome.ViaDirect)
		assert.Empty(t, ack.Outcome.Unreachable)
		first = ack.Message

		stored, err := db.GetMessage(ctx, first.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReceive, stored.Status)
		assert.True(t, alice.seen(EventStatusSingle), "expected alice to hear about the receive transition")
	})

	t.Run("room delivery", func(t *testing.T) {
		bob.send(2, EventJoinChat, JoinChatPayload{ChatId: chat.Id})
		require.Equal(t, http.StatusOK, bob.response(2).Response.ResponseCode)

		alice.send(3, EventNewMessage, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Body: "again"}})
		ev := bob.event(EventNewMessage)
		bob.send(0, EventAck, AckPayload{AckId: ev.AckId})

		var ack NewMessageAck
		require.NoError(t, json.Unmarshal(alice.response(3).Response.Data, &ack))
		assert.Equal(t, types.AckSuccess, ack.Status)
		assert.True(t, ack.Outcome.ViaRoom)

		count, err := db.GetUnread(ctx, chat.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("relaying a stored message again does not count it twice", func(t *testing.T) {
		alice.send(10, EventNewMessage, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Id: first.Id}})
		ev := bob.event(EventNewMessage)
		bob.send(0, EventAck, AckPayload{AckId: ev.AckId})

		var ack NewMessageAck
		require.NoError(t, json.Unmarshal(alice.response(10).Response.Data, &ack))
		assert.Equal(t, first.Id, ack.Message.Id)

		count, err := db.GetUnread(ctx, chat.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("outsider cannot advance a message", func(t *testing.T) {
		mallory := dialTestClient(t, srv, "mallory")
		mallory.send(1, EventUserConnected, UserPayload{UserId: "mallory"})
		require.Equal(t, http.StatusOK, mallory.response(1).Response.ResponseCode)

		mallory.send(2, EventStatusSingle, StatusPayload{ChatId: "unrelated", MessageId: first.Id, Status: "seen"})
		assert.Equal(t, http.StatusNotFound, mallory.response(2).Response.ResponseCode)

		mallory.send(3, EventStatusSingle, StatusPayload{ChatId: chat.Id, MessageId: first.Id, Status: "seen"})
		assert.Equal(t, http.StatusForbidden, mallory.response(3).Response.ResponseCode)

		stored, err := db.GetMessage(ctx, first.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReceive, stored.Status)
	})

	t.Run("bulk seen zeroes unread and notifies the sender", func(t *testing.T) {
		bob.send(3, EventStatusBulk, BulkStatusPayload{ChatId: chat.Id, Status: "seen"})
		resp := bob.response(3)
		require.Equal(t, http.StatusOK, resp.Response.ResponseCode)

		ev := alice.event(EventStatusBulk)
		var payload StatusEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, chat.Id, payload.ChatId)
		assert.EqualValues(t, 2, payload.Count)
		assert.Equal(t, types.StatusSeen, payload.Status)
		assert.Equal(t, "bob", payload.UserId)

		count, err := db.GetUnread(ctx, chat.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		stored, err := db.GetMessage(ctx, first.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSeen, stored.Status)
	})

	t.Run("nobody reachable", func(t *testing.T) {
		bob.conn.Close()
		require.Eventually(t, func() bool {
			_, ok := cs.presence.ConnectionForUser("bob")
			return !ok
		}, time.Second, 10*time.Millisecond)

		alice.send(4, EventNewMessage, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Body: "anyone?"}})

		var ack NewMessageAck
		require.NoError(t, json.Unmarshal(alice.response(4).Response.Data, &ack))
		assert.Equal(t, types.AckFailure, ack.Status)
		assert.Equal(t, []string{"bob"}, ack.Outcome.Unreachable)

		stored, err := db.GetMessage(ctx, ack.Message.Id)
		require.NoError(t, err, "expected the message to stay persisted")
		assert.Equal(t, types.StatusSent, stored.Status)
	})
}

func TestChatServer_handleNewMessage_errors(t *testing.T) {
	ctx := context.Background()

	t.Run("persistence failure", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetChatParticipants", ctx, "chat1").Return([]string{"alice", "bob"}, nil).Once()
		db.On("CreateMessage", ctx, mock.Anything).Return(types.Message{}, errors.New("disk full")).Once()

		cs := newTestChatServer(t, db, stats.NopStats{})
		c := newTestClient(t, cs, "alice", "conn-alice")
		cs.handle(ctx, &ClientMessage{
			Id:      1,
			Event:   EventNewMessage,
			Payload: mustPayload(t, NewMessagePayload{ChatId: "chat1", Message: MessageInput{Body: "hi"}}),
			client:  c,
		})

		assert.Equal(t, http.StatusInternalServerError, nextMessage(t, c).Response.ResponseCode)
	})

	t.Run("relaying someone else's message", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetChatParticipants", ctx, "chat1").Return([]string{"alice", "bob"}, nil).Once()
		db.On("GetMessage", ctx, "m1").Return(types.Message{Id: "m1", ChatId: "chat1", SenderId: "bob"}, nil).Once()

		cs := newTestChatServer(t, db, stats.NopStats{})
		c := newTestClient(t, cs, "alice", "conn-alice")
		cs.handle(ctx, &ClientMessage{
			Id:      1,
			Event:   EventNewMessage,
			Payload: mustPayload(t, NewMessagePayload{ChatId: "chat1", Message: MessageInput{Id: "m1"}}),
			client:  c,
		})

		assert.Equal(t, http.StatusForbidden, nextMessage(t, c).Response.ResponseCode)
	})

	t.Run("invalid payload", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NopStats{})
		c := newTestClient(t, cs, "alice", "conn-alice")
		cs.handle(ctx, &ClientMessage{
			Id:      1,
			Event:   EventNewMessage,
			Payload: mustPayload(t, map[string]any{"chatId": "chat1"}),
			client:  c,
		})

		resp := nextMessage(t, c)
		assert.Equal(t, http.StatusBadRequest, resp.Response.ResponseCode)
		assert.Contains(t, resp.Response.Error, "invalid payload")
	})
}

func TestChatServer_handleNewMessage_countsOnce(t *testing.T) {
	ctx := context.Background()
	logger := testutil.TestLogger(t)

	db, err := database.NewBadgerGoChatRepository(filepath.Join(t.TempDir(), "badger"), logger)
	require.NoError(t, err)
	defer db.Close()

	chat, err := db.CreateChat(ctx, []string{"alice", "bob"})
	require.NoError(t, err)

	cs := newTestChatServer(t, db, stats.NopStats{})
	alice := newTestClient(t, cs, "alice", "conn-alice")
	cs.addClient(alice)
	cs.presence.RegisterConnection(alice.userId, alice.id)

	cs.handle(ctx, &ClientMessage{
		Id:      1,
		Event:   EventNewMessage,
		Payload: mustPayload(t, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Body: "hi"}}),
		client:  alice,
	})
	resp := nextMessage(t, alice)
	require.Equal(t, http.StatusOK, resp.Response.ResponseCode)
	ack, ok := resp.Response.Data.(NewMessageAck)
	require.True(t, ok)

	// bob is offline so the client retries with the stored id
	for id := 2; id <= 3; id++ {
		cs.handle(ctx, &ClientMessage{
			Id:      id,
			Event:   EventNewMessage,
			Payload: mustPayload(t, NewMessagePayload{ChatId: chat.Id, Message: MessageInput{Id: ack.Message.Id}}),
			client:  alice,
		})
		assert.Equal(t, http.StatusOK, nextMessage(t, alice).Response.ResponseCode)
	}

	count, err := db.GetUnread(ctx, chat.Id, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
