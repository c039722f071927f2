// Package presence tracks which users hold an open realtime connection,
// which chat room each connection has joined and the coarser online flag
// clients report when their tab gains or loses focus.
//
// Presence is best effort. Lookups of unknown users or connections are
// silent no-ops and nothing here returns an error.
package presence

import (
	"sync"
	"time"
)

type Connection struct {
	Id           string
	UserId       string
	ActiveChatId string
}

type onlineFlag struct {
	online    bool
	updatedAt time.Time
}

// Registry is safe for concurrent use. A single mutex guards every map so
// read-then-mutate sequences such as joining a room and updating the active
// chat are never interleaved.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Connection         // conn_id -> connection
	byUser map[string]string              // user_id -> conn_id
	online map[string]onlineFlag          // user_id -> flag
	rooms  map[string]map[string]struct{} // chat_id -> conn_ids
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Connection),
		byUser: make(map[string]string),
		online: make(map[string]onlineFlag),
		rooms:  make(map[string]map[string]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterConnection records connId as the active connection of userId.
// A newer registration for the same user replaces the older one in the user
// index; the older connection record remains until it is unregistered.
func (r *Registry) RegisterConnection(userId, connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byConn[connId]; ok && c.UserId != userId {
		// connection re-announced as a different user
		r.leaveRoomLocked(c)
		if r.byUser[c.UserId] == connId {
			delete(r.byUser, c.UserId)
		}
		c.UserId = userId
		c.ActiveChatId = ""
	} else if !ok {
		r.byConn[connId] = &Connection{Id: connId, UserId: userId}
	}

	r.byUser[userId] = connId
}

// UnregisterConnection removes the connection and its room membership. The
// user index is only cleared when it still points at this connection.
func (r *Registry) UnregisterConnection(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connId]
	if !ok {
		return
	}

	r.leaveRoomLocked(c)
	delete(r.byConn, connId)
	if r.byUser[c.UserId] == connId {
		delete(r.byUser, c.UserId)
	}
}

func (r *Registry) SetOnline(userId string) {
	r.setOnline(userId, true)
}

func (r *Registry) SetOffline(userId string) {
	r.setOnline(userId, false)
}

func (r *Registry) setOnline(userId string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userId] = onlineFlag{online: online, updatedAt: r.now()}
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[userId].online
}

// OnlineStatus returns the flag and when it last changed. Users that never
// reported a flag are offline with a zero time.
func (r *Registry) OnlineStatus(userId string) (bool, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f := r.online[userId]
	return f.online, f.updatedAt
}

// JoinRoom makes chatId the active chat of the connection, leaving the room
// it previously had active. It returns the previous chat id and false when
// the connection is unknown.
func (r *Registry) JoinRoom(connId, chatId string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connId]
	if !ok {
		return "", false
	}

	previous := c.ActiveChatId
	if previous == chatId {
		return previous, true
	}

	r.leaveRoomLocked(c)

	members := r.rooms[chatId]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[chatId] = members
	}
	members[connId] = struct{}{}
	c.ActiveChatId = chatId

	return previous, true
}

func (r *Registry) leaveRoomLocked(c *Connection) {
	if c.ActiveChatId == "" {
		return
	}

	if members := r.rooms[c.ActiveChatId]; members != nil {
		delete(members, c.Id)
		if len(members) == 0 {
			delete(r.rooms, c.ActiveChatId)
		}
	}
	c.ActiveChatId = ""
}

// ConnectionForUser returns the connection id currently registered for userId.
func (r *Registry) ConnectionForUser(userId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connId, ok := r.byUser[userId]
	return connId, ok
}

// Connection returns a copy of the connection record.
func (r *Registry) Connection(connId string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connId]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ActiveChat returns the chat the user's current connection has joined.
func (r *Registry) ActiveChat(userId string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byConn[r.byUser[userId]]; ok {
		return c.ActiveChatId
	}
	return ""
}

// RoomMembers returns the distinct user ids with a connection in chatId's room.
func (r *Registry) RoomMembers(chatId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.rooms[chatId]))
	users := make([]string, 0, len(r.rooms[chatId]))
	for connId := range r.rooms[chatId] {
		userId := r.byConn[connId].UserId
		if _, dup := seen[userId]; dup {
			continue
		}
		seen[userId] = struct{}{}
		users = append(users, userId)
	}
	return users
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
