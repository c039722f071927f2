package server

import (
	"sync"
)

// Room is the transport side of a chat: the set of connections currently
// viewing it. Broadcasts to the chat go to these clients only.
type Room struct {
	chatId     string
	clients    map[*Client]struct{}
	clientLock sync.RWMutex
}

func newRoom(chatId string) *Room {
	return &Room{
		chatId:  chatId,
		clients: make(map[*Client]struct{}),
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()
	r.clients[c] = struct{}{}
}

// removeClient removes c and reports whether the room is now empty.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()
	delete(r.clients, c)
	return len(r.clients) == 0
}

func (r *Room) isEmpty() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients) == 0
}

// members returns the room's clients not owned by excludeUserId.
func (r *Room) members(excludeUserId string) []*Client {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if excludeUserId != "" && c.userId == excludeUserId {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

// broadcast queues msg for every client in the room except skip.
func (r *Room) broadcast(msg *ServerMessage, skip *Client) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for c := range r.clients {
		if c == skip {
			continue
		}
		c.queueMessage(msg)
	}
}
