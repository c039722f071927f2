package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status is the delivery/read state of a message. The zero value is
// StatusSent, the state every message is created in.
type Status int

const (
	StatusSent Status = iota
	StatusReceive
	StatusSeen
)

var statusNames = [...]string{"sent", "receive", "seen"}

func (s Status) Rank() int {
	return int(s)
}

func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusSeen
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid message status %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}

	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Message struct {
	Id        string    `json:"id"`
	ChatId    string    `json:"chat_id"`
	SenderId  string    `json:"sender_id"`
	Body      string    `json:"body,omitempty"`
	PhotoUrl  string    `json:"photo_url,omitempty"`
	Status    Status    `json:"status"`
	DeletedBy []string  `json:"deleted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeletedFor reports whether the message was soft-deleted by userId.
func (m Message) DeletedFor(userId string) bool {
	return slices.Contains(m.DeletedBy, userId)
}

type Chat struct {
	Id            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageId string    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type UnreadCount struct {
	ChatId string `json:"chat_id"`
	UserId string `json:"user_id"`
	Count  int    `json:"count"`
}

type OnlineStatus struct {
	UserId        string    `json:"user_id"`
	Online        bool      `json:"online"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailure AckStatus = "failure"
)

// DeliveryOutcome is the result of dispatching one message to the other
// participants of its chat.
type DeliveryOutcome struct {
	ViaRoom     bool     `json:"via_room"`
	ViaDirect   []string `json:"via_direct"`
	Unreachable []string `json:"unreachable"`
	// Reached lists every recipient that acknowledged on any channel.
	Reached []string `json:"-"`
}

// Ack is the status the sender is told about. Failure only means nobody was
// reachable right now; the message is already persisted.
func (o DeliveryOutcome) Ack() AckStatus {
	if o.ViaRoom || len(o.ViaDirect) > 0 {
		return AckSuccess
	}
	return AckFailure
}
