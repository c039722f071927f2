package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/npezzotti/go-chatdelivery/internal/types"
)

const (
	EventUserConnected  = "user-connected"
	EventUserOnline     = "user-online"
	EventUserOffline    = "user-offline"
	EventOnlineStatus   = "user-online-status"
	EventJoinChat       = "join-chat"
	EventNewMessage     = "new-message"
	EventTyping         = "typing"
	EventStatusSingle   = "seen-or-received-message"
	EventStatusBulk     = "seen-or-received-messages"
	EventAck            = "ack"
	EventUserDisconnect = "disconnect"
)

var (
	ErrNotParticipant = status.ErrNotParticipant
	ErrNotRegistered  = errors.New("connection has not announced its user")
	ErrUserMismatch   = errors.New("payload user does not match the session")
	ErrUnknownEvent   = errors.New("unknown event")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClientMessage is the envelope of every client to server frame. Payload is
// decoded according to Event once the envelope has been validated.
type ClientMessage struct {
	Id      int             `json:"id,omitempty"`
	Event   string          `json:"event" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
	client  *Client
}

type UserPayload struct {
	UserId string `json:"userId" validate:"required"`
}

type JoinChatPayload struct {
	ChatId string `json:"chatId" validate:"required"`
}

type MessageInput struct {
	Id       string `json:"id,omitempty"`
	Body     string `json:"body,omitempty" validate:"required_without_all=Id PhotoUrl,max=4096"`
	PhotoUrl string `json:"photoUrl,omitempty" validate:"omitempty,url"`
}

type NewMessagePayload struct {
	ChatId         string       `json:"chatId" validate:"required"`
	Message        MessageInput `json:"message"`
	ParticipantIds []string     `json:"participantIds,omitempty" validate:"omitempty,dive,required"`
}

type TypingPayload struct {
	ChatId   string `json:"chatId" validate:"required"`
	UserId   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type StatusPayload struct {
	ChatId    string `json:"chatId" validate:"required"`
	MessageId string `json:"messageId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=receive seen"`
}

type BulkStatusPayload struct {
	ChatId string `json:"chatId" validate:"required"`
	Count  int    `json:"count" validate:"gte=0"`
	Status string `json:"status" validate:"required,oneof=receive seen"`
}

type AckPayload struct {
	AckId string `json:"ackId" validate:"required"`
}

// decodePayload unmarshals the message payload into v and validates it.
func (m *ClientMessage) decodePayload(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// ServerMessage is the envelope of every server to client frame. Responses
// echo the request id; emits that expect an acknowledgement carry AckId.
type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	AckId     string    `json:"ack_id,omitempty"`
	Event     string    `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Response  *Response `json:"response,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type NewMessageAck struct {
	Status  types.AckStatus       `json:"status"`
	Message types.Message         `json:"message"`
	Outcome types.DeliveryOutcome `json:"outcome"`
}

type OnlineStatusAck struct {
	Online        bool      `json:"online"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

type TypingEvent struct {
	ChatId   string `json:"chatId"`
	UserId   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type StatusEvent struct {
	ChatId    string       `json:"chatId"`
	MessageId string       `json:"messageId,omitempty"`
	Count     int64        `json:"count,omitempty"`
	Status    types.Status `json:"status"`
	UserId    string       `json:"userId,omitempty"`
}

func NewEvent(event string, payload any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Timestamp: Now(),
		Payload:   payload,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func newErrResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrNotFound(id int) *ServerMessage {
	return newErrResponse(id, http.StatusNotFound, "not found")
}

func ErrForbidden(id int) *ServerMessage {
	return newErrResponse(id, http.StatusForbidden, "forbidden")
}

func ErrInternalError(id int) *ServerMessage {
	return newErrResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newErrResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrTooManyRequests(id int) *ServerMessage {
	return newErrResponse(id, http.StatusTooManyRequests, "too many requests")
}

func ErrConflict(id int, msg string) *ServerMessage {
	return newErrResponse(id, http.StatusConflict, msg)
}

func ErrInvalidMessage(id int, msg string) *ServerMessage {
	if msg == "" {
		msg = "invalid message format"
	}
	return newErrResponse(max(id, 0), http.StatusBadRequest, msg)
}

// errResponse maps an error from the core packages onto a response code.
func errResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, status.ErrForbidden),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrUserMismatch):
		return ErrForbidden(id)
	case errors.Is(err, status.ErrNotFound), errors.Is(err, database.ErrNotFound):
		return ErrNotFound(id)
	case errors.Is(err, status.ErrInvalidStatus), errors.Is(err, ErrUnknownEvent):
		return ErrInvalidMessage(id, err.Error())
	case errors.Is(err, ErrNotRegistered):
		return ErrConflict(id, err.Error())
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
