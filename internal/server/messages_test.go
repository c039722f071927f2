package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoErrOk(t *testing.T) {
	msg := NoErrOK(7, map[string]string{"chatId": "c1"})
	assert.Equal(t, 7, msg.Id)
	require.NotNil(t, msg.Response)
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	assert.Equal(t, map[string]string{"chatId": "c1"}, msg.Response.Data)
	assert.Empty(t, msg.Response.Error)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestNoErrAccepted(t *testing.T) {
	msg := NoErrAccepted(3)
	assert.Equal(t, 3, msg.Id)
	assert.Equal(t, http.StatusAccepted, msg.Response.ResponseCode)
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
	}{
		{"not found", ErrNotFound(1), http.StatusNotFound},
		{"forbidden", ErrForbidden(1), http.StatusForbidden},
		{"internal", ErrInternalError(1), http.StatusInternalServerError},
		{"unavailable", ErrServiceUnavailable(1), http.StatusServiceUnavailable},
		{"too many requests", ErrTooManyRequests(1), http.StatusTooManyRequests},
		{"conflict", ErrConflict(1, "nope"), http.StatusConflict},
		{"invalid", ErrInvalidMessage(1, ""), http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, 1, tc.msg.Id)
			require.NotNil(t, tc.msg.Response)
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.NotEmpty(t, tc.msg.Response.Error)
		})
	}

	assert.Equal(t, "invalid message format", ErrInvalidMessage(0, "").Response.Error)
	assert.Equal(t, 0, ErrInvalidMessage(-1, "").Id, "expected negative ids to be dropped")
}

func Test_errResponse(t *testing.T) {
	tcases := []struct {
		err  error
		code int
	}{
		{status.ErrForbidden, http.StatusForbidden},
		{ErrNotParticipant, http.StatusForbidden},
		{ErrUserMismatch, http.StatusForbidden},
		{status.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("get chat: %w", database.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: sent", status.ErrInvalidStatus), http.StatusBadRequest},
		{ErrUnknownEvent, http.StatusBadRequest},
		{ErrNotRegistered, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.code, errResponse(5, tc.err).Response.ResponseCode)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tcases := []struct {
		name    string
		payload string
		target  any
		err     bool
	}{
		{"valid join", `{"chatId":"c1"}`, &JoinChatPayload{}, false},
		{"join without chat", `{}`, &JoinChatPayload{}, true},
		{"new message with body", `{"chatId":"c1","message":{"body":"hi"}}`, &NewMessagePayload{}, false},
		{"new message with id only", `{"chatId":"c1","message":{"id":"m1"}}`, &NewMessagePayload{}, false},
		{"new message with photo only", `{"chatId":"c1","message":{"photoUrl":"https://cdn.example.com/a.png"}}`, &NewMessagePayload{}, false},
		{"empty new message", `{"chatId":"c1","message":{}}`, &NewMessagePayload{}, true},
		{"bad photo url", `{"chatId":"c1","message":{"photoUrl":"not a url"}}`, &NewMessagePayload{}, true},
		{"blank participant", `{"chatId":"c1","message":{"body":"hi"},"participantIds":["a",""]}`, &NewMessagePayload{}, true},
		{"valid status", `{"chatId":"c1","messageId":"m1","status":"seen"}`, &StatusPayload{}, false},
		{"sent is not requestable", `{"chatId":"c1","messageId":"m1","status":"sent"}`, &StatusPayload{}, true},
		{"valid bulk", `{"chatId":"c1","count":3,"status":"receive"}`, &BulkStatusPayload{}, false},
		{"negative bulk count", `{"chatId":"c1","count":-1,"status":"seen"}`, &BulkStatusPayload{}, true},
		{"ack", `{"ackId":"abc"}`, &AckPayload{}, false},
		{"malformed", `{"chatId":`, &JoinChatPayload{}, true},
		{"missing", ``, &JoinChatPayload{}, true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &ClientMessage{Event: "test", Payload: json.RawMessage(tc.payload)}
			err := msg.decodePayload(tc.target)
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServerMessageJSON(t *testing.T) {
	msg := NewEvent(EventTyping, TypingEvent{ChatId: "c1", UserId: "alice", IsTyping: true})
	msg.AckId = "a1"

	b, err := serializeMessage(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "typing", decoded["event"])
	assert.Equal(t, "a1", decoded["ack_id"])
	assert.Equal(t, map[string]any{"chatId": "c1", "userId": "alice", "isTyping": true}, decoded["payload"])
	assert.NotContains(t, decoded, "response")
}
