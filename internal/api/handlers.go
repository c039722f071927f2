package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/server"
	"github.com/npezzotti/go-chatdelivery/internal/types"
	"github.com/samber/lo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateChatRequest struct {
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

type CreateMessageRequest struct {
	Body     string `json:"body" validate:"required_without=PhotoUrl,max=4096"`
	PhotoUrl string `json:"photo_url" validate:"omitempty,url"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", "error", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// requireParticipant loads the chat's participants and checks the caller is
// one of them. It writes the error response itself.
func (s *GoChatApp) requireParticipant(w http.ResponseWriter, r *http.Request, chatId, userId string) ([]string, bool) {
	participants, err := s.db.GetChatParticipants(r.Context(), chatId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return nil, false
	}

	if !slices.Contains(participants, userId) {
		s.writeError(w, NewForbiddenError())
		return nil, false
	}

	return participants, true
}

func (s *GoChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GoChatApp) createChat(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req CreateChatRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	participants := lo.Uniq(append([]string{userId}, req.Participants...))
	chat, err := s.db.CreateChat(r.Context(), participants)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, chat)
}

func (s *GoChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	chatId := r.PathValue("chatId")

	var req CreateMessageRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	participants, ok := s.requireParticipant(w, r, chatId, userId)
	if !ok {
		return
	}

	msg, err := s.db.CreateMessage(r.Context(), database.CreateMessageParams{
		ChatId:   chatId,
		SenderId: userId,
		Body:     req.Body,
		PhotoUrl: req.PhotoUrl,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.Unread().OnMessageCreated(r.Context(), msg, participants); err != nil {
		s.log.Error("failed to count unread message", "chat_id", chatId, "message_id", msg.Id, "error", err)
	}

	s.writeJson(w, http.StatusCreated, msg)
}

// getMessages serves chat history, newest first. It is the lazy delivery
// path for messages that did not reach a recipient in real time.
func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	chatId := r.PathValue("chatId")

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		before = t
	}

	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, s.historyLimit)
	}

	if _, ok := s.requireParticipant(w, r, chatId, userId); !ok {
		return
	}

	messages, err := s.db.GetMessages(r.Context(), chatId, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	visible := lo.Filter(messages, func(m types.Message, _ int) bool {
		return !m.DeletedFor(userId)
	})

	s.writeJson(w, http.StatusOK, visible)
}

func (s *GoChatApp) getUnread(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	chatId := r.PathValue("chatId")

	if _, ok := s.requireParticipant(w, r, chatId, userId); !ok {
		return
	}

	count, err := s.cs.Unread().Reconcile(r.Context(), chatId, userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.UnreadCount{
		ChatId: chatId,
		UserId: userId,
		Count:  count,
	})
}

func (s *GoChatApp) getUserStatus(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	online, updatedAt := s.cs.Presence().OnlineStatus(userId)

	s.writeJson(w, http.StatusOK, types.OnlineStatus{
		UserId:        userId,
		Online:        online,
		LastUpdatedAt: updatedAt,
	})
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", "error", err)
		return
	}

	client := server.NewClient(userId, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Warn("rejecting connection", "error", err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
	go client.Process()
}
