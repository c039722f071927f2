package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const requestIdHeader = "X-Request-Id"

// recoverer tags every request with an id and turns a handler panic into a
// 500. Once a websocket upgrade has started the connection belongs to the
// hub, so nothing is written back.
func (s *GoChatApp) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqId := r.Header.Get(requestIdHeader)
		if reqId == "" {
			reqId = uuid.NewString()
		}
		w.Header().Set(requestIdHeader, reqId)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			s.log.Error("handler panicked",
				"request_id", reqId,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)

			if websocket.IsWebSocketUpgrade(r) {
				return
			}
			w.Header().Set("Connection", "close")
			s.writeError(w, NewInternalServerError(err))
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller from the session token. Chat payloads
// and unread counts are per user, so authenticated responses are never cached.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Debug("rejected session token",
				"request_id", w.Header().Get(requestIdHeader),
				"path", r.URL.Path,
				"error", err,
			)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}
