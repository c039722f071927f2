package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatdelivery/internal/types"
)

type GoChatRepository interface {
	Ping(ctx context.Context) error
	Close() error
	CreateChat(ctx context.Context, participants []string) (types.Chat, error)
	GetChat(ctx context.Context, chatId string) (types.Chat, error)
	GetChatParticipants(ctx context.Context, chatId string) ([]string, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	GetMessage(ctx context.Context, messageId string) (types.Message, error)
	GetMessages(ctx context.Context, chatId string, before time.Time, limit int) ([]types.Message, error)
	// UpdateMessageStatus advances a single message and reports whether a row
	// changed. Rows already at or past status are left alone.
	UpdateMessageStatus(ctx context.Context, messageId string, status types.Status) (bool, error)
	// BulkUpdateMessageStatus advances every message in the chat not sent by
	// excludeUserId, not deleted by them and currently below status.
	BulkUpdateMessageStatus(ctx context.Context, chatId, excludeUserId string, status types.Status) (int64, error)
	IncrementUnread(ctx context.Context, chatId, userId string) error
	DecrementUnread(ctx context.Context, chatId, userId string) error
	ZeroUnread(ctx context.Context, chatId, userId string) error
	SetUnread(ctx context.Context, chatId, userId string, count int) error
	GetUnread(ctx context.Context, chatId, userId string) (int, error)
	// CountUnread counts messages from other participants that userId has
	// not seen and not deleted.
	CountUnread(ctx context.Context, chatId, userId string) (int, error)
	// RecountUnread replaces the stored counter with CountUnread's result as
	// a single operation and returns it.
	RecountUnread(ctx context.Context, chatId, userId string) (int, error)
}
